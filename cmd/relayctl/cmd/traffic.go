package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/ingest"
)

// TrafficConfig holds the configuration for traffic generation
type TrafficConfig struct {
	EventType     string        `json:"event_type"`
	Targets       []string      `json:"targets,omitempty"`
	Rate          int           `json:"rate"`     // events per second
	Duration      time.Duration `json:"duration"` // normal phase
	BurstRate     int           `json:"burst_rate,omitempty"`
	BurstDuration time.Duration `json:"burst_duration,omitempty"`
	Concurrency   int           `json:"concurrency"`
}

func (c TrafficConfig) validate() error {
	switch {
	case c.EventType == "":
		return errors.New("event type is required")
	case c.Rate < 1:
		return errors.New("rate must be at least 1")
	case c.Duration <= 0:
		return errors.New("duration must be positive")
	case c.BurstDuration > 0 && c.BurstRate < 1:
		return errors.New("burst rate must be at least 1 when a burst is requested")
	case c.Concurrency < 1:
		return errors.New("concurrency must be at least 1")
	}
	return nil
}

// PhaseSummary counts one traffic phase.
type PhaseSummary struct {
	Phase     string        `json:"phase"`
	Sent      int64         `json:"sent"`
	Accepted  int64         `json:"accepted"`
	Rejected  int64         `json:"rejected"` // 4xx, the event will never be delivered
	Errors    int64         `json:"errors"`   // transport failures and 5xx
	Duration  time.Duration `json:"duration"`
	ActualRPS float64       `json:"actual_rps"`
}

// TrafficSummary holds the summary of generated traffic
type TrafficSummary struct {
	Phases        []PhaseSummary `json:"phases"`
	TotalSent     int64          `json:"total_sent"`
	TotalAccepted int64          `json:"total_accepted"`
	LastEnvelope  string         `json:"last_envelope_id,omitempty"`
}

type trafficPhase struct {
	name string
	rate int
	dur  time.Duration
}

// generateTraffic publishes at cfg.Rate for cfg.Duration, then at
// cfg.BurstRate for cfg.BurstDuration. Progress dots go to progress.
func generateTraffic(ctx context.Context, cfg TrafficConfig, progress io.Writer) (TrafficSummary, error) {
	if err := cfg.validate(); err != nil {
		return TrafficSummary{}, err
	}

	var sum TrafficSummary
	var last atomic.Value
	phases := []trafficPhase{{"normal", cfg.Rate, cfg.Duration}}
	if cfg.BurstDuration > 0 {
		phases = append(phases, trafficPhase{"burst", cfg.BurstRate, cfg.BurstDuration})
	}

	for _, ph := range phases {
		ps := runPhase(ctx, cfg, ph.name, ph.rate, ph.dur, progress, &last)
		sum.Phases = append(sum.Phases, ps)
		sum.TotalSent += ps.Sent
		sum.TotalAccepted += ps.Accepted
		if ctx.Err() != nil {
			break
		}
	}
	if id, ok := last.Load().(string); ok {
		sum.LastEnvelope = id
	}
	return sum, nil
}

func runPhase(ctx context.Context, cfg TrafficConfig, name string, rate int, dur time.Duration, progress io.Writer, last *atomic.Value) PhaseSummary {
	var sent, accepted, rejected, failed atomic.Int64

	phaseCtx, cancel := context.WithTimeout(ctx, dur)
	defer cancel()

	p := pool.New().WithMaxGoroutines(cfg.Concurrency)
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	start := time.Now()
	for seq := 0; ; seq++ {
		select {
		case <-phaseCtx.Done():
			p.Wait()
			elapsed := time.Since(start)
			ps := PhaseSummary{
				Phase:    name,
				Sent:     sent.Load(),
				Accepted: accepted.Load(),
				Rejected: rejected.Load(),
				Errors:   failed.Load(),
				Duration: elapsed,
			}
			if elapsed > 0 {
				ps.ActualRPS = float64(ps.Sent) / elapsed.Seconds()
			}
			fmt.Fprintln(progress)
			return ps
		case <-ticker.C:
		}

		payload, _ := json.Marshal(map[string]any{
			"source":    "relayctl-traffic",
			"phase":     name,
			"sequence":  seq,
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
		})
		req := ingest.PublishRequest{EventType: cfg.EventType, Payload: payload, Targets: cfg.Targets}
		n := sent.Add(1)
		p.Go(func() {
			// Requests in flight when the phase ends still complete.
			var resp ingest.PublishResponse
			err := callAPI(context.WithoutCancel(phaseCtx), http.MethodPost, "/v1/events", req, &resp)
			var apiErr *apiError
			switch {
			case err == nil:
				accepted.Add(1)
				last.Store(resp.EnvelopeID)
			case errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError:
				rejected.Add(1)
			default:
				failed.Add(1)
			}
		})
		if n%10 == 0 {
			fmt.Fprint(progress, ".")
		}
	}
}

func printTrafficSummary(w io.Writer, s TrafficSummary) {
	fmt.Fprintln(w, "Traffic summary:")
	for _, ps := range s.Phases {
		fmt.Fprintf(w, "  %s: %d sent, %d accepted, %d rejected, %d errors in %s (%.1f/s)\n",
			ps.Phase, ps.Sent, ps.Accepted, ps.Rejected, ps.Errors, ps.Duration.Round(time.Millisecond), ps.ActualRPS)
	}
	fmt.Fprintf(w, "  Total: %d sent, %d accepted\n", s.TotalSent, s.TotalAccepted)
	if s.LastEnvelope != "" {
		fmt.Fprintf(w, "  Last envelope: %s\n", s.LastEnvelope)
	}
}

// trafficCmd represents the traffic command
var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Generate test traffic",
	Long: `Generate publish traffic against the ingest API to exercise retries,
circuit breakers and dead-lettering end to end.`,
}

// generateCmd represents the traffic generate command
var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Publish events at a fixed rate",
	Long: `Publish events at a fixed rate for a duration, optionally followed by a
burst phase. Point --target at an endpoint backed by fake-receiver with
FAIL_FIRST_N set to watch retries and the circuit open.

Example:
  relayctl traffic generate --event-type status.created --rate 20 --duration 30s
  relayctl traffic generate --event-type status.created --burst-rate 100 --burst-duration 10s`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg TrafficConfig
		cfg.EventType, _ = cmd.Flags().GetString("event-type")
		cfg.Targets, _ = cmd.Flags().GetStringSlice("target")
		cfg.Rate, _ = cmd.Flags().GetInt("rate")
		cfg.Duration, _ = cmd.Flags().GetDuration("duration")
		cfg.BurstRate, _ = cmd.Flags().GetInt("burst-rate")
		cfg.BurstDuration, _ = cmd.Flags().GetDuration("burst-duration")
		cfg.Concurrency, _ = cmd.Flags().GetInt("concurrency")

		progress := cmd.ErrOrStderr()
		if !outputJSON {
			fmt.Fprintf(progress, "Publishing %s at %d/s for %s\n", cfg.EventType, cfg.Rate, cfg.Duration)
		}
		sum, err := generateTraffic(cmd.Context(), cfg, progress)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), sum)
		}
		printTrafficSummary(cmd.OutOrStdout(), sum)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(trafficCmd)
	trafficCmd.AddCommand(generateCmd)

	generateCmd.Flags().String("event-type", "", "event type to publish")
	generateCmd.Flags().StringSlice("target", nil, "endpoint ids to target (default: all subscribers)")
	generateCmd.Flags().Int("rate", 10, "events per second")
	generateCmd.Flags().Duration("duration", 10*time.Second, "normal phase duration")
	generateCmd.Flags().Int("burst-rate", 50, "events per second during the burst phase")
	generateCmd.Flags().Duration("burst-duration", 0, "burst phase duration (0 disables the burst)")
	generateCmd.Flags().Int("concurrency", 8, "maximum requests in flight")
	_ = generateCmd.MarkFlagRequired("event-type")
}
