package queue

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/austindbirch/harbor_relay/internal/logging"
	"github.com/austindbirch/harbor_relay/internal/metrics"
)

// nsqdStats is the part of nsqd's /stats?format=json we read.
type nsqdStats struct {
	Topics []struct {
		Name     string `json:"topic_name"`
		Depth    int64  `json:"depth"`
		Channels []struct {
			Name          string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
			DeferredCount int64  `json:"deferred_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// StatsMonitor polls nsqd and publishes backlog gauges for the relay's
// topics. Deferred retries count toward the backlog.
type StatsMonitor struct {
	addr   string
	topics map[string]bool
	client *http.Client
	log    *logging.Logger
}

// NewStatsMonitor watches the given topics on the nsqd HTTP address
// (host:port, or a full URL).
func NewStatsMonitor(nsqdHTTPAddr string, log *logging.Logger, topics ...string) *StatsMonitor {
	want := make(map[string]bool, len(topics))
	for _, t := range topics {
		want[t] = true
	}
	addr := strings.TrimSuffix(nsqdHTTPAddr, "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &StatsMonitor{
		addr:   addr,
		topics: want,
		client: &http.Client{Timeout: 5 * time.Second},
		log:    log,
	}
}

// Poll fetches stats once and updates the gauges.
func (m *StatsMonitor) Poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.addr+"/stats?format=json", nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsqd stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsqd stats: status %d", resp.StatusCode)
	}

	var stats nsqdStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsqd stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if !m.topics[topic.Name] {
			continue
		}
		backlog := topic.Depth
		for _, ch := range topic.Channels {
			metrics.SetNSQChannel(topic.Name, ch.Name, ch.Depth, ch.InFlightCount, ch.DeferredCount)
			backlog += ch.Depth + ch.DeferredCount
		}
		metrics.SetQueueDepth(topic.Name, float64(backlog))
	}
	return nil
}

// Run polls every interval until ctx ends. Poll errors are logged.
func (m *StatsMonitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.log.Plain().WithError(err).Warn("nsq stats poll failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
