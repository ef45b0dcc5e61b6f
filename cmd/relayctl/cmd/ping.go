package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/health"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Ping the Harbor Relay service",
	Long:  `Send a ping request to verify the ingest API is running and accessible.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Message string `json:"message"`
		}
		if err := callAPI(cmd.Context(), http.MethodGet, "/v1/ping", nil, &resp); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		fmt.Fprintf(out, "Pong! Service is running: %s\n", resp.Message)
		return nil
	},
}

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Harbor Relay service",
	Long:  `Check the ingest service's dependencies (database, queue, circuit store).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st health.Status
		err := callAPI(cmd.Context(), http.MethodGet, "/healthz", nil, &st)
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
			// An unhealthy reply still carries the per-check status.
			if jerr := json.Unmarshal(apiErr.Body, &st); jerr != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			if err := printJSON(out, st); err != nil {
				return err
			}
		} else {
			if st.OK {
				fmt.Fprintln(out, "✓ Service is healthy")
			} else {
				fmt.Fprintf(out, "✗ Service is unhealthy: %s\n", st.Message)
			}
			names := make([]string, 0, len(st.Checks))
			for name := range st.Checks {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				mark := "✓"
				if !st.Checks[name] {
					mark = "✗"
				}
				fmt.Fprintf(out, "  %s %s\n", mark, name)
			}
		}
		if !st.OK {
			return errors.New("service unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(healthCmd)
}
