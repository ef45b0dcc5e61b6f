package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/ingest"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect deliveries",
	Long:  `Read the attempt history of an event's delivery to an endpoint.`,
}

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status [envelope-id] [endpoint-id]",
	Short: "Get delivery attempts for an event and endpoint",
	Long: `List every recorded attempt to deliver an event to one endpoint, oldest
first.

Example:
  relayctl delivery status 0b9f2c1e-... ep-a`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		envelopeID, endpointID := args[0], args[1]
		path := "/v1/envelopes/" + url.PathEscape(envelopeID) + "/endpoints/" + url.PathEscape(endpointID) + "/attempts"

		var resp ingest.AttemptsResponse
		if err := callAPI(cmd.Context(), http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to get delivery status: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		fmt.Fprintf(out, "Delivery attempts for event %s to %s:\n", envelopeID, endpointID)
		if len(resp.Attempts) == 0 {
			fmt.Fprintln(out, "  No delivery attempts found")
			return nil
		}
		for _, a := range resp.Attempts {
			fmt.Fprintf(out, "\n  Attempt %d:\n", a.AttemptNumber)
			fmt.Fprintf(out, "    Outcome: %s\n", a.Outcome)
			if a.Reason != "" {
				fmt.Fprintf(out, "    Reason: %s\n", a.Reason)
			}
			if a.HTTPStatus > 0 {
				fmt.Fprintf(out, "    HTTP Status: %d\n", a.HTTPStatus)
			}
			fmt.Fprintf(out, "    Scheduled: %s\n", formatTime(a.ScheduledAt))
			if a.Latency > 0 {
				fmt.Fprintf(out, "    Latency: %s\n", a.Latency)
			}
			if a.Terminal {
				fmt.Fprintln(out, "    Terminal: yes")
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(statusCmd)
}
