package cmd

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/ingest"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish events",
	Long:  `Publish events for delivery to subscribed endpoints.`,
}

// publishCmd represents the publish command
var publishCmd = &cobra.Command{
	Use:   "publish [event-type] [payload-json]",
	Short: "Publish an event",
	Long: `Publish an event with a JSON payload. Without --target the event goes
to every enabled endpoint subscribed to its type.

Example:
  relayctl event publish status.created '{"id":"s-1","text":"hello"}'
  relayctl event publish status.created '{"id":"s-1"}' --target ep-a --target ep-b`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := ingest.PublishRequest{EventType: args[0]}
		if len(args) == 2 {
			payload, err := parsePayload(args[1])
			if err != nil {
				return fmt.Errorf("invalid payload JSON: %w", err)
			}
			req.Payload = payload
		}
		req.Targets, _ = cmd.Flags().GetStringSlice("target")

		var resp ingest.PublishResponse
		if err := callAPI(cmd.Context(), http.MethodPost, "/v1/events", req, &resp); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, resp)
		}
		fmt.Fprintf(out, "Published event: %s\n", resp.EnvelopeID)
		fmt.Fprintf(out, "  Type: %s\n", resp.EventType)
		fmt.Fprintf(out, "  Occurred: %s\n", formatTime(resp.OccurredAt))
		if len(resp.FailedTargets) > 0 {
			fmt.Fprintf(out, "  Not queued for: %s (publish again with --target)\n", strings.Join(resp.FailedTargets, ", "))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishCmd)

	publishCmd.Flags().StringSlice("target", nil, "deliver only to these endpoint ids")
}
