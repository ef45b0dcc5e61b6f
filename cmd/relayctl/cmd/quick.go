package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/ingest"
)

// quickCmd represents a set of quick/easy commands for common operations
var quickCmd = &cobra.Command{
	Use:   "quick",
	Short: "Quick operations for common tasks",
	Long:  `Quick operations that combine multiple steps for common workflows.`,
}

// quickSetupCmd creates an endpoint and sends it a test event
var quickSetupCmd = &cobra.Command{
	Use:   "setup [endpoint-id] [url] [event-type]",
	Short: "Quick setup: create an endpoint and send it a test event",
	Long: `Create an endpoint subscribed to one event type, then publish a test
event targeted at it.

Example:
  relayctl quick setup ep-local http://localhost:8081/hook status.created`,
	Args: cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, url, eventType := args[0], args[1], args[2]
		secret, _ := cmd.Flags().GetString("secret")
		out := cmd.OutOrStdout()

		fmt.Fprintf(out, "Saving endpoint %s for %s...\n", id, url)
		var ep ingest.EndpointResponse
		req := ingest.EndpointRequest{URL: url, EventTypes: []string{eventType}, Secret: secret}
		if err := callAPI(cmd.Context(), http.MethodPut, endpointPath(id), req, &ep); err != nil {
			return fmt.Errorf("failed to save endpoint: %w", err)
		}
		fmt.Fprintf(out, "✅ Saved endpoint: %s\n", ep.ID)

		fmt.Fprintf(out, "Publishing test %s event...\n", eventType)
		payload, _ := parsePayload(`{"test":true,"source":"relayctl"}`)
		var pub ingest.PublishResponse
		preq := ingest.PublishRequest{EventType: eventType, Payload: payload, Targets: []string{id}}
		if err := callAPI(cmd.Context(), http.MethodPost, "/v1/events", preq, &pub); err != nil {
			return fmt.Errorf("failed to publish test event: %w", err)
		}
		fmt.Fprintf(out, "✅ Published event: %s\n", pub.EnvelopeID)

		if outputJSON {
			return printJSON(out, map[string]any{"endpoint": ep, "event": pub})
		}
		fmt.Fprintf(out, "\n🎉 Setup complete!\n")
		if ep.Secret != "" {
			fmt.Fprintf(out, "  Signing secret: %s\n", ep.Secret)
		}
		fmt.Fprintf(out, "  Check delivery: relayctl delivery status %s %s\n", pub.EnvelopeID, id)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(quickCmd)
	quickCmd.AddCommand(quickSetupCmd)

	quickSetupCmd.Flags().String("secret", "", "signing secret on creation (if not provided, one will be generated)")
}
