package cmd

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_relay/internal/circuit"
	"github.com/austindbirch/harbor_relay/internal/ingest"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
	Long:  `Create, update and operate the endpoints that receive event deliveries.`,
}

func endpointPath(id string, suffix ...string) string {
	return "/v1/endpoints/" + url.PathEscape(id) + strings.Join(suffix, "")
}

func printEndpoint(w io.Writer, ep ingest.EndpointResponse) error {
	if outputJSON {
		return printJSON(w, ep)
	}
	fmt.Fprintf(w, "Endpoint: %s\n", ep.ID)
	fmt.Fprintf(w, "  URL: %s\n", ep.URL)
	fmt.Fprintf(w, "  Event types: %s\n", strings.Join(ep.EventTypes, ", "))
	fmt.Fprintf(w, "  Enabled: %v\n", ep.Enabled)
	if !ep.SecretRotatedAt.IsZero() {
		fmt.Fprintf(w, "  Secret rotated: %s\n", formatTime(ep.SecretRotatedAt))
	}
	if ep.PreviousInGrace {
		fmt.Fprintln(w, "  Previous secret: still accepted (grace period)")
	}
	if ep.Secret != "" {
		fmt.Fprintf(w, "  Secret: %s\n", ep.Secret)
		fmt.Fprintln(w, "  Store this secret now; it is not shown again.")
	}
	return nil
}

// putEndpointCmd represents the endpoint put command
var putEndpointCmd = &cobra.Command{
	Use:   "put [endpoint-id] [url]",
	Short: "Create or update an endpoint",
	Long: `Create or update an endpoint. On creation a signing secret is generated
unless --secret is given. Updates never change the secret; use rotate-secret.

Example:
  relayctl endpoint put ep-a https://example.com/webhook --event-type status.created
  relayctl endpoint put ep-b https://example.com/all --event-type '*'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eventTypes, _ := cmd.Flags().GetStringSlice("event-type")
		secret, _ := cmd.Flags().GetString("secret")
		req := ingest.EndpointRequest{URL: args[1], EventTypes: eventTypes, Secret: secret}
		if cmd.Flags().Changed("disabled") {
			disabled, _ := cmd.Flags().GetBool("disabled")
			enabled := !disabled
			req.Enabled = &enabled
		}

		var resp ingest.EndpointResponse
		if err := callAPI(cmd.Context(), http.MethodPut, endpointPath(args[0]), req, &resp); err != nil {
			return fmt.Errorf("failed to save endpoint: %w", err)
		}
		return printEndpoint(cmd.OutOrStdout(), resp)
	},
}

// getEndpointCmd represents the endpoint get command
var getEndpointCmd = &cobra.Command{
	Use:   "get [endpoint-id]",
	Short: "Show an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp ingest.EndpointResponse
		if err := callAPI(cmd.Context(), http.MethodGet, endpointPath(args[0]), nil, &resp); err != nil {
			return fmt.Errorf("failed to get endpoint: %w", err)
		}
		return printEndpoint(cmd.OutOrStdout(), resp)
	},
}

func toggleCmd(enable bool) *cobra.Command {
	verb := "disable"
	if enable {
		verb = "enable"
	}
	return &cobra.Command{
		Use:   verb + " [endpoint-id]",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " deliveries to an endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp ingest.EndpointResponse
			if err := callAPI(cmd.Context(), http.MethodPost, endpointPath(args[0], "/"+verb), nil, &resp); err != nil {
				return fmt.Errorf("failed to %s endpoint: %w", verb, err)
			}
			return printEndpoint(cmd.OutOrStdout(), resp)
		},
	}
}

// rotateSecretCmd represents the endpoint rotate-secret command
var rotateSecretCmd = &cobra.Command{
	Use:   "rotate-secret [endpoint-id]",
	Short: "Rotate an endpoint's signing secret",
	Long: `Generate a new signing secret. Receivers keep accepting the previous
secret until the grace period ends.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp ingest.EndpointResponse
		if err := callAPI(cmd.Context(), http.MethodPost, endpointPath(args[0], "/rotate-secret"), nil, &resp); err != nil {
			return fmt.Errorf("failed to rotate secret: %w", err)
		}
		return printEndpoint(cmd.OutOrStdout(), resp)
	},
}

// circuitCmd represents the endpoint circuit command
var circuitCmd = &cobra.Command{
	Use:   "circuit [endpoint-id]",
	Short: "Show or reset an endpoint's circuit breaker",
	Long: `Show the circuit breaker state of an endpoint. With --reset the circuit
is closed and its failure history cleared.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reset, _ := cmd.Flags().GetBool("reset")
		method, path := http.MethodGet, endpointPath(args[0], "/circuit")
		if reset {
			method, path = http.MethodPost, endpointPath(args[0], "/circuit/reset")
		}

		var st circuit.State
		if err := callAPI(cmd.Context(), method, path, nil, &st); err != nil {
			return fmt.Errorf("failed to read circuit: %w", err)
		}

		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, st)
		}
		fmt.Fprintf(out, "Circuit for %s: %s\n", args[0], st.Status)
		fmt.Fprintf(out, "  Failures in window: %d\n", st.FailureCount)
		fmt.Fprintf(out, "  Successes in window: %d\n", st.SuccessCount)
		if !st.OpenedAt.IsZero() {
			fmt.Fprintf(out, "  Opened: %s\n", formatTime(st.OpenedAt))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(putEndpointCmd, getEndpointCmd, toggleCmd(true), toggleCmd(false), rotateSecretCmd, circuitCmd)

	putEndpointCmd.Flags().StringSlice("event-type", nil, "event types to subscribe to ('*' for all)")
	putEndpointCmd.Flags().String("secret", "", "signing secret on creation (if not provided, one will be generated)")
	putEndpointCmd.Flags().Bool("disabled", false, "save the endpoint disabled")
	_ = putEndpointCmd.MarkFlagRequired("event-type")

	circuitCmd.Flags().Bool("reset", false, "close the circuit and clear its failure history")
}
