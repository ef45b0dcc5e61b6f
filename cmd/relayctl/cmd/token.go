package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

type tokenReply struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
	TokenType string `json:"token_type"`
	Scope     string `json:"scope"`
}

// fetchToken asks the development token server for an operator token.
func fetchToken(ctx context.Context, jwksHost, subject string, scopes []string, ttlSeconds int) (tokenReply, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{
		"subject":     subject,
		"scopes":      scopes,
		"ttl_seconds": ttlSeconds,
	})
	if err != nil {
		return tokenReply{}, fmt.Errorf("failed to marshal token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(jwksHost)+"/token", bytes.NewReader(body))
	if err != nil {
		return tokenReply{}, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return tokenReply{}, fmt.Errorf("failed to get token from %s: %w", jwksHost, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return tokenReply{}, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}

	var tr tokenReply
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return tokenReply{}, fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.Token == "" {
		return tokenReply{}, fmt.Errorf("received empty token")
	}
	return tr, nil
}

// tokenCmd represents the token command
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Get an operator token from the development JWKS server",
	Long: `Request a signed operator token from the development JWKS server and
print it. Export it as RELAYCTL_TOKEN or pass it with --token.

Example:
  export RELAYCTL_TOKEN=$(relayctl token --subject ops)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := cmd.Flags().GetString("jwks-server")
		subject, _ := cmd.Flags().GetString("subject")
		scopes, _ := cmd.Flags().GetStringSlice("scope")
		ttl, _ := cmd.Flags().GetInt("ttl")

		tr, err := fetchToken(cmd.Context(), host, subject, scopes, ttl)
		if err != nil {
			return err
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), tr)
		}
		fmt.Fprintln(cmd.OutOrStdout(), tr.Token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().String("jwks-server", "localhost:8082", "JWKS server address")
	tokenCmd.Flags().String("subject", "relayctl", "token subject")
	tokenCmd.Flags().StringSlice("scope", nil, "scopes to request (default: all)")
	tokenCmd.Flags().Int("ttl", 0, "token lifetime in seconds (default: server's)")
}
