package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var configKeys = []string{"server", "timeout", "json", "pretty", "token"}

// configPath is --config when given, else $HOME/.relayctl.yaml.
func configPath() (string, error) {
	if cfgFile != "" {
		return cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".relayctl.yaml"), nil
}

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage relayctl configuration",
	Long:  `Manage relayctl configuration settings.`,
}

// configViewCmd represents the config view command
var configViewCmd = &cobra.Command{
	Use:   "view",
	Short: "View current configuration",
	Long:  `Display the current configuration settings. The token is never printed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, map[string]any{
				"server":    viper.GetString("server"),
				"timeout":   viper.GetDuration("timeout").String(),
				"json":      viper.GetBool("json"),
				"pretty":    viper.GetBool("pretty"),
				"token_set": jwtToken != "",
			})
		}
		fmt.Fprintln(out, "Current configuration:")
		fmt.Fprintf(out, "  Server: %s\n", viper.GetString("server"))
		fmt.Fprintf(out, "  Timeout: %s\n", viper.GetDuration("timeout"))
		fmt.Fprintf(out, "  JSON Output: %v\n", viper.GetBool("json"))
		fmt.Fprintf(out, "  Pretty JSON: %v\n", viper.GetBool("pretty"))
		if jwtToken != "" {
			fmt.Fprintln(out, "  Token: set")
		} else {
			fmt.Fprintln(out, "  Token: not set")
		}

		if viper.GetBool("pretty") && !checkJQAvailable() {
			fmt.Fprintf(out, "  ⚠️  Warning: pretty=true but jq not found in PATH\n")
		}
		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintln(out, "  Config file: none (using defaults)")
		}
		return nil
	},
}

// configSetCmd represents the config set command
var configSetCmd = &cobra.Command{
	Use:   "set [key] [value]",
	Short: "Set a configuration value",
	Long: `Set a configuration value and save it to the config file.

Examples:
  relayctl config set server localhost:8080
  relayctl config set timeout 60s
  relayctl config set pretty true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if !slices.Contains(configKeys, key) {
			return fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, configKeys)
		}

		out := cmd.OutOrStdout()
		switch key {
		case "json", "pretty":
			b, err := strconv.ParseBool(value)
			if err != nil {
				return fmt.Errorf("invalid boolean value for %s: %s (use true/false)", key, value)
			}
			if key == "pretty" && b && !checkJQAvailable() {
				fmt.Fprintln(out, "⚠️  Warning: jq not found in PATH. Pretty formatting will fall back to standard formatting.")
			}
			viper.Set(key, b)
		case "timeout":
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration for timeout: %s", value)
			}
			viper.Set(key, d.String())
		default:
			viper.Set(key, value)
		}

		path, err := configPath()
		if err != nil {
			return err
		}
		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to write config file: %w", err)
		}

		shown := value
		if key == "token" {
			shown = "(hidden)"
		}
		fmt.Fprintf(out, "Set %s = %s\n", key, shown)
		fmt.Fprintf(out, "Configuration saved to: %s\n", path)
		return nil
	},
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration file",
	Long:  `Create a default configuration file in the home directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := configPath()
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			overwrite, _ := cmd.Flags().GetBool("force")
			if !overwrite {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
		}

		viper.Set("server", "localhost:8080")
		viper.Set("timeout", "30s")
		viper.Set("json", false)
		viper.Set("pretty", false)

		if err := viper.WriteConfigAs(path); err != nil {
			return fmt.Errorf("failed to create config file: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Configuration file created: %s\n", path)
		fmt.Fprintln(out, "Default settings:")
		fmt.Fprintln(out, "  server: localhost:8080")
		fmt.Fprintln(out, "  timeout: 30s")
		fmt.Fprintln(out, "  json: false")
		fmt.Fprintln(out, "  pretty: false")
		return nil
	},
}

// configCheckCmd represents the config check command
var configCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check configuration and dependencies",
	Long:  `Check the current configuration, jq availability and server connectivity.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration check:")
		fmt.Fprintf(out, "  ✅ relayctl version: %s\n", Version)

		if viper.ConfigFileUsed() != "" {
			fmt.Fprintf(out, "  ✅ Config file: %s\n", viper.ConfigFileUsed())
		} else {
			fmt.Fprintf(out, "  ⚠️  Config file: not found (using defaults)\n")
		}
		if checkJQAvailable() {
			fmt.Fprintf(out, "  ✅ jq: available\n")
		} else {
			fmt.Fprintf(out, "  ❌ jq: not found in PATH\n")
		}
		fmt.Fprintf(out, "  ✅ Server: %s\n", baseURL(serverAddr))

		fmt.Fprintln(out, "\nTesting server connectivity...")
		if err := callAPI(cmd.Context(), http.MethodGet, "/v1/ping", nil, nil); err != nil {
			fmt.Fprintf(out, "  ❌ Server connectivity: %v\n", err)
		} else {
			fmt.Fprintf(out, "  ✅ Server connectivity: OK\n")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configViewCmd, configSetCmd, configInitCmd, configCheckCmd)

	configInitCmd.Flags().Bool("force", false, "overwrite existing config file")
}
