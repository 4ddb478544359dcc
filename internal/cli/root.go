// Package cli holds the cobra commands of the pengerobot binary.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remimikalsen/sparebank1-pengerobot/internal/app"
)

var (
	configPath string
	envFiles   []string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "pengerobot",
	Short: "Move money between SpareBank 1 accounts on a schedule or on demand",
	Long: `pengerobot keeps OAuth tokens for SpareBank 1 instances fresh, polls account
balances within the bank's hourly call budget and submits transfers.

Run 'pengerobot serve' for the HTTP API and the poller, or use the other
commands for one-off operations against the same storage.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return LoadEnv(envFiles...)
	},
}

func init() {
	defaultConfig := os.Getenv(envConfigPath)
	if defaultConfig == "" {
		defaultConfig = "pengerobot.toml"
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfig, "Path to the TOML config file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Files with environment variables to load")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the log level (trace, debug, info, warn, error)")
}

// Execute runs the root command and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// openApp builds the application from the config file named by --config.
// The caller closes it.
func openApp(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	required := cmd.Flags().Changed("config") || os.Getenv(envConfigPath) != ""
	settings, raw, err := LoadConfig(configPath, required)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		settings.Logging.Level = logLevel
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return app.New(ctx, settings, raw, opts...)
}

func printJSON(cmd *cobra.Command, value any) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
