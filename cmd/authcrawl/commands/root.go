package commands

import (
	"context"
	"fmt"
	"os"

	"authcrawl-backend/internal/components/telemetry"
	"authcrawl-backend/internal/config"

	"github.com/spf13/cobra"
)

var (
	configPath *string
	debug      *bool

	cfg     config.Config
	otelSdk telemetry.Telemetry
)

var rootCmd = &cobra.Command{
	Use:   "authcrawl",
	Short: "authcrawl logs into websites with scripts, keeps the sessions and extracts content with language models.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			return err
		}
		telemetry.InitSlog(telemetry.SlogOptions{
			Debug: cfg.Log.Debug || *debug,
			JSON:  cfg.Log.JSON,
		})

		otelConfig := cfg.Telemetry
		if !otelConfig.Enabled() {
			otelConfig = telemetry.ConfigFromEnv()
		}
		otelSdk, err = telemetry.Setup(cmd.Context(), "authcrawl", otelConfig)
		return err
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return otelSdk.Shutdown(context.WithoutCancel(cmd.Context()))
	},
	SilenceUsage: true,
}

func init() {
	configPath = rootCmd.PersistentFlags().String("config", "", fmt.Sprintf("The configuration file, %s is searched for when empty.", config.DefaultFile))
	debug = rootCmd.PersistentFlags().Bool("debug", false, "Log debug reports.")
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
