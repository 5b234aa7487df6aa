package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/go-logr/logr"
	"github.com/spf13/cobra"

	"dealhub/domain"
	"dealhub/internal/config"
	"dealhub/internal/db"
	"dealhub/internal/logging"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var flagConfig string

var rootCmd = &cobra.Command{
	Use:           "dealhub",
	Short:         "Multi-tenant deal feed poller",
	Long:          "dealhub polls deal feeds for every configured tenant, filters them per tenant and delivers new deals exactly once per destination.",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to YAML config file (default $DEALHUB_CONFIG)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(sentCmd)
	rootCmd.AddCommand(dealCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(setIntervalCmd)
	rootCmd.AddCommand(setWorkersCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "dealhub %s (commit: %s, built: %s)\n", version, commit, date)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
}

func loadConfig() (config.Config, error) {
	cfg, err := config.LoadWithFile(flagConfig)
	if err != nil {
		return cfg, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) (logr.Logger, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return logr.Discard(), fmt.Errorf("creating logger: %w", err)
	}
	return logger, nil
}

// openStore opens the configured store for one-shot commands.
func openStore(ctx context.Context) (domain.Store, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	store, err := db.OpenStore(ctx, cfg)
	if err != nil {
		return nil, cfg, fmt.Errorf("opening store: %w", err)
	}
	return store, cfg, nil
}
