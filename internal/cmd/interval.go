package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"dealhub/cli/control"
	"dealhub/internal/helper"
)

var flagDuration string

var setIntervalCmd = &cobra.Command{
	Use:     "set-interval",
	Short:   "Change the scheduler tick interval of the running service",
	Example: "  dealhub set-interval --duration 30s",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagDuration == "" {
			return fmt.Errorf("usage: dealhub set-interval --duration 30s")
		}
		d, err := time.ParseDuration(flagDuration)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		if err := helper.ValidateInterval(d); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		old, err := control.NewClient(cfg.ControlAddr).SetInterval(cmd.Context(), d)
		if err != nil {
			return fmt.Errorf("could not set interval: %w", err)
		}
		if old == d {
			fmt.Fprintf(cmd.OutOrStdout(), "Interval is already set to %s (no change)\n", d.String())
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Tick interval changed from %s to %s\n", old.String(), d.String())
		return nil
	},
}

func init() {
	setIntervalCmd.Flags().StringVar(&flagDuration, "duration", "", "tick interval (e.g. 10s, 1m)")
}
