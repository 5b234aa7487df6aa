package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"dealhub/cli/control"
	"dealhub/internal/helper"
)

var flagWorkerCount int

var setWorkersCmd = &cobra.Command{
	Use:   "set-workers",
	Short: "Change how many tenants the running service polls concurrently",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := helper.ValidateWorkers(flagWorkerCount); err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		old, err := control.NewClient(cfg.ControlAddr).SetWorkers(cmd.Context(), flagWorkerCount)
		if err != nil {
			return fmt.Errorf("could not set workers: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Number of workers changed from %d to %d\n", old, flagWorkerCount)
		return nil
	},
}

func init() {
	setWorkersCmd.Flags().IntVar(&flagWorkerCount, "count", 0, "number of workers")
}
