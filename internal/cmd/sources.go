package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"dealhub/internal/helper"
)

var flagCheckSources bool

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List the configured feed sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		failed := 0
		for i, src := range cfg.Sources {
			fmt.Fprintf(out, "%d. %s\n   URL: %s\n", i+1, src.Tag, src.URL)
			if !flagCheckSources {
				continue
			}
			if err := helper.CheckFeedReachable(cmd.Context(), nil, src.URL); err != nil {
				failed++
				fmt.Fprintf(out, "   Status: %v\n", err)
			} else {
				fmt.Fprintln(out, "   Status: ok")
			}
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d sources unreachable", failed, len(cfg.Sources))
		}
		return nil
	},
}

func init() {
	sourcesCmd.Flags().BoolVar(&flagCheckSources, "check", false, "probe every source URL")
}
