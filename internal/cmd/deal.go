package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"dealhub/cli/control"
	"dealhub/domain"
)

var flagDealMode string

var dealCmd = &cobra.Command{
	Use:   "deal TENANT",
	Short: "Ask the running service for a deal from the tenant's cache",
	Long: `Pick one deal from the tenant's recency cache.

Modes: random (default), hot (highest temperature) and handpicked (matches the
tenant's keyword allowlist among the most recent deals, else random).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mode, err := domain.ParsePickMode(flagDealMode)
		if err != nil {
			return fmt.Errorf("%w: %q", err, flagDealMode)
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		deal, err := control.NewClient(cfg.ControlAddr).Deal(cmd.Context(), args[0], mode)
		if errors.Is(err, domain.ErrNoDeal) {
			fmt.Fprintln(cmd.OutOrStdout(), "No deal available right now")
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not get a deal: %w", err)
		}

		out := cmd.OutOrStdout()
		it := deal.Item
		fmt.Fprintf(out, "%s\n%s\n", it.Title, it.URL)
		if it.Price != "" {
			fmt.Fprintf(out, "Price: %s\n", it.Price)
		}
		if it.Quality != nil {
			fmt.Fprintf(out, "Temperature: %d°\n", *it.Quality)
		}
		fmt.Fprintf(out, "Source: %s (%s)\n", it.Source, deal.Variant)
		return nil
	},
}

func init() {
	dealCmd.Flags().StringVar(&flagDealMode, "mode", "random", "pick mode: random, hot or handpicked")
}
