package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var flagSentNum int

var sentCmd = &cobra.Command{
	Use:   "sent TENANT",
	Short: "Show the latest deliveries recorded for a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagSentNum <= 0 {
			return fmt.Errorf("--num must be > 0")
		}
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		sent, err := store.ListSent(cmd.Context(), args[0], flagSentNum)
		if err != nil {
			return fmt.Errorf("could not list deliveries: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(sent) == 0 {
			fmt.Fprintf(out, "Nothing delivered for %s yet\n", args[0])
			return nil
		}
		fmt.Fprintf(out, "Latest deliveries for %s\n\n", args[0])
		for i, s := range sent {
			fmt.Fprintf(out, "%d. [%s] %s\n   %s\n   To %s at %s\n\n",
				i+1,
				s.Source,
				s.Title,
				s.URL,
				s.DestinationID,
				s.DeliveredAt.Local().Format("2006-01-02 15:04"),
			)
		}
		return nil
	},
}

func init() {
	sentCmd.Flags().IntVar(&flagSentNum, "num", 10, "number of deliveries to show")
}
