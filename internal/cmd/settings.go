package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"dealhub/app"
	"dealhub/domain"
	"dealhub/internal/helper"
)

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Inspect and change tenant settings",
}

var settingsGetCmd = &cobra.Command{
	Use:   "get TENANT",
	Short: "Show the effective settings of a tenant",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		s := app.NewConfigStore(store, nil).Get(cmd.Context(), args[0])
		return printJSON(cmd.OutOrStdout(), s)
	},
}

var settingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tenants with persisted settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		all, err := app.NewConfigStore(store, nil).ListAll(cmd.Context())
		if err != nil {
			return fmt.Errorf("could not list tenants: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(all) == 0 {
			fmt.Fprintln(out, "No tenants configured")
			return nil
		}
		for i, s := range all {
			fmt.Fprintf(out, "%d. %s\n   Destination: %s\n   Autopost: %t, every %ds, max %d per tick\n   Updated: %s\n\n",
				i+1,
				s.TenantID,
				orDash(s.DestinationID),
				s.AutopostEnabled,
				s.PollIntervalSeconds,
				s.MaxDeliveriesPerTick,
				s.UpdatedAt.Format("2006-01-02 15:04"),
			)
		}
		return nil
	},
}

var (
	flagDestination     string
	flagAutopost        bool
	flagPollInterval    int
	flagMaxDeliveries   int
	flagAllow           string
	flagBlock           string
	flagMinQuality      int
	flagClearMinQuality bool
	flagRewrite         bool
	flagSources         map[string]string
)

var settingsSetCmd = &cobra.Command{
	Use:   "set TENANT",
	Short: "Update tenant settings; only the given flags change",
	Example: `  dealhub settings set 1234 --destination 5678 --interval 300
  dealhub settings set 1234 --block refurbished,used --min-quality 100
  dealhub settings set 1234 --source hotukdeals=off`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := patchFromFlags(cmd)
		if err != nil {
			return err
		}
		if err := helper.ValidatePatch(patch); err != nil {
			return err
		}

		store, _, err := openStore(cmd.Context())
		if err != nil {
			return err
		}
		defer store.Close()

		s, err := app.NewConfigStore(store, nil).Set(cmd.Context(), args[0], patch)
		if err != nil {
			return fmt.Errorf("could not save settings: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), s)
	},
}

func init() {
	f := settingsSetCmd.Flags()
	f.StringVar(&flagDestination, "destination", "", "destination channel id")
	f.BoolVar(&flagAutopost, "autopost", true, "enable automatic posting")
	f.IntVar(&flagPollInterval, "interval", domain.DefaultPollIntervalSeconds, "poll interval in seconds")
	f.IntVar(&flagMaxDeliveries, "max", domain.DefaultMaxDeliveriesPerTick, "max deliveries per tick")
	f.StringVar(&flagAllow, "allow", "", "comma separated keyword allowlist (empty clears)")
	f.StringVar(&flagBlock, "block", "", "comma separated keyword blocklist (empty clears)")
	f.IntVar(&flagMinQuality, "min-quality", 0, "minimum quality score")
	f.BoolVar(&flagClearMinQuality, "clear-min-quality", false, "remove the minimum quality score")
	f.BoolVar(&flagRewrite, "rewrite", true, "rewrite shop links with affiliate tags")
	f.StringToStringVar(&flagSources, "source", nil, "enable or disable a source, e.g. mydealz=off")

	settingsCmd.AddCommand(settingsGetCmd, settingsSetCmd, settingsListCmd)
}

func patchFromFlags(cmd *cobra.Command) (domain.SettingsPatch, error) {
	var p domain.SettingsPatch
	f := cmd.Flags()
	if f.Changed("destination") {
		p.DestinationID = &flagDestination
	}
	if f.Changed("autopost") {
		p.AutopostEnabled = &flagAutopost
	}
	if f.Changed("interval") {
		p.PollIntervalSeconds = &flagPollInterval
	}
	if f.Changed("max") {
		p.MaxDeliveriesPerTick = &flagMaxDeliveries
	}
	if f.Changed("allow") {
		terms := domain.SplitKeywords(flagAllow)
		p.KeywordAllowlist = &terms
	}
	if f.Changed("block") {
		terms := domain.SplitKeywords(flagBlock)
		p.KeywordBlocklist = &terms
	}
	if f.Changed("min-quality") {
		p.MinQuality = &flagMinQuality
	}
	p.ClearMinQuality = flagClearMinQuality
	if f.Changed("rewrite") {
		p.LinkRewriteEnabled = &flagRewrite
	}
	if len(flagSources) > 0 {
		p.Sources = make(map[string]bool, len(flagSources))
		for tag, v := range flagSources {
			on, err := parseSwitch(v)
			if err != nil {
				return p, fmt.Errorf("--source %s: %w", tag, err)
			}
			p.Sources[tag] = on
		}
	}
	return p, nil
}

func parseSwitch(v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "on", "enable", "enabled":
		return true, nil
	case "off", "disable", "disabled":
		return false, nil
	}
	return strconv.ParseBool(v)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
