package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilianp07/powerguard/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file",
	Args:  cobra.NoArgs,
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	g := cfg.Guard
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "configuration OK\n")
	fmt.Fprintf(out, "  enabled:  %t\n", g.Enabled)
	fmt.Fprintf(out, "  limit:    %.0f W (profile %s, factor %.2f)\n", g.EffectiveLimitW(), g.Profile, g.Factor())
	for _, e := range g.SortedPriorityList() {
		state := "enabled"
		if !e.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "  %3d %-20s %-18s %s\n", e.Priority, e.DisplayName(), e.Action, state)
	}
	return nil
}
