package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version information
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// PrintVersion returns the version banner.
func PrintVersion() string {
	return fmt.Sprintf("modplane v%s (commit: %s, built on: %s)", Version, Commit, Date)
}

// NewRootCommand creates the root command of the modplane binary.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modplane",
		Short: "modplane - control plane for capability modules and platform services",
		Long: `modplane loads capability modules in dependency order, supervises them
in-process, as embedded subprocesses or as external services, and keeps
the platform services they rely on running.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			_ = cmd.Help()
		},
	}
	cmd.PersistentFlags().StringP("config", "c", "", "Configuration file (YAML, TOML or JSON)")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewOrderCommand())
	cmd.AddCommand(NewPlanCommand())
	cmd.AddCommand(NewEventsCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), PrintVersion())
		},
	})
	return cmd
}
