package cmd

import (
	"github.com/spf13/cobra"
)

// New constructs the root command for the conveyor binary.
func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "conveyor <command>",
		Short:        "Tenant aware job queue and scheduler",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		serveCommand(),
		migrateCommand(),
	)
	return cmd
}
