package cmd

import (
	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/config"
	"github.com/conveyorhq/conveyor/internal/store/postgres"
)

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
	}
	cmd.AddCommand(migrateToCommand(), migrateRollbackCommand())
	return cmd
}

func migrateToCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Run up migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			conf, err := config.LoadServerConfig(configDir)
			if err != nil {
				return err
			}
			return postgres.Migrate(conf.Serve.DB.DSN)
		},
	}
	cmd.Flags().StringVarP(&configDir, "config", "c", ".", "directory containing conveyor.yaml")
	return cmd
}

func migrateRollbackCommand() *cobra.Command {
	var (
		configDir string
		count     int
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo the last migrations",
		RunE: func(_ *cobra.Command, _ []string) error {
			conf, err := config.LoadServerConfig(configDir)
			if err != nil {
				return err
			}
			return postgres.Rollback(conf.Serve.DB.DSN, count)
		},
	}
	cmd.Flags().StringVarP(&configDir, "config", "c", ".", "directory containing conveyor.yaml")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "number of migrations to undo")
	return cmd
}
