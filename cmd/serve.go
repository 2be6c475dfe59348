package cmd

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conveyorhq/conveyor/config"
	"github.com/conveyorhq/conveyor/server"
)

func serveCommand() *cobra.Command {
	var configDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the conveyor server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.LoadServerConfig(configDir)
			if err != nil {
				return err
			}

			srv, err := server.New(conf)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Serve(ctx)
		},
	}

	cmd.Flags().StringVarP(&configDir, "config", "c", ".", "directory containing conveyor.yaml")
	return cmd
}
