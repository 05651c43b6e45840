package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"dispatchd/internal/app"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the reconciliation engine and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		application, err := app.New(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = application.Logger().Sync() }()
		return application.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
