package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	"github.com/comigor/voice-relay/internal/logger"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "voice-relay",
		Short:         "Relays Layercode voice turns to a language model and streams speech events back",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (defaults to $CONFIG_PATH or ./config.yaml)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.AddCommand(serveCmd)
	// The bare binary serves too.
	root.RunE = serveCmd.RunE

	if err := root.ExecuteContext(context.Background()); err != nil {
		logger.L.Error("exiting", "error", err)
		os.Exit(1)
	}
}
