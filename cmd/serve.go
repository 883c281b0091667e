package cmd

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
)

// newServeCmd creates the 'serve' subcommand, which runs the HTTP API until
// interrupted.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the scrape API server",
		Long: `Runs the HTTP server exposing the scrape, health, and metrics
endpoints. The server drains in-flight requests on SIGINT or SIGTERM.`,

		RunE: runServeCommand,
	}
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	if err := appInstance.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	appInstance.Logger().Info("serve command finished")
	return nil
}
