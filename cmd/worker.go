package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/drgo/dataget"
)

// workerCommand is started by DownloadParallel in child processes. Standard
// output carries the worker protocol, so logs go to standard error only.
func (app *cliApp) workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve transfers for a parent dataget process",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app.logger.SetOutput(os.Stderr)
			if app.logger.GetLevel() == log.InfoLevel {
				app.logger.SetLevel(log.WarnLevel)
			}
			return dataget.ServeWorker(cmd.Context(), cmd.InOrStdin(), os.Stdout, dataget.WithLogger(app.logger))
		},
	}
}
