package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/drgo/dataget"
)

var errLinksFailed = errors.New("some links did not answer successfully")

func (app *cliApp) checkCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [URL...]",
		Short: "Report whether each URL answers successfully, without downloading",
		RunE:  app.checkMain,
	}
	def := dataget.DefaultConfig()
	fs := cmd.Flags()
	addTransferFlags(fs)
	fs.Int("check-limit", def.CheckLimit, "Simultaneous link checks")
	fs.Duration("check-timeout", def.CheckTimeout, "Timeout of each link check")
	return cmd
}

func (app *cliApp) checkMain(cmd *cobra.Command, args []string) error {
	specs, err := app.collectSpecs(cmd, args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	urls := make([]string, len(specs))
	for i, s := range specs {
		urls[i] = s.URL
	}

	d := app.newDownloader(dataget.WithConfig(cfg), dataget.WithLogger(app.logger))
	ok, err := d.StatusOK(cmd.Context(), urls)
	if err != nil {
		return err
	}
	failed := 0
	for i, u := range urls {
		status := "OK"
		if !ok[i] {
			status = "FAIL"
			failed++
		}
		fmt.Fprintf(app.out, "%-4s %s\n", status, u)
	}
	if failed > 0 {
		return errLinksFailed
	}
	return nil
}
