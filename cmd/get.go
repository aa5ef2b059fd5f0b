package main

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/drgo/dataget"
)

// errJobsFailed is returned after the summary has reported failed jobs.
var errJobsFailed = errors.New("some files failed to download")

func (app *cliApp) getCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get [URL...]",
		Short: "Download files, resuming partial ones and skipping complete ones",
		Example: `  dataget get https://example.org/data/a.nc https://example.org/data/b.nc
  dataget get --list granules.txt --folder ./data --limit 8
  dataget get --list jobs.yaml --mode parallel --ncore 4`,
		RunE: app.getMain,
	}
	def := dataget.DefaultConfig()
	fs := cmd.Flags()
	addTransferFlags(fs)
	fs.String("mode", "concurrent", "Scheduling model: sequential, concurrent or parallel")
	fs.StringP("folder", "o", def.Folder, "Output folder")
	fs.IntP("limit", "c", def.Limit, "Simultaneous transfers in concurrent mode")
	fs.Int("ncore", def.Processes, "Worker processes in parallel mode")
	fs.String("desc", "", "Label for this batch in logs and progress output")
	fs.String("chunk-size", "32KiB", "Size of each streamed write")
	fs.String("rate-limit", "0", "Cap each transfer at this many bytes per second (0 is unlimited)")
	fs.Bool("trust-unknown-size", false, "Keep existing files when the server reports no size")
	fs.String("metrics-textfile", "", "Write Prometheus metrics to this file when done")
	return cmd
}

func (app *cliApp) getMain(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	specs, err := app.collectSpecs(cmd, args)
	if err != nil {
		return err
	}
	mode, _ := cmd.Flags().GetString("mode")
	switch mode {
	case "sequential", "concurrent", "parallel":
	default:
		return errors.Errorf("unknown mode %q: use sequential, concurrent or parallel", mode)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	opts := []dataget.Option{dataget.WithConfig(cfg), dataget.WithLogger(app.logger)}
	quiet, _ := cmd.Flags().GetBool("quiet")
	pb := newProgressBars(cfg.Description)
	if app.isTerminal && !quiet {
		pb.launchDisplay(ctx, app.err, app.logger)
		opts = append(opts, dataget.WithObserver(pb))
	}

	d := app.newDownloader(opts...)
	app.logger.WithFields(log.Fields{"files": len(specs), "mode": mode}).Debug("starting download")

	var report *dataget.Report
	switch mode {
	case "sequential":
		report, err = d.Download(ctx, specs)
	case "concurrent":
		report, err = d.DownloadConcurrent(ctx, specs, cfg.Limit)
	case "parallel":
		report, err = d.DownloadParallel(ctx, specs, cfg.Processes)
	}
	pb.shutdown()
	if err != nil {
		return err
	}

	if path, _ := cmd.Flags().GetString("metrics-textfile"); path != "" {
		if err := dataget.WriteMetrics(path); err != nil {
			app.logger.WithError(err).Warn("could not write metrics")
		}
	}

	printSummary(app.out, report)
	if report.Err() != nil {
		for _, o := range report.Failed() {
			app.logger.WithFields(log.Fields{"url": o.Job.URL, "retryable": o.Retryable()}).Error(o.Err)
		}
		return errJobsFailed
	}
	return nil
}

// collectSpecs joins the URL arguments and the --list file, in that order.
func (app *cliApp) collectSpecs(cmd *cobra.Command, args []string) ([]dataget.JobSpec, error) {
	specs := dataget.SpecsFromURLs(args...)
	if list, _ := cmd.Flags().GetString("list"); list != "" {
		listed, err := app.readJobList(list)
		if err != nil {
			return nil, err
		}
		specs = append(specs, listed...)
	}
	if len(specs) == 0 {
		return nil, errors.New("at least one URL argument or a --list file is required")
	}
	return specs, nil
}
