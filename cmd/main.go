package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/drgo/dataget"
)

// downloader is the part of *dataget.Downloader the CLI drives.
type downloader interface {
	Download(ctx context.Context, specs []dataget.JobSpec) (*dataget.Report, error)
	DownloadConcurrent(ctx context.Context, specs []dataget.JobSpec, limit int) (*dataget.Report, error)
	DownloadParallel(ctx context.Context, specs []dataget.JobSpec, ncore int) (*dataget.Report, error)
	StatusOK(ctx context.Context, urls []string) ([]bool, error)
}

// cliApp holds everything a command needs from the process, so tests can
// run commands against buffers and a fake downloader.
type cliApp struct {
	ctx        context.Context
	in         io.Reader
	out, err   io.Writer
	isTerminal bool

	newDownloader func(opts ...dataget.Option) downloader

	logger *log.Logger
}

func main() {
	// A .env file in the working directory may carry DATAGET_* settings.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Error: reading .env: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cliApp{
		ctx:        ctx,
		in:         os.Stdin,
		out:        os.Stdout,
		err:        os.Stderr,
		isTerminal: term.IsTerminal(int(os.Stderr.Fd())),
	}
	if err := app.run(os.Args[1:]); err != nil {
		if err != errJobsFailed && err != errLinksFailed {
			fmt.Fprintf(os.Stderr, "Error: %s\n", err)
			fmt.Fprintln(os.Stderr, "Run with -h for usage information.")
		}
		stop()
		os.Exit(1)
	}
}

func (app *cliApp) run(args []string) error {
	if app.ctx == nil {
		app.ctx = context.Background()
	}
	if app.in == nil {
		app.in = os.Stdin
	}
	if app.newDownloader == nil {
		app.newDownloader = func(opts ...dataget.Option) downloader { return dataget.New(opts...) }
	}
	app.logger = log.New()
	app.logger.SetOutput(app.err)

	root := app.rootCommand()
	root.SetArgs(args)
	root.SetIn(app.in)
	root.SetOut(app.out)
	root.SetErr(app.err)
	return root.ExecuteContext(app.ctx)
}

func (app *cliApp) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:     "dataget",
		Short:   "Bulk download files over HTTP with resume",
		Version: dataget.Version,
		Long: `dataget downloads lists of files over HTTP(S). Partial files are
resumed with range requests, complete ones are skipped, and one failed
file never stops the rest of the batch.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			quiet, _ := cmd.Flags().GetBool("quiet")
			switch {
			case verbose:
				app.logger.SetLevel(log.DebugLevel)
			case quiet:
				app.logger.SetLevel(log.WarnLevel)
			default:
				app.logger.SetLevel(log.InfoLevel)
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	pf := root.PersistentFlags()
	pf.String("config", "", "YAML file with default settings")
	pf.BoolP("verbose", "v", false, "Enable debug logs")
	pf.BoolP("quiet", "q", false, "Only log warnings and errors, and hide progress bars")

	root.AddCommand(
		app.getCommand(),
		app.checkCommand(),
		app.credentialsCommand(),
		app.workerCommand(),
	)
	return root
}
