package dataget

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"os"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/publicsuffix"

	"github.com/drgo/dataget/credstore"
)

// Version is reported in the User-Agent header.
const Version = "1.0.0"

const userAgent = "dataget/" + Version

const maxRedirects = 10

// Downloader runs batches of HTTP downloads. It is safe for concurrent use;
// the HTTP session it holds is shared by every transfer.
type Downloader struct {
	cfg Config

	// client never follows redirects; followClient follows them and
	// re-authorizes each hop for its own host.
	client       *http.Client
	followClient *http.Client

	auth    Authenticator
	authErr error

	observer      Observer
	logger        *log.Logger
	workerCommand func() *exec.Cmd
}

type Option func(*Downloader)

func New(opts ...Option) *Downloader {
	logger := log.New()
	logger.SetOutput(io.Discard)

	d := &Downloader{
		cfg:           DefaultConfig(),
		observer:      NopObserver(),
		logger:        logger,
		workerCommand: defaultWorkerCommand,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.cfg.normalize()

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   max(10, d.cfg.Limit),
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: d.cfg.Timeout,
		// Files are stored byte for byte as served, gzip payloads included.
		DisableCompression: true,
	}
	// The jar keeps cookies set by login hops of redirect chains.
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})

	d.client = &http.Client{
		Transport: transport,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	d.followClient = &http.Client{
		Transport: transport,
		Jar:       jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.Errorf("stopped after %d redirects", maxRedirects)
			}
			return d.authorize(req)
		},
	}

	if d.auth == nil {
		d.auth, d.authErr = authFromConfig(d.cfg)
	}
	return d
}

func (d *Downloader) setLogger(w io.Writer) {
	d.logger.SetOutput(w)
	d.logger.SetLevel(log.DebugLevel)
}

// Config returns the effective configuration.
func (d *Downloader) Config() Config {
	return d.cfg
}

func (d *Downloader) clientFor(job Job) *http.Client {
	if job.FollowRedirects || d.cfg.FollowRedirects {
		return d.followClient
	}
	return d.client
}

func (d *Downloader) authorize(req *http.Request) error {
	if d.authErr != nil {
		return &TransferError{Kind: KindAuthentication, URL: req.URL.String(), Err: d.authErr}
	}
	if d.auth == nil {
		return nil
	}
	if err := d.auth.Authorize(req); err != nil {
		return &TransferError{Kind: KindAuthentication, URL: req.URL.String(), Err: err}
	}
	return nil
}

func authFromConfig(cfg Config) (Authenticator, error) {
	var basic, cookies Authenticator
	if cfg.CredentialsFile != "" {
		store, err := credstore.Open(cfg.CredentialsFile)
		if err != nil {
			return nil, err
		}
		basic = BasicAuth(store)
	}
	if cfg.CookieFile != "" {
		jar, err := credstore.LoadCookies(cfg.CookieFile)
		if err != nil {
			return nil, err
		}
		cookies = CookieAuth(jar)
	}
	switch {
	case cfg.UseCookies && cookies == nil:
		return nil, errors.New("browser cookies requested but no cookie file given")
	case cfg.UseCookies, basic == nil:
		return cookies, nil
	}
	return basic, nil
}

func defaultWorkerCommand() *exec.Cmd {
	exe, err := os.Executable()
	if err != nil {
		exe = os.Args[0]
	}
	return exec.Command(exe, "worker")
}

// Run normalizes specs into jobs and executes them with sched. It returns
// an error only for problems that affect the whole batch: invalid URLs,
// unusable credentials or an output folder that cannot be created. Failed
// jobs are reported in the Report.
func (d *Downloader) Run(ctx context.Context, sched Scheduler, limit int, specs []JobSpec) (*Report, error) {
	if d.authErr != nil {
		return nil, errors.Wrap(d.authErr, "loading credentials")
	}
	jobs, err := NewJobs(specs, d.cfg.Folder)
	if err != nil {
		return nil, err
	}
	created := make(map[string]bool)
	for _, job := range jobs {
		if created[job.Folder] {
			continue
		}
		if err := os.MkdirAll(job.Folder, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating output folder %s", job.Folder)
		}
		created[job.Folder] = true
	}

	report := &Report{BatchID: uuid.NewString()}
	fields := log.Fields{"batch": report.BatchID, "jobs": len(jobs), "limit": limit}
	if d.cfg.Description != "" {
		fields["desc"] = d.cfg.Description
	}
	entry := d.logger.WithFields(fields)
	entry.Info("batch started")

	start := time.Now()
	report.Outcomes = sched.Run(ctx, jobs, limit)

	counts := report.Counts()
	entry.WithFields(log.Fields{
		"completed": counts[OutcomeCompleted],
		"resumed":   counts[OutcomeResumed],
		"skipped":   counts[OutcomeSkipped],
		"failed":    counts[OutcomeFailed],
	}).Infof("batch finished in %s, %s written", time.Since(start).Round(time.Millisecond), formatBytes(report.BytesTransferred()))
	return report, nil
}

// Download processes jobs one at a time. A failed job never stops the
// batch.
func (d *Downloader) Download(ctx context.Context, specs []JobSpec) (*Report, error) {
	return d.Run(ctx, Sequential{Transfer: d.transfer}, 1, specs)
}

// DownloadConcurrent runs up to limit transfers at once in this process.
// A limit of zero uses the configured Limit.
func (d *Downloader) DownloadConcurrent(ctx context.Context, specs []JobSpec, limit int) (*Report, error) {
	if limit <= 0 {
		limit = d.cfg.Limit
	}
	return d.Run(ctx, Concurrent{Transfer: d.transfer}, limit, specs)
}

// DownloadParallel runs transfers in ncore worker processes. A count of
// zero uses the configured Processes.
func (d *Downloader) DownloadParallel(ctx context.Context, specs []JobSpec, ncore int) (*Report, error) {
	if ncore <= 0 {
		ncore = d.cfg.Processes
	}
	pool := &ProcessPool{
		Command:  d.workerCommand,
		Config:   d.cfg,
		Observer: d.observer,
		Logger:   d.logger,
	}
	return d.Run(ctx, pool, ncore, specs)
}

// StatusOK reports for each URL, in input order, whether it answers the
// preliminary request successfully. No body is transferred.
func (d *Downloader) StatusOK(ctx context.Context, urls []string) ([]bool, error) {
	jobs, err := NewJobs(SpecsFromURLs(urls...), d.cfg.Folder)
	if err != nil {
		return nil, err
	}
	outcomes := Concurrent{Transfer: d.check}.Run(ctx, jobs, d.cfg.CheckLimit)
	ok := make([]bool, len(outcomes))
	for i, o := range outcomes {
		ok[i] = o.OK()
	}
	return ok, nil
}

// check runs only the preliminary request of a transfer. A reachable
// resource yields a Completed outcome.
func (d *Downloader) check(ctx context.Context, job Job) Outcome {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.CheckTimeout)
	defer cancel()

	start := time.Now()
	state := &TransferState{Total: UnknownSize}
	info, err := d.probe(ctx, job, state)
	var out Outcome
	if err != nil {
		out = failedOutcome(job, err)
		linkChecksTotal.WithLabelValues("fail").Inc()
		d.logger.WithFields(log.Fields{"url": job.URL}).WithError(err).Debug("link check failed")
	} else {
		out = Outcome{Job: job, Kind: OutcomeCompleted, Size: info.Size, Status: info.Status}
		linkChecksTotal.WithLabelValues("ok").Inc()
	}
	out.Attempts = state.Attempts
	out.Duration = time.Since(start)
	return out
}
