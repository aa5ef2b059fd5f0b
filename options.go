package dataget

import (
	"io"
	"os/exec"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config holds the serializable settings of a Downloader. It is sent to
// worker processes as is, so it must not carry anything that cannot be
// encoded.
type Config struct {
	// Folder is the default output directory for jobs that do not name one.
	Folder string `json:"folder" mapstructure:"folder"`
	// Limit is the maximum number of simultaneous in-flight transfers in the
	// concurrent model. Servers that refuse parallel connections need 1.
	Limit int `json:"limit" mapstructure:"limit"`
	// Processes is the number of worker processes in the parallel model.
	Processes int `json:"processes" mapstructure:"ncore"`
	// Timeout bounds the wait for response headers and every body read.
	Timeout      time.Duration `json:"timeout" mapstructure:"timeout"`
	Retries      int           `json:"retries" mapstructure:"retries"`
	RetryBackoff time.Duration `json:"retry_backoff" mapstructure:"retry-backoff"`
	MaxBackoff   time.Duration `json:"max_backoff" mapstructure:"max-backoff"`
	ChunkSize    int           `json:"chunk_size" mapstructure:"chunk-size"`
	CheckLimit   int           `json:"check_limit" mapstructure:"check-limit"`
	CheckTimeout time.Duration `json:"check_timeout" mapstructure:"check-timeout"`

	FollowRedirects bool   `json:"follow_redirects" mapstructure:"follow-redirects"`
	Description     string `json:"description" mapstructure:"desc"`
	// UseCookies selects imported browser cookies over basic auth.
	UseCookies bool `json:"use_cookies" mapstructure:"cookies"`
	// TrustUnknownSize keeps an existing file when the server reports no
	// size. Without it such files are downloaded again.
	TrustUnknownSize bool `json:"trust_unknown_size" mapstructure:"trust-unknown-size"`
	// RateLimit caps the write rate of each transfer in bytes per second.
	// Zero means unlimited.
	RateLimit int64 `json:"rate_limit" mapstructure:"rate-limit"`

	CredentialsFile string `json:"credentials_file,omitempty" mapstructure:"credentials"`
	CookieFile      string `json:"cookie_file,omitempty" mapstructure:"cookie-file"`
}

// DefaultConfig returns the settings used when no option overrides them.
func DefaultConfig() Config {
	return Config{
		Folder:       ".",
		Limit:        30,
		Processes:    runtime.NumCPU(),
		Timeout:      120 * time.Second,
		Retries:      3,
		RetryBackoff: time.Second,
		MaxBackoff:   30 * time.Second,
		ChunkSize:    32 * 1024,
		CheckLimit:   200,
		CheckTimeout: 60 * time.Second,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.Folder == "" {
		c.Folder = def.Folder
	}
	if c.Limit <= 0 {
		c.Limit = def.Limit
	}
	if c.Processes <= 0 {
		c.Processes = def.Processes
	}
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.Retries < 0 {
		c.Retries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = def.RetryBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.CheckLimit <= 0 {
		c.CheckLimit = def.CheckLimit
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = def.CheckTimeout
	}
}

// WithConfig replaces the whole configuration. Options applied after it
// still take effect.
func WithConfig(cfg Config) Option {
	return func(d *Downloader) {
		d.cfg = cfg
	}
}

// WithFolder sets the default output directory.
func WithFolder(dir string) Option {
	return func(d *Downloader) {
		if dir != "" {
			d.cfg.Folder = dir
		}
	}
}

// WithLimit sets the maximum number of simultaneous transfers.
func WithLimit(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.cfg.Limit = n
		}
	}
}

// WithProcesses sets the number of worker processes for DownloadParallel.
func WithProcesses(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.cfg.Processes = n
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.cfg.Timeout = timeout
		}
	}
}

// WithRetries sets how many times a 503 response is retried.
func WithRetries(n int) Option {
	return func(d *Downloader) {
		if n >= 0 {
			d.cfg.Retries = n
		}
	}
}

// WithRetryBackoff sets the initial and maximum wait between retries.
func WithRetryBackoff(initial, limit time.Duration) Option {
	return func(d *Downloader) {
		if initial > 0 {
			d.cfg.RetryBackoff = initial
		}
		if limit > 0 {
			d.cfg.MaxBackoff = limit
		}
	}
}

// WithFollowRedirects makes every job follow redirects.
func WithFollowRedirects(follow bool) Option {
	return func(d *Downloader) {
		d.cfg.FollowRedirects = follow
	}
}

// WithDescription sets the label shown next to progress output.
func WithDescription(desc string) Option {
	return func(d *Downloader) {
		d.cfg.Description = desc
	}
}

// WithChunkSize sets the size of each streamed write.
func WithChunkSize(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.cfg.ChunkSize = n
		}
	}
}

// WithRateLimit caps each transfer at bytesPerSecond.
func WithRateLimit(bytesPerSecond int64) Option {
	return func(d *Downloader) {
		if bytesPerSecond >= 0 {
			d.cfg.RateLimit = bytesPerSecond
		}
	}
}

// WithTrustUnknownSize keeps existing files whose remote size is unknown.
func WithTrustUnknownSize() Option {
	return func(d *Downloader) {
		d.cfg.TrustUnknownSize = true
	}
}

// WithAuthenticator sets the source of request-level auth material. It
// takes precedence over credential files. It is not passed to worker
// processes.
func WithAuthenticator(a Authenticator) Option {
	return func(d *Downloader) {
		d.auth = a
	}
}

// WithCredentialFiles names the credential store and the browser cookie
// export to authenticate with. Either may be empty.
func WithCredentialFiles(credentials, cookies string) Option {
	return func(d *Downloader) {
		d.cfg.CredentialsFile = credentials
		d.cfg.CookieFile = cookies
	}
}

// UseBrowserCookies authenticates with imported browser cookies instead of
// basic auth.
func UseBrowserCookies() Option {
	return func(d *Downloader) {
		d.cfg.UseCookies = true
	}
}

// WithObserver sets the progress observer.
func WithObserver(o Observer) Option {
	return func(d *Downloader) {
		if o != nil {
			d.observer = o
		}
	}
}

// WithProgressChannel sets a channel to receive progress updates. Updates
// are dropped when the channel is full.
func WithProgressChannel(ch chan<- Progress) Option {
	return func(d *Downloader) {
		if ch != nil {
			d.observer = ChannelObserver(ch)
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(d *Downloader) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithVerboseOutput sends debug logging to w.
func WithVerboseOutput(w io.Writer) Option {
	return func(d *Downloader) {
		d.setLogger(w)
	}
}

// WithWorkerCommand sets how DownloadParallel starts a worker process. The
// command must run ServeWorker on its standard input and output.
func WithWorkerCommand(fn func() *exec.Cmd) Option {
	return func(d *Downloader) {
		if fn != nil {
			d.workerCommand = fn
		}
	}
}
