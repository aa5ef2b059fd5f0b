package dataget

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// idleTimeoutReader closes the wrapped body when no Read has returned data
// for the timeout duration, which unblocks a stalled Read.
type idleTimeoutReader struct {
	r       io.ReadCloser
	timeout time.Duration
	timer   *time.Timer
	expired atomic.Bool
}

func newIdleTimeoutReader(r io.ReadCloser, timeout time.Duration) *idleTimeoutReader {
	ir := &idleTimeoutReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, func() {
			ir.expired.Store(true)
			_ = r.Close()
		})
	}
	return ir
}

// Read implements the io.Reader interface with an idle timeout.
func (r *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if r.timer == nil {
		return n, err
	}
	if r.expired.Load() {
		return n, ErrIdleTimeout
	}
	if n > 0 {
		r.timer.Reset(r.timeout)
	}
	return n, err
}

func (r *idleTimeoutReader) stop() {
	if r.timer != nil {
		r.timer.Stop()
	}
}

// pause stops the idle clock while the caller, not the server, is the one
// holding up the transfer. If the timer already fired the next Read still
// reports the timeout.
func (r *idleTimeoutReader) pause() { r.stop() }

func (r *idleTimeoutReader) resume() {
	if r.timer != nil && !r.expired.Load() {
		r.timer.Reset(r.timeout)
	}
}

// progressWriter writes each chunk straight to the target file and reports
// the cumulative size on disk after every write.
type progressWriter struct {
	ctx     context.Context
	w       io.Writer
	d       *Downloader
	job     Job
	path    string
	state   *TransferState
	limiter *rate.Limiter
	idle    *idleTimeoutReader
	err     error
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	if pw.limiter != nil {
		pw.idle.pause()
		err := waitN(pw.ctx, pw.limiter, len(p))
		pw.idle.resume()
		if err != nil {
			return 0, err
		}
	}
	n, err := pw.w.Write(p)
	if n > 0 {
		pw.state.OnDisk += int64(n)
		bytesWritten.Add(float64(n))
		pw.d.notify(pw.job, pw.path, ProgressStateDownloading, pw.state.OnDisk, pw.state.Total, "")
	}
	if err != nil {
		pw.err = err
	}
	return n, err
}

func waitN(ctx context.Context, l *rate.Limiter, n int) error {
	burst := l.Burst()
	for n > 0 {
		k := min(n, burst)
		if err := l.WaitN(ctx, k); err != nil {
			return err
		}
		n -= k
	}
	return nil
}

// transfer runs one job to its outcome.
func (d *Downloader) transfer(ctx context.Context, job Job) Outcome {
	start := time.Now()
	transfersInFlight.Inc()
	defer transfersInFlight.Dec()

	state := &TransferState{Total: UnknownSize}
	out := d.fetch(ctx, job, state)
	out.Attempts = state.Attempts
	out.Duration = time.Since(start)
	transfersTotal.WithLabelValues(out.Kind.String()).Inc()

	entry := d.logger.WithFields(log.Fields{"url": job.URL, "path": out.Path, "outcome": out.Kind.String()})
	if out.Kind == OutcomeFailed {
		entry.WithError(out.Err).Warn("transfer failed")
		d.notify(job, out.Path, ProgressStateFailed, out.Size, state.Total, out.Err.Error())
	} else {
		entry.Debugf("transfer finished, %s written", formatBytes(out.Bytes))
		final := ProgressStateComplete
		if out.Kind == OutcomeSkipped {
			final = ProgressStateSkipped
		}
		d.notify(job, out.Path, final, out.Size, out.Size, out.Kind.String())
	}
	return out
}

func (d *Downloader) fetch(ctx context.Context, job Job, state *TransferState) Outcome {
	info, err := d.probe(ctx, job, state)
	if err != nil {
		return failedOutcome(job, err)
	}

	target := job.targetPath(info.FileName)
	local, err := localState(target)
	if err != nil {
		out := failedOutcome(job, localError(err, target))
		out.Path = target
		return out
	}

	total := info.Size
	if total < 0 && job.Size > 0 {
		total = job.Size
	}
	state.Total = total
	state.OnDisk = local.Size
	state.Resumable = info.Rangeable

	// A server may honor ranges without advertising them. Ask before
	// throwing a partial file away.
	partial := local.Exists && local.Size > 0 && (total < 0 || local.Size < total)
	if partial && !info.Rangeable && info.acceptRanges != "none" {
		if ri, err := d.probeRange(ctx, job, state); err == nil && ri.Rangeable {
			state.Resumable = true
			if state.Total < 0 && ri.Size >= 0 {
				state.Total = ri.Size
			}
		}
	}

	dec := Decide(local, state.Total, state.Resumable, d.cfg.TrustUnknownSize)
	d.logger.WithFields(log.Fields{"url": job.URL, "path": target, "action": dec.Action.String()}).Debug(dec.Reason)
	if dec.Action == ActionSkip {
		return Outcome{Job: job, Kind: OutcomeSkipped, Path: target, Size: local.Size, Status: info.Status}
	}
	return d.stream(ctx, job, target, dec, state)
}

// stream performs the (possibly ranged) GET and writes the body to target.
func (d *Downloader) stream(ctx context.Context, job Job, target string, dec Decision, state *TransferState) Outcome {
	fail := func(status int, err error) Outcome {
		out := failedOutcome(job, err)
		out.Path = target
		if status != 0 {
			out.Status = status
		}
		if fi, statErr := os.Stat(target); statErr == nil {
			out.Size = fi.Size()
		}
		return out
	}

	var header http.Header
	if dec.Action == ActionResume {
		header = http.Header{"Range": []string{fmt.Sprintf("bytes=%d-", dec.Offset)}}
	}
	resp, err := d.do(ctx, job, state, http.MethodGet, header)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()
	if err := statusError(resp, job.URL); err != nil {
		return fail(resp.StatusCode, err)
	}

	offset := int64(0)
	kind := OutcomeCompleted
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, total, err := ParseContentRange(resp.Header.Get("Content-Range"))
		if dec.Action == ActionResume {
			if err != nil || start != dec.Offset {
				return fail(resp.StatusCode, &TransferError{
					Kind: KindUnexpectedStatus, StatusCode: resp.StatusCode, URL: job.URL,
					Err: errors.Errorf("content range %q does not start at byte %d", resp.Header.Get("Content-Range"), dec.Offset),
				})
			}
			offset = dec.Offset
			kind = OutcomeResumed
		}
		if err == nil && total >= 0 {
			state.Total = total
		}
	case http.StatusRequestedRangeNotSatisfiable, statusRangeSatisfied:
		_, _, total, _ := ParseContentRange(resp.Header.Get("Content-Range"))
		if dec.Action == ActionResume && (total < 0 || total == dec.Offset) {
			return Outcome{Job: job, Kind: OutcomeSkipped, Path: target, Size: dec.Offset, Status: resp.StatusCode}
		}
		return fail(resp.StatusCode, &TransferError{Kind: KindUnexpectedStatus, StatusCode: resp.StatusCode, URL: job.URL})
	default:
		if dec.Action == ActionResume {
			d.logger.WithFields(log.Fields{"url": job.URL, "path": target}).
				Debugf("%v, restarting from zero", ErrRangeNotSupported)
		}
		if cl := contentLength(resp.Header); cl >= 0 {
			state.Total = cl
		}
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fail(resp.StatusCode, localError(err, target))
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if offset > 0 {
		flags = os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(target, flags, 0o644)
	if err != nil {
		return fail(resp.StatusCode, localError(err, target))
	}

	state.OnDisk = offset
	d.notify(job, target, ProgressStateStarted, offset, state.Total, dec.Action.String())
	written, copyErr := d.copyBody(ctx, f, resp.Body, job, target, state)
	closeErr := f.Close()

	out := Outcome{Job: job, Kind: kind, Path: target, Bytes: written, Status: resp.StatusCode}
	fi, statErr := os.Stat(target)
	if statErr != nil {
		o := fail(resp.StatusCode, localError(statErr, target))
		o.Bytes = written
		return o
	}
	out.Size = fi.Size()

	switch {
	case copyErr != nil && !errors.Is(copyErr, io.ErrUnexpectedEOF):
		o := fail(resp.StatusCode, copyErr)
		o.Bytes = written
		return o
	case closeErr != nil:
		o := fail(resp.StatusCode, localError(closeErr, target))
		o.Bytes = written
		return o
	}

	d.notify(job, target, ProgressStateVerifying, out.Size, state.Total, "")
	if state.Total >= 0 && out.Size != state.Total {
		o := fail(resp.StatusCode, &TransferError{
			Kind: KindSizeMismatch, URL: job.URL,
			Err: errors.Errorf("expected %d bytes, have %d", state.Total, out.Size),
		})
		o.Bytes = written
		return o
	}
	if copyErr != nil {
		o := fail(resp.StatusCode, &TransferError{Kind: KindSizeMismatch, URL: job.URL, Err: copyErr})
		o.Bytes = written
		return o
	}
	return out
}

// copyBody streams body into dst in ChunkSize pieces. Read failures come
// back as transfer errors, write failures as local errors.
func (d *Downloader) copyBody(ctx context.Context, dst io.Writer, body io.ReadCloser, job Job, target string, state *TransferState) (int64, error) {
	src := newIdleTimeoutReader(body, d.cfg.Timeout)
	defer src.stop()

	var reader io.Reader = src
	if state.Total >= 0 {
		reader = io.LimitReader(src, state.Total-state.OnDisk)
	}
	pw := &progressWriter{ctx: ctx, w: dst, d: d, job: job, path: target, state: state, limiter: d.newLimiter(), idle: src}
	buf := make([]byte, d.cfg.ChunkSize)
	n, err := io.CopyBuffer(pw, reader, buf)
	switch {
	case err != nil && pw.err != nil:
		return n, localError(pw.err, target)
	case err != nil && ctx.Err() != nil:
		return n, networkError(ctx.Err(), job.URL)
	case err != nil && errors.Is(err, io.ErrUnexpectedEOF):
		return n, err
	case err != nil:
		return n, networkError(err, job.URL)
	}

	if state.Total >= 0 {
		var extra [1]byte
		if m, _ := src.Read(extra[:]); m > 0 {
			return n, &TransferError{
				Kind: KindSizeMismatch, URL: job.URL,
				Err: errors.Errorf("server sent more than the advertised %d bytes", state.Total),
			}
		}
	}
	return n, nil
}

func (d *Downloader) newLimiter() *rate.Limiter {
	if d.cfg.RateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(d.cfg.RateLimit), 64*1024)
}

func localState(path string) (LocalState, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return LocalState{}, nil
		}
		return LocalState{}, err
	}
	if fi.IsDir() {
		return LocalState{}, errors.Errorf("%s is a directory", path)
	}
	return LocalState{Exists: true, Size: fi.Size()}, nil
}

func formatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "KMGTPE"[exp])
}
