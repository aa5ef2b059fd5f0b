package dataget

import (
	"context"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// statusRangeSatisfied is a non-standard status some data servers send
// instead of 416 when the requested range starts at the end of the file.
const statusRangeSatisfied = 216

// RemoteInfo is what the preliminary request learned about a resource.
type RemoteInfo struct {
	// URL is the final URL after any followed redirects.
	URL    string
	Status int
	// Size is the total size in bytes, or UnknownSize.
	Size      int64
	Rangeable bool
	// FileName is the server-suggested name: Content-Disposition when
	// present, otherwise the last element of the URL path.
	FileName string

	acceptRanges string
}

// probe issues the preliminary request for a job: a HEAD, falling back to a
// one-byte ranged GET when the server refuses HEAD.
func (d *Downloader) probe(ctx context.Context, job Job, state *TransferState) (RemoteInfo, error) {
	resp, err := d.do(ctx, job, state, http.MethodHead, nil)
	if err != nil {
		return RemoteInfo{}, err
	}
	resp.Body.Close()

	switch code := resp.StatusCode; {
	case headRefused(code):
		d.logger.WithFields(log.Fields{"url": job.URL, "status": code}).
			Debug("HEAD refused, probing with a ranged GET")
		return d.probeRange(ctx, job, state)
	case code == http.StatusOK:
	default:
		if err := statusError(resp, job.URL); err != nil {
			return RemoteInfo{}, err
		}
		return d.probeRange(ctx, job, state)
	}

	return RemoteInfo{
		URL:          finalURL(resp, job),
		Status:       resp.StatusCode,
		Size:         contentLength(resp.Header),
		Rangeable:    acceptsRanges(resp.Header),
		FileName:     suggestedName(resp, job),
		acceptRanges: strings.ToLower(strings.TrimSpace(resp.Header.Get("Accept-Ranges"))),
	}, nil
}

// headRefused reports whether a HEAD status may just mean the server does
// not answer HEAD. Missing resources and failed logins are final.
func headRefused(code int) bool {
	switch {
	case code == http.StatusNotImplemented:
		return true
	case code == http.StatusUnauthorized, code == http.StatusNotFound, code == http.StatusGone:
		return false
	}
	return code >= 400 && code < 500
}

// probeRange asks for the first byte of the resource. A 206 proves range
// support and carries the total size in Content-Range.
func (d *Downloader) probeRange(ctx context.Context, job Job, state *TransferState) (RemoteInfo, error) {
	header := http.Header{"Range": []string{"bytes=0-0"}}
	resp, err := d.do(ctx, job, state, http.MethodGet, header)
	if err != nil {
		return RemoteInfo{}, err
	}
	defer resp.Body.Close()

	if err := statusError(resp, job.URL); err != nil {
		return RemoteInfo{}, err
	}
	info := RemoteInfo{
		URL:      finalURL(resp, job),
		Status:   resp.StatusCode,
		Size:     UnknownSize,
		FileName: suggestedName(resp, job),
	}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		info.Rangeable = true
		if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil {
			info.Size = total
		}
	case http.StatusRequestedRangeNotSatisfiable, statusRangeSatisfied:
		// The first byte does not exist: the resource is empty.
		info.Rangeable = true
		info.Size = 0
		if _, _, total, err := ParseContentRange(resp.Header.Get("Content-Range")); err == nil && total >= 0 {
			info.Size = total
		}
	default:
		info.Size = contentLength(resp.Header)
	}
	return info, nil
}

// unavailableError carries a 503 response through the retry loop, so the
// last one can be handed back when the budget runs out.
type unavailableError struct {
	resp *http.Response
	wait error
}

func (e *unavailableError) Error() string { return http.StatusText(http.StatusServiceUnavailable) }

// Unwrap exposes the server's Retry-After, if any, to the retry loop.
func (e *unavailableError) Unwrap() error { return e.wait }

// do sends one request for job, retrying 503 responses with backoff up to
// the configured budget. The caller owns the returned body.
func (d *Downloader) do(ctx context.Context, job Job, state *TransferState, method string, header http.Header) (*http.Response, error) {
	client := d.clientFor(job)
	send := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, job.URL, nil)
		if err != nil {
			return nil, backoff.Permanent(&TransferError{Kind: KindUnexpectedStatus, URL: job.URL, Err: err})
		}
		for k, v := range header {
			req.Header[k] = v
		}
		req.Header.Set("User-Agent", userAgent)
		if err := d.authorize(req); err != nil {
			return nil, backoff.Permanent(err)
		}

		state.Attempts++
		resp, err := client.Do(req)
		if err != nil {
			return nil, backoff.Permanent(networkError(err, job.URL))
		}
		if resp.StatusCode != http.StatusServiceUnavailable {
			return resp, nil
		}
		unavailable := &unavailableError{resp: resp}
		if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
			unavailable.wait = &backoff.RetryAfterError{Duration: min(wait, d.cfg.MaxBackoff)}
		}
		return nil, unavailable
	}
	retried := 0
	notify := func(err error, next time.Duration) {
		var unavailable *unavailableError
		if errors.As(err, &unavailable) {
			_, _ = io.Copy(io.Discard, io.LimitReader(unavailable.resp.Body, 4096))
			unavailable.resp.Body.Close()
		}
		retried++
		retriesTotal.Inc()
		d.logger.WithFields(log.Fields{"url": job.URL, "attempt": retried}).
			Debugf("server unavailable, retrying in %s (%d of %d)", next.Round(time.Millisecond), retried, d.cfg.Retries)
	}

	resp, err := backoff.Retry(ctx, send,
		backoff.WithBackOff(d.newBackOff()),
		backoff.WithMaxTries(uint(d.cfg.Retries)+1),
		backoff.WithNotify(notify),
	)
	var unavailable *unavailableError
	var permanent *backoff.PermanentError
	switch {
	case err == nil:
		return resp, nil
	case errors.As(err, &unavailable):
		return unavailable.resp, nil
	case errors.As(err, &permanent):
		return nil, permanent.Err
	case ctx.Err() != nil:
		return nil, networkError(err, job.URL)
	}
	return nil, err
}

// newBackOff doubles the wait from RetryBackoff up to MaxBackoff, with each
// wait drawn from 0.5 to 1.5 of the nominal value.
func (d *Downloader) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.cfg.RetryBackoff
	b.MaxInterval = d.cfg.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0.5
	return b
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func contentLength(h http.Header) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(h.Get("Content-Length")), 10, 64)
	if err != nil || n < 0 {
		return UnknownSize
	}
	return n
}

func acceptsRanges(h http.Header) bool {
	return strings.EqualFold(strings.TrimSpace(h.Get("Accept-Ranges")), "bytes")
}

func finalURL(resp *http.Response, job Job) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return job.URL
}

// suggestedName parses the file name from the Content-Disposition header,
// falling back to the tail of the final URL path.
func suggestedName(resp *http.Response, job Job) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil && params["filename"] != "" {
			return params["filename"]
		}
		if _, name, found := strings.Cut(cd, "filename="); found {
			name, _, _ = strings.Cut(name, ";")
			if name = strings.Trim(strings.TrimSpace(name), `"'`); name != "" {
				return name
			}
		}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		return path.Base(resp.Request.URL.Path)
	}
	return path.Base(job.URL)
}

// ParseContentRange parses a Content-Range header value of the form
// "bytes start-end/total" or "bytes */total". Total is UnknownSize for "*";
// start and end are -1 for an unsatisfied range.
func ParseContentRange(header string) (start, end, total int64, err error) {
	header = strings.TrimSpace(header)
	rest, ok := strings.CutPrefix(header, "bytes ")
	if !ok {
		return 0, 0, 0, errors.Errorf("invalid Content-Range format: %q", header)
	}
	rng, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, errors.Errorf("invalid Content-Range format: %q", header)
	}

	if size == "*" {
		total = UnknownSize
	} else if total, err = strconv.ParseInt(size, 10, 64); err != nil {
		return 0, 0, 0, errors.Wrap(err, "invalid total bytes")
	}

	if rng == "*" {
		return -1, -1, total, nil
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, errors.Errorf("invalid Content-Range format: %q", header)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, 0, errors.Wrap(err, "invalid start byte")
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, 0, errors.Wrap(err, "invalid end byte")
	}
	return start, end, total, nil
}
