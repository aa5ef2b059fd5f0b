// Package testutils provides a fake HTTP file server for download tests.
// Each served file can be given the misbehaviors real data servers show:
// no range support, refused HEAD requests, unknown lengths, truncated
// bodies, transient 503s, authentication and redirects.
package testutils

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// File describes one served resource and how the server treats it.
type File struct {
	Content []byte

	// NoRanges ignores Range headers and never advertises range support.
	NoRanges bool
	// RefuseHead answers HEAD requests with HeadStatus, 405 by default.
	RefuseHead bool
	HeadStatus int
	// UnknownLength streams the body chunked, without a Content-Length.
	UnknownLength bool
	// TruncateAt declares the full length but drops the connection after
	// this many body bytes.
	TruncateAt int
	// FailFirst answers this many requests with 503 before serving.
	FailFirst  int
	RetryAfter string
	// User and Password require basic auth.
	User, Password string
	// Cookie requires a cookie with this name and value.
	Cookie *http.Cookie
	// RedirectTo answers with a 302 to this URL or path.
	RedirectTo string
	// Disposition is sent as the Content-Disposition header.
	Disposition string
	// Stall sends the headers and a few bytes of a GET, then waits for the
	// client to go away.
	Stall bool
	// Status answers every request with this status and no body.
	Status int
	// Delay is slept before a GET is answered.
	Delay time.Duration
	// Encoding is sent as the Content-Encoding header.
	Encoding string
	// HeadLength overrides the Content-Length of HEAD responses, as servers
	// with stale metadata do.
	HeadLength int64
	// UnsatisfiedStatus answers ranges starting at or past the end of the
	// content with this status (416 or 216) and "Content-Range: bytes */N".
	UnsatisfiedStatus int
}

// Request is one entry of the server's request log.
type Request struct {
	Method string
	Path   string
	Range  string
}

// FileServer is an httptest server for a set of named files, reachable at
// URL + "/" + name.
type FileServer struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string]*File
	failures map[string]int
	log      []Request

	requests      atomic.Int64
	rangeRequests atomic.Int64
	bytesServed   atomic.Int64
	active        atomic.Int64
	maxActive     atomic.Int64
}

// NewFileServer starts a server that is closed when the test ends.
func NewFileServer(t testing.TB) *FileServer {
	t.Helper()
	s := &FileServer{files: make(map[string]*File), failures: make(map[string]int)}
	s.Server = httptest.NewServer(s)
	t.Cleanup(s.Close)
	return s
}

// Add serves f under name and returns its URL.
func (s *FileServer) Add(name string, f File) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = &f
	return s.FileURL(name)
}

// FileURL returns the URL of name, served or not.
func (s *FileServer) FileURL(name string) string {
	return s.URL + "/" + name
}

// Requests returns the number of requests received.
func (s *FileServer) Requests() int64 { return s.requests.Load() }

// RangeRequests returns the number of requests that carried a Range header.
func (s *FileServer) RangeRequests() int64 { return s.rangeRequests.Load() }

// BytesServed returns the number of body bytes written.
func (s *FileServer) BytesServed() int64 { return s.bytesServed.Load() }

// MaxConcurrent returns the highest number of requests handled at once.
func (s *FileServer) MaxConcurrent() int64 { return s.maxActive.Load() }

// RequestLog returns a copy of every request received, in arrival order.
func (s *FileServer) RequestLog() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.log...)
}

func (s *FileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	s.requests.Add(1)
	if r.Header.Get("Range") != "" {
		s.rangeRequests.Add(1)
	}

	name := strings.TrimPrefix(r.URL.Path, "/")
	s.mu.Lock()
	s.log = append(s.log, Request{Method: r.Method, Path: r.URL.Path, Range: r.Header.Get("Range")})
	f, ok := s.files[name]
	failing := false
	if ok && s.failures[name] < f.FailFirst {
		s.failures[name]++
		failing = true
	}
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if f.User != "" {
		if user, pass, ok := r.BasicAuth(); !ok || user != f.User || pass != f.Password {
			w.Header().Set("WWW-Authenticate", `Basic realm="data"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
	}
	if f.Cookie != nil {
		if c, err := r.Cookie(f.Cookie.Name); err != nil || c.Value != f.Cookie.Value {
			w.WriteHeader(http.StatusForbidden)
			return
		}
	}
	if failing {
		if f.RetryAfter != "" {
			w.Header().Set("Retry-After", f.RetryAfter)
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	if f.RedirectTo != "" {
		http.Redirect(w, r, f.RedirectTo, http.StatusFound)
		return
	}
	if f.Status != 0 {
		w.WriteHeader(f.Status)
		return
	}
	if f.RefuseHead && r.Method == http.MethodHead {
		status := http.StatusMethodNotAllowed
		if f.HeadStatus != 0 {
			status = f.HeadStatus
		}
		w.WriteHeader(status)
		return
	}
	if f.Disposition != "" {
		w.Header().Set("Content-Disposition", f.Disposition)
	}
	if f.Encoding != "" {
		w.Header().Set("Content-Encoding", f.Encoding)
	}
	if f.HeadLength > 0 && r.Method == http.MethodHead {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", strconv.FormatInt(f.HeadLength, 10))
		w.WriteHeader(http.StatusOK)
		return
	}
	if f.UnsatisfiedStatus != 0 {
		if start, ok := rangeStart(r.Header.Get("Range")); ok && start >= int64(len(f.Content)) {
			w.Header().Set("Content-Range", "bytes */"+strconv.Itoa(len(f.Content)))
			w.WriteHeader(f.UnsatisfiedStatus)
			return
		}
	}
	if f.Delay > 0 && r.Method == http.MethodGet {
		select {
		case <-time.After(f.Delay):
		case <-r.Context().Done():
			return
		}
	}

	cw := &countingWriter{ResponseWriter: w, n: &s.bytesServed}
	size := strconv.Itoa(len(f.Content))
	switch {
	case f.Stall:
		w.Header().Set("Content-Length", size)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		_, _ = cw.Write(f.Content[:min(16, len(f.Content))])
		cw.Flush()
		<-r.Context().Done()
	case f.UnknownLength:
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		cw.Flush()
		for chunk := range slices.Chunk(f.Content, 1024) {
			_, _ = cw.Write(chunk)
			cw.Flush()
		}
	case f.TruncateAt > 0:
		w.Header().Set("Content-Length", size)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		_, _ = cw.Write(f.Content[:min(f.TruncateAt, len(f.Content))])
	case f.NoRanges:
		w.Header().Set("Content-Length", size)
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		_, _ = cw.Write(f.Content)
	default:
		http.ServeContent(cw, r, name, time.Time{}, bytes.NewReader(f.Content))
	}
}

// rangeStart returns the first byte of a "bytes=N-" or "bytes=N-M" header.
func rangeStart(header string) (int64, bool) {
	spec, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, false
	}
	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(first, 10, 64)
	return n, err == nil
}

type countingWriter struct {
	http.ResponseWriter
	n *atomic.Int64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.n.Add(int64(n))
	return n, err
}

func (w *countingWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
