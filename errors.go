package dataget

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// Sentinel errors for each failure kind. A *TransferError matches the
// sentinel of its kind with errors.Is.
var (
	ErrNetwork          = errors.New("network error")
	ErrAuthentication   = errors.New("authentication failed: check your credentials or cookies")
	ErrNotFound         = errors.New("not found")
	ErrServer           = errors.New("server error")
	ErrSizeMismatch     = errors.New("size mismatch")
	ErrRedirect         = errors.New("redirect not followed")
	ErrUnexpectedStatus = errors.New("unexpected status code")
	ErrLocal            = errors.New("local file error")
	ErrCanceled         = errors.New("transfer canceled")
	ErrWorker           = errors.New("worker process failed")

	// ErrRangeNotSupported is raised when a resume request is answered with
	// the full body. The transfer falls back to a restart; it is never part
	// of an Outcome.
	ErrRangeNotSupported = errors.New("server does not support range requests")

	// ErrIdleTimeout is returned by a body read that made no progress
	// within the configured timeout.
	ErrIdleTimeout = errors.New("no data received within timeout")
)

// ErrorKind classifies failed transfers.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindNetwork
	KindAuthentication
	KindNotFound
	KindServer
	KindSizeMismatch
	KindRedirect
	KindUnexpectedStatus
	KindLocal
	KindCanceled
	KindWorker
)

var kindNames = map[ErrorKind]string{
	KindNone:             "none",
	KindNetwork:          "network",
	KindAuthentication:   "authentication",
	KindNotFound:         "not-found",
	KindServer:           "server",
	KindSizeMismatch:     "size-mismatch",
	KindRedirect:         "redirect",
	KindUnexpectedStatus: "unexpected-status",
	KindLocal:            "local",
	KindCanceled:         "canceled",
	KindWorker:           "worker",
}

func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseErrorKind is the inverse of ErrorKind.String. Unknown names map to
// KindNetwork.
func ParseErrorKind(name string) ErrorKind {
	for k, n := range kindNames {
		if n == name {
			return k
		}
	}
	return KindNetwork
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindNetwork:
		return ErrNetwork
	case KindAuthentication:
		return ErrAuthentication
	case KindNotFound:
		return ErrNotFound
	case KindServer:
		return ErrServer
	case KindSizeMismatch:
		return ErrSizeMismatch
	case KindRedirect:
		return ErrRedirect
	case KindUnexpectedStatus:
		return ErrUnexpectedStatus
	case KindLocal:
		return ErrLocal
	case KindCanceled:
		return ErrCanceled
	case KindWorker:
		return ErrWorker
	}
	return nil
}

// Retryable reports whether re-running the same job may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindServer, KindSizeMismatch, KindCanceled, KindWorker:
		return true
	}
	return false
}

// TransferError describes why a single job failed.
type TransferError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	// Location is the redirect target of a 3xx response that was not followed.
	Location string
	Err      error
}

func (e *TransferError) Error() string {
	msg := e.Kind.String()
	if s := e.Kind.sentinel(); s != nil {
		msg = s.Error()
	}
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.StatusCode)
	}
	if e.Location != "" {
		msg += " to " + e.Location
	}
	if e.URL != "" {
		msg += " for " + e.URL
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel error of the transfer's kind.
func (e *TransferError) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf extracts the error kind from err. Errors that are not a
// *TransferError are classified by inspection.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}
	var te *TransferError
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, io.ErrUnexpectedEOF):
		return KindSizeMismatch
	}
	return KindNetwork
}

// statusError maps an HTTP status to a typed error. It returns nil for the
// statuses the transfer path handles itself (200, 206, 216, 416).
func statusError(resp *http.Response, url string) error {
	switch code := resp.StatusCode; {
	case code == http.StatusOK, code == http.StatusPartialContent,
		code == statusRangeSatisfied, code == http.StatusRequestedRangeNotSatisfiable:
		return nil
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return &TransferError{Kind: KindAuthentication, StatusCode: code, URL: url}
	case code == http.StatusNotFound, code == http.StatusGone:
		return &TransferError{Kind: KindNotFound, StatusCode: code, URL: url}
	case code >= 500:
		return &TransferError{Kind: KindServer, StatusCode: code, URL: url}
	case code >= 300 && code < 400:
		return &TransferError{Kind: KindRedirect, StatusCode: code, URL: url, Location: resp.Header.Get("Location")}
	default:
		return &TransferError{Kind: KindUnexpectedStatus, StatusCode: code, URL: url}
	}
}

// networkError wraps a transport failure. Context cancellation is reported
// as its own kind so that interrupted batches are distinguishable.
func networkError(err error, url string) error {
	if err == nil {
		return nil
	}
	var te *TransferError
	if errors.As(err, &te) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return &TransferError{Kind: KindCanceled, URL: url, Err: err}
	}
	return &TransferError{Kind: KindNetwork, URL: url, Err: err}
}

func localError(err error, path string) error {
	return &TransferError{Kind: KindLocal, Err: errors.Wrap(err, path)}
}
