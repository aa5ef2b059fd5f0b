package dataget

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// OutcomeKind is the terminal result of a job.
type OutcomeKind int

const (
	// OutcomeSkipped means the local file was already complete.
	OutcomeSkipped OutcomeKind = iota
	// OutcomeCompleted means the file was downloaded from offset zero,
	// including restarts that discarded a partial file.
	OutcomeCompleted
	// OutcomeResumed means bytes were appended to a partial file.
	OutcomeResumed
	// OutcomeFailed means the job did not produce a complete file.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSkipped:
		return "skipped"
	case OutcomeCompleted:
		return "completed"
	case OutcomeResumed:
		return "resumed"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome is produced exactly once per job.
type Outcome struct {
	Job  Job
	Kind OutcomeKind
	// Path is the resolved target path, empty if the job failed before
	// one could be derived.
	Path string
	// Bytes is the number of bytes written during this run.
	Bytes int64
	// Size is the final local size of the target.
	Size     int64
	Status   int
	Attempts int
	Duration time.Duration
	Err      error
}

// OK reports whether the job finished with a complete file.
func (o Outcome) OK() bool {
	return o.Kind != OutcomeFailed
}

// ErrKind returns the failure kind, or KindNone for successful outcomes.
func (o Outcome) ErrKind() ErrorKind {
	if o.Kind != OutcomeFailed {
		return KindNone
	}
	return KindOf(o.Err)
}

// Retryable reports whether re-running a failed job may succeed.
func (o Outcome) Retryable() bool {
	return o.Kind == OutcomeFailed && o.ErrKind().Retryable()
}

func failedOutcome(job Job, err error) Outcome {
	o := Outcome{Job: job, Kind: OutcomeFailed, Err: err}
	var te *TransferError
	if errors.As(err, &te) {
		o.Status = te.StatusCode
	}
	return o
}

func canceledOutcome(job Job, cause error) Outcome {
	return failedOutcome(job, &TransferError{Kind: KindCanceled, URL: job.URL, Err: cause})
}

// TransferState is the per-job mutable record of a transfer in progress.
// It is owned by the goroutine running the job.
type TransferState struct {
	OnDisk    int64
	Total     int64
	Resumable bool
	Attempts  int
}

// Report collects the outcomes of one batch, aligned to input order.
type Report struct {
	BatchID  string
	Outcomes []Outcome
}

// ByURL groups outcomes by job URL. Duplicate URLs keep one entry per job.
func (r *Report) ByURL() map[string][]Outcome {
	m := make(map[string][]Outcome, len(r.Outcomes))
	for _, o := range r.Outcomes {
		m[o.Job.URL] = append(m[o.Job.URL], o)
	}
	return m
}

// Failed returns the failed outcomes.
func (r *Report) Failed() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Kind == OutcomeFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// Counts tallies outcomes by kind.
func (r *Report) Counts() map[OutcomeKind]int {
	counts := make(map[OutcomeKind]int)
	for _, o := range r.Outcomes {
		counts[o.Kind]++
	}
	return counts
}

// BytesTransferred sums the bytes written across all jobs.
func (r *Report) BytesTransferred() int64 {
	var n int64
	for _, o := range r.Outcomes {
		n += o.Bytes
	}
	return n
}

// Err summarizes failed jobs, or returns nil when every job succeeded.
func (r *Report) Err() error {
	failed := r.Failed()
	if len(failed) == 0 {
		return nil
	}
	msgs := make([]string, len(failed))
	for i, o := range failed {
		msgs[i] = fmt.Sprintf("%s: %v", o.Job.URL, o.Err)
	}
	return errors.Errorf("%d of %d file(s) failed:\n- %s", len(failed), len(r.Outcomes), strings.Join(msgs, "\n- "))
}

type outcomeJSON struct {
	Job      Job        `json:"job"`
	Kind     string     `json:"kind"`
	Path     string     `json:"path,omitempty"`
	Bytes    int64      `json:"bytes"`
	Size     int64      `json:"size"`
	Status   int        `json:"status,omitempty"`
	Attempts int        `json:"attempts"`
	Duration int64      `json:"duration_ns"`
	Error    *errorJSON `json:"error,omitempty"`
}

type errorJSON struct {
	Kind     string `json:"kind"`
	Status   int    `json:"status,omitempty"`
	Location string `json:"location,omitempty"`
	Message  string `json:"message,omitempty"`
}

var outcomeKinds = map[string]OutcomeKind{
	"skipped":   OutcomeSkipped,
	"completed": OutcomeCompleted,
	"resumed":   OutcomeResumed,
	"failed":    OutcomeFailed,
}

// MarshalJSON flattens the error to its kind, status and message so an
// Outcome can cross a process boundary.
func (o Outcome) MarshalJSON() ([]byte, error) {
	v := outcomeJSON{
		Job:      o.Job,
		Kind:     o.Kind.String(),
		Path:     o.Path,
		Bytes:    o.Bytes,
		Size:     o.Size,
		Status:   o.Status,
		Attempts: o.Attempts,
		Duration: int64(o.Duration),
	}
	if o.Err != nil {
		e := &errorJSON{Kind: KindOf(o.Err).String(), Message: o.Err.Error()}
		var te *TransferError
		if errors.As(o.Err, &te) {
			e.Status = te.StatusCode
			e.Location = te.Location
			e.Message = ""
			if te.Err != nil {
				e.Message = te.Err.Error()
			}
		}
		v.Error = e
	}
	return json.Marshal(v)
}

func (o *Outcome) UnmarshalJSON(data []byte) error {
	var v outcomeJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	kind, ok := outcomeKinds[v.Kind]
	if !ok {
		return errors.Errorf("unknown outcome kind %q", v.Kind)
	}
	*o = Outcome{
		Job:      v.Job,
		Kind:     kind,
		Path:     v.Path,
		Bytes:    v.Bytes,
		Size:     v.Size,
		Status:   v.Status,
		Attempts: v.Attempts,
		Duration: time.Duration(v.Duration),
	}
	if v.Error != nil {
		te := &TransferError{
			Kind:       ParseErrorKind(v.Error.Kind),
			StatusCode: v.Error.Status,
			URL:        v.Job.URL,
			Location:   v.Error.Location,
		}
		if v.Error.Message != "" {
			te.Err = errors.New(v.Error.Message)
		}
		o.Err = te
	}
	return nil
}
