package dataget

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// workerProtocol is bumped whenever the messages below change shape.
const workerProtocol = 1

const maxWorkerLine = 4 << 20

// The parent sends one hello and then one request per job on the worker's
// stdin. The worker answers each request with any number of progress
// messages followed by exactly one outcome, one JSON object per line.
type workerHello struct {
	Protocol int    `json:"protocol"`
	Config   Config `json:"config"`
}

type workerRequest struct {
	Job Job `json:"job"`
}

type workerMessage struct {
	Progress *Progress `json:"progress,omitempty"`
	Outcome  *Outcome  `json:"outcome,omitempty"`
}

// ProcessPool is a Scheduler that runs each transfer in one of limit worker
// processes pulling from a shared queue. A worker that dies fails only the
// job it was running and is replaced for the next one.
type ProcessPool struct {
	// Command returns a fresh, unstarted command that runs ServeWorker. The
	// pool attaches stdin and stdout.
	Command  func() *exec.Cmd
	Config   Config
	Observer Observer
	Logger   *log.Logger
	// GracePeriod is how long a worker is given to report its outcome after
	// an interrupt before it is killed.
	GracePeriod time.Duration
}

func (p *ProcessPool) Run(ctx context.Context, jobs []Job, limit int) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	if len(jobs) == 0 {
		return outcomes
	}
	limit = min(max(limit, 1), len(jobs))

	type item struct {
		i   int
		job Job
	}
	queue := make(chan item)
	var wg sync.WaitGroup
	for id := range limit {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var w *worker
			defer func() {
				if w != nil {
					w.stop()
				}
			}()
			for it := range queue {
				if err := ctx.Err(); err != nil {
					outcomes[it.i] = canceledOutcome(it.job, err)
					continue
				}
				if w == nil {
					var err error
					if w, err = p.start(ctx, id); err != nil {
						outcomes[it.i] = failedOutcome(it.job, &TransferError{Kind: KindWorker, URL: it.job.URL, Err: err})
						continue
					}
				}
				o, err := w.run(it.job, p.observer())
				if err != nil {
					if ctxErr := ctx.Err(); ctxErr != nil {
						o = canceledOutcome(it.job, ctxErr)
					} else {
						o = failedOutcome(it.job, &TransferError{Kind: KindWorker, URL: it.job.URL, Err: err})
					}
					p.logger().WithFields(log.Fields{"worker": id, "url": it.job.URL}).WithError(err).Warn("worker lost")
					w.stop()
					w = nil
				}
				transfersTotal.WithLabelValues(o.Kind.String()).Inc()
				bytesWritten.Add(float64(o.Bytes))
				outcomes[it.i] = o
			}
		}()
	}
	for i, job := range jobs {
		queue <- item{i: i, job: job}
	}
	close(queue)
	wg.Wait()
	return outcomes
}

func (p *ProcessPool) observer() Observer {
	if p.Observer == nil {
		return NopObserver()
	}
	return p.Observer
}

func (p *ProcessPool) logger() *log.Logger {
	if p.Logger == nil {
		return log.StandardLogger()
	}
	return p.Logger
}

type worker struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *json.Encoder
	sc    *bufio.Scanner
	done  chan struct{}
	once  sync.Once
}

func (p *ProcessPool) start(ctx context.Context, id int) (*worker, error) {
	if p.Command == nil {
		return nil, errors.New("no worker command configured")
	}
	cmd := p.Command()
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "worker stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "worker stdout")
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrap(err, "starting worker")
	}

	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxWorkerLine)
	w := &worker{cmd: cmd, stdin: stdin, enc: json.NewEncoder(stdin), sc: sc, done: make(chan struct{})}

	grace := p.GracePeriod
	if grace <= 0 {
		grace = 5 * time.Second
	}
	go func() {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
		}
		if err := cmd.Process.Signal(os.Interrupt); err != nil {
			_ = cmd.Process.Kill()
			return
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-w.done:
		case <-timer.C:
			_ = cmd.Process.Kill()
		}
	}()

	if err := w.enc.Encode(workerHello{Protocol: workerProtocol, Config: p.Config}); err != nil {
		w.stop()
		return nil, errors.Wrap(err, "sending worker config")
	}
	p.logger().WithFields(log.Fields{"worker": id, "pid": cmd.Process.Pid}).Debug("worker started")
	return w, nil
}

// run sends one job and waits for its outcome, relaying progress on the way.
func (w *worker) run(job Job, obs Observer) (Outcome, error) {
	if err := w.enc.Encode(workerRequest{Job: job}); err != nil {
		return Outcome{}, errors.Wrap(err, "sending job")
	}
	for w.sc.Scan() {
		var msg workerMessage
		if err := json.Unmarshal(w.sc.Bytes(), &msg); err != nil {
			return Outcome{}, errors.Wrap(err, "decoding worker message")
		}
		switch {
		case msg.Progress != nil:
			obs.Observe(*msg.Progress)
		case msg.Outcome != nil:
			o := *msg.Outcome
			o.Job = job
			return o, nil
		}
	}
	if err := w.sc.Err(); err != nil {
		return Outcome{}, errors.Wrap(err, "reading from worker")
	}
	return Outcome{}, errors.New("worker exited before reporting an outcome")
}

func (w *worker) stop() {
	w.once.Do(func() {
		_ = w.stdin.Close()
		_ = w.cmd.Wait()
		close(w.done)
	})
}

// ServeWorker is the body of a worker process. It reads the configuration
// and then jobs from r, runs each transfer and writes progress and outcomes
// to w. It returns nil when r is exhausted. Options override the received
// configuration, typically to attach a logger.
func ServeWorker(ctx context.Context, r io.Reader, w io.Writer, opts ...Option) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxWorkerLine)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return errors.Wrap(err, "reading worker config")
		}
		return errors.New("worker input closed before config")
	}
	var hello workerHello
	if err := json.Unmarshal(sc.Bytes(), &hello); err != nil {
		return errors.Wrap(err, "decoding worker config")
	}
	if hello.Protocol != workerProtocol {
		return errors.Errorf("worker protocol %d, parent speaks %d", workerProtocol, hello.Protocol)
	}

	var mu sync.Mutex
	enc := json.NewEncoder(w)
	send := func(m workerMessage) error {
		mu.Lock()
		defer mu.Unlock()
		return enc.Encode(m)
	}
	progress := ObserverFunc(func(p Progress) {
		_ = send(workerMessage{Progress: &p})
	})

	d := New(append([]Option{WithConfig(hello.Config), WithObserver(progress)}, opts...)...)
	for sc.Scan() {
		var req workerRequest
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			return errors.Wrap(err, "decoding job")
		}
		o := d.transfer(ctx, req.Job)
		if err := send(workerMessage{Outcome: &o}); err != nil {
			return errors.Wrap(err, "sending outcome")
		}
	}
	return sc.Err()
}
