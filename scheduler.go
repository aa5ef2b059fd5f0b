package dataget

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// TransferFunc turns one job into its outcome. It must not panic and must
// return promptly once ctx is done.
type TransferFunc func(ctx context.Context, job Job) Outcome

// Scheduler executes jobs with at most limit of them in flight and returns
// exactly one Outcome per job, aligned to the input slice. Jobs that never
// start because ctx was canceled get a canceled outcome.
type Scheduler interface {
	Run(ctx context.Context, jobs []Job, limit int) []Outcome
}

// Sequential runs jobs one at a time in input order. The limit is ignored.
type Sequential struct {
	Transfer TransferFunc
}

func (s Sequential) Run(ctx context.Context, jobs []Job, _ int) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			outcomes[i] = canceledOutcome(job, err)
			continue
		}
		outcomes[i] = s.Transfer(ctx, job)
	}
	return outcomes
}

// Concurrent runs jobs on goroutines, at most limit at a time, sharing one
// process. Each transfer enforces its own timeouts, so a stalled job holds
// only its own slot.
type Concurrent struct {
	Transfer TransferFunc
}

func (c Concurrent) Run(ctx context.Context, jobs []Job, limit int) []Outcome {
	outcomes := make([]Outcome, len(jobs))
	if limit < 1 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			outcomes[i] = canceledOutcome(job, err)
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				outcomes[i] = canceledOutcome(job, err)
				return nil
			}
			outcomes[i] = c.Transfer(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
