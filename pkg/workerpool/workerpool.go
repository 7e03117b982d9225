package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/gofanout/fanout/internal/lg"
)

const TotalMaxWorkers = 10

// JobFunc runs one unit of work against its payload.
type JobFunc[T any] func(ctx context.Context, payload T) error

// Job pairs a payload with the function that processes it. CleanupFunc,
// when set, runs after the job finishes regardless of outcome.
type Job[T any] struct {
	Payload     T
	Fn          JobFunc[T]
	CleanupFunc func()
}

// Pool runs batches of jobs with bounded concurrency. Jobs within a
// batch are independent: one job failing or panicking never stops the
// others, and every job gets exactly one slot in the returned error
// list, index-aligned with the input.
type Pool[T any] struct {
	maxWorkers    int
	activeWorkers int32
}

func NewPool[T any](maxWorkers int) *Pool[T] {
	if maxWorkers <= 0 {
		maxWorkers = TotalMaxWorkers
	}
	return &Pool[T]{maxWorkers: maxWorkers}
}

// MaxWorkers returns the pool's concurrency bound.
func (p *Pool[T]) MaxWorkers() int { return p.maxWorkers }

// Run executes every job in the batch, at most maxWorkers at a time,
// and blocks until all of them finish. Result ordering matches job
// ordering regardless of completion order. A batch submitted with an
// already-cancelled context records the context error in every slot.
func (p *Pool[T]) Run(ctx context.Context, jobs []Job[T]) []error {
	logger := lg.FromContext(ctx)
	errs := make([]error, len(jobs))

	g := new(errgroup.Group)
	g.SetLimit(p.maxWorkers)

	for i := range jobs {
		idx := i
		job := jobs[i]
		g.Go(func() error {
			atomic.AddInt32(&p.activeWorkers, 1)
			defer atomic.AddInt32(&p.activeWorkers, -1)
			defer func() {
				if job.CleanupFunc != nil {
					job.CleanupFunc()
				}
			}()

			if err := ctx.Err(); err != nil {
				errs[idx] = err
				logger.Debug("job skipped, context done", lg.Int("job", idx))
				return nil
			}

			errs[idx] = p.runOne(ctx, job)
			if errs[idx] != nil {
				logger.Debug("job failed",
					lg.Int("job", idx),
					lg.Err(errs[idx]))
			}
			return nil
		})
	}

	_ = g.Wait()
	return errs
}

// runOne invokes the job, converting a panic into a recorded failure
// so one misbehaving job cannot take down the batch.
func (p *Pool[T]) runOne(ctx context.Context, job Job[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Fn(ctx, job.Payload)
}

// ActiveWorkers reports how many jobs are executing right now.
func (p *Pool[T]) ActiveWorkers() int32 {
	return atomic.LoadInt32(&p.activeWorkers)
}
