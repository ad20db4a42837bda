package dlspeed

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
)

var ErrRunnerStarted = errors.New("job runner already started")

type Job[T any] func(ctx context.Context) (T, error)

type JobOutcome[T any] struct {
	Success bool
	Payload T
	Err     error
}

// JobRunner runs queued jobs strictly one after another in the order they were pushed. Overlapping
// transfers would share the link under test, so at most one job is ever in flight.
type JobRunner[T any] struct {
	mu      sync.Mutex
	jobs    []Job[T]
	started bool
	sem     *semaphore.Weighted
}

func NewJobRunner[T any]() *JobRunner[T] {
	return &JobRunner[T]{
		jobs: []Job[T]{},
		sem:  semaphore.NewWeighted(1),
	}
}

// Push appends a job. Jobs cannot be added once the runner has started.
func (r *JobRunner[T]) Push(job Job[T]) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrRunnerStarted
	}
	r.jobs = append(r.jobs, job)

	return nil
}

// Start runs every queued job and delivers the outcomes, in submission order, once the last one has
// settled. The channel receives exactly one value and is then closed.
func (r *JobRunner[T]) Start(ctx context.Context) (<-chan []JobOutcome[T], error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, ErrRunnerStarted
	}
	r.started = true
	jobs := r.jobs
	r.jobs = nil
	r.mu.Unlock()

	done := make(chan []JobOutcome[T], 1)

	go func() {
		defer close(done)

		outcomes := make([]JobOutcome[T], len(jobs))
		for index, job := range jobs {
			// cancelled sessions still account for every job, without running it
			if err := ctx.Err(); err != nil {
				outcomes[index] = JobOutcome[T]{Err: errors.Wrap(err, "job not started")}
				continue
			}
			// blocks until the previous job has released its slot
			if err := r.sem.Acquire(ctx, 1); err != nil {
				outcomes[index] = JobOutcome[T]{Err: errors.Wrap(err, "job not started")}
				continue
			}

			go func(index int, job Job[T]) {
				defer r.sem.Release(1)
				outcomes[index] = runOne(ctx, job)
			}(index, job)
		}

		// the last job may still hold the slot, even after cancellation
		_ = r.sem.Acquire(context.Background(), 1)
		r.sem.Release(1)

		done <- outcomes
	}()

	return done, nil
}

func runOne[T any](ctx context.Context, job Job[T]) (outcome JobOutcome[T]) {
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = JobOutcome[T]{Err: errors.Errorf("job panicked: %v", recovered)}
		}
	}()

	payload, err := job(ctx)
	if err != nil {
		return JobOutcome[T]{Err: err}
	}

	return JobOutcome[T]{Success: true, Payload: payload}
}
