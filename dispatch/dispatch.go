// Package dispatch provides the fan-out / review / fan-in primitive used for
// parallel research tasks and parallel report sections. A batch of tasks runs
// concurrently, a reviewer judges every result, and rejected tasks are
// re-dispatched with the reviewer's critique until a retry bound is hit.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Task is one unit of fan-out work.
type Task[I any] struct {
	// ID is unique within the dispatch batch; results are keyed by it.
	ID string

	// Input is the worker payload.
	Input I

	// RetryCount is how many times this task has been re-dispatched.
	RetryCount int

	// Critique is reviewer feedback from the prior rejected attempt.
	// Empty on the first attempt.
	Critique string
}

// Result is the accepted outcome for one task.
type Result[R any] struct {
	TaskID string

	// Value is the worker's output. For a forced accept it is the last
	// attempt's output, which may be the zero value if the worker errored.
	Value R

	// Attempts is how many worker invocations this task consumed.
	Attempts int

	// ForcedAccept is set when the retry bound was exhausted and the last
	// result was kept without reviewer approval. Callers must be able to
	// tell a forced accept from a true approval.
	ForcedAccept bool

	// Critique carries the final rejection critique on a forced accept.
	Critique string
}

// Verdict is the reviewer's judgment of one (task, result) pair.
type Verdict struct {
	TaskID   string
	Approved bool
	Critique string
}

// Worker produces a result for one task.
type Worker[I, R any] func(ctx context.Context, task Task[I]) (R, error)

// Reviewer judges one (task, result) pair.
type Reviewer[I, R any] func(ctx context.Context, task Task[I], result R) (Verdict, error)

// workerFailedCritique is the critique attached when a worker errors or
// times out; the task is treated as an automatic rejection, not a batch
// failure.
const workerFailedCritique = "no result returned"

// Options bounds a dispatch batch.
type Options struct {
	// MaxRetries bounds re-dispatch per task; a task runs at most
	// MaxRetries+1 times.
	MaxRetries int

	// MaxConcurrent limits concurrent workers. 0 means unbounded.
	MaxConcurrent int

	// WorkerTimeout bounds each worker invocation. 0 means no timeout
	// beyond the batch context.
	WorkerTimeout time.Duration

	Logger *slog.Logger
}

// Dispatch runs the batch to completion. Every task ends up in the result
// map exactly once: approved, or force-accepted with the flag set. The only
// error returned is a cancelled context; in-flight workers are drained
// before it returns.
func Dispatch[I, R any](
	ctx context.Context,
	tasks []Task[I],
	worker Worker[I, R],
	reviewer Reviewer[I, R],
	opts Options,
) (map[string]Result[R], error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	results := make(map[string]Result[R], len(tasks))
	pending := tasks

	for round := 0; len(pending) > 0; round++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		logger.Debug("dispatching batch round",
			"round", round,
			"tasks", len(pending))

		type attempt struct {
			task  Task[I]
			value R
			err   error
		}
		attempts := make([]attempt, len(pending))

		g := new(errgroup.Group)
		if opts.MaxConcurrent > 0 {
			g.SetLimit(opts.MaxConcurrent)
		}
		for i, task := range pending {
			i, task := i, task
			workersStarted.Inc()
			g.Go(func() error {
				wctx := ctx
				if opts.WorkerTimeout > 0 {
					var cancel context.CancelFunc
					wctx, cancel = context.WithTimeout(ctx, opts.WorkerTimeout)
					defer cancel()
				}
				value, err := worker(wctx, task)
				attempts[i] = attempt{task: task, value: value, err: err}
				return nil
			})
		}
		// Workers never propagate errors through the group; a failed worker
		// becomes an automatic rejection below. Wait also drains in-flight
		// workers on cancellation.
		_ = g.Wait()

		var retry []Task[I]
		for _, a := range attempts {
			verdict := Verdict{TaskID: a.task.ID}
			switch {
			case a.err != nil:
				verdict.Critique = workerFailedCritique
				logger.Warn("worker failed, auto-rejecting",
					"task_id", a.task.ID,
					"retry_count", a.task.RetryCount,
					"error", a.err)
			default:
				v, err := reviewer(ctx, a.task, a.value)
				if err != nil {
					// A broken reviewer must not sink a good result.
					logger.Warn("reviewer failed, accepting result",
						"task_id", a.task.ID,
						"error", err)
					v = Verdict{TaskID: a.task.ID, Approved: true}
				}
				verdict = v
			}

			switch {
			case verdict.Approved:
				results[a.task.ID] = Result[R]{
					TaskID:   a.task.ID,
					Value:    a.value,
					Attempts: a.task.RetryCount + 1,
				}
			case a.task.RetryCount < opts.MaxRetries:
				rejections.Inc()
				retry = append(retry, Task[I]{
					ID:         a.task.ID,
					Input:      a.task.Input,
					RetryCount: a.task.RetryCount + 1,
					Critique:   verdict.Critique,
				})
			default:
				rejections.Inc()
				forcedAccepts.Inc()
				logger.Warn("retries exhausted, force-accepting last result",
					"task_id", a.task.ID,
					"attempts", a.task.RetryCount+1)
				results[a.task.ID] = Result[R]{
					TaskID:       a.task.ID,
					Value:        a.value,
					Attempts:     a.task.RetryCount + 1,
					ForcedAccept: true,
					Critique:     verdict.Critique,
				}
			}
		}
		pending = retry
	}

	return results, ctx.Err()
}
