package x402

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTaskTimeout bounds a single detached task.
const DefaultTaskTimeout = 30 * time.Second

// TaskRunner runs work detached from the request that scheduled it.
//
// A detached task outlives the caller's context (it is not cancelled when the
// response is written), has its own timeout, and can only log failures.
// Wait blocks until every scheduled task has finished, so a shutting-down
// process does not abandon work that was already accepted.
type TaskRunner struct {
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// TaskRunnerOption configures a TaskRunner.
type TaskRunnerOption func(*TaskRunner)

// WithTaskLogger sets the logger used for task failures.
func WithTaskLogger(logger *zap.Logger) TaskRunnerOption {
	return func(r *TaskRunner) {
		r.logger = logger
	}
}

// WithTaskTimeout sets the per-task timeout.
func WithTaskTimeout(timeout time.Duration) TaskRunnerOption {
	return func(r *TaskRunner) {
		r.timeout = timeout
	}
}

// NewTaskRunner creates a TaskRunner.
func NewTaskRunner(opts ...TaskRunnerOption) *TaskRunner {
	r := &TaskRunner{
		logger:  zap.NewNop(),
		timeout: DefaultTaskTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Go schedules fn and returns immediately.
//
// fn receives a context that keeps the values of parent but ignores its
// cancellation. Errors and panics are logged under name and never propagate.
func (r *TaskRunner) Go(parent context.Context, name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.timeout)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("detached task panicked",
					zap.String("task", name),
					zap.String("request_id", RequestIDFromContext(ctx)),
					zap.String("panic", fmt.Sprint(rec)),
				)
			}
		}()

		if err := fn(ctx); err != nil {
			r.logger.Warn("detached task failed",
				zap.String("task", name),
				zap.String("request_id", RequestIDFromContext(ctx)),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until all scheduled tasks finish or ctx is done.
func (r *TaskRunner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
