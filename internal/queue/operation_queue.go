package queue

import (
	"container/list"
	"context"
	"fmt"

	"github.com/devrev/pairdb/refstore/internal/util/syncutil"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Operation is a unit of work run by an OperationQueue
type Operation func(ctx context.Context) error

type queuedOp struct {
	ctx context.Context
	fn  Operation
}

type opState struct {
	ops      *list.List
	draining bool
	waiters  []chan struct{}
}

// OperationQueue runs operations one at a time in enqueue order. The goroutine that finds
// the queue idle through Enqueue becomes the drainer and runs every operation, including
// ones enqueued while it drains; later callers return immediately. EnqueueAndWait hands the
// drain to a fresh goroutine instead.
type OperationQueue struct {
	name    string
	state   *syncutil.Guard[opState]
	onEmpty Operation
	logger  *zap.Logger
}

// OperationQueueOption configures an OperationQueue
type OperationQueueOption func(*OperationQueue)

// WithOnEmpty sets a hook that runs each time the queue drains empty, before the drainer
// stops
func WithOnEmpty(fn Operation) OperationQueueOption {
	return func(q *OperationQueue) { q.onEmpty = fn }
}

// NewOperationQueue creates an idle queue
func NewOperationQueue(name string, logger *zap.Logger, opts ...OperationQueueOption) *OperationQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &OperationQueue{
		name:   name,
		state:  syncutil.NewGuard(opState{ops: list.New()}),
		logger: logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends op. If no drain is active the caller drains, and the returned error
// combines the errors of every operation it ran. Operations whose context is already done
// when they reach the front are skipped.
func (q *OperationQueue) Enqueue(ctx context.Context, op Operation) error {
	if !q.push(ctx, op) {
		return nil
	}
	return q.drain()
}

// push appends op and reports whether the caller must start a drain
func (q *OperationQueue) push(ctx context.Context, op Operation) bool {
	return syncutil.Extract(q.state, func(s *opState) bool {
		s.ops.PushBack(queuedOp{ctx: ctx, fn: op})
		if s.draining {
			return false
		}
		s.draining = true
		return true
	})
}

// drainInBackground drains on a fresh goroutine and logs what failed
func (q *OperationQueue) drainInBackground() {
	if err := q.drain(); err != nil {
		q.logger.Debug("Background drain finished with errors",
			zap.String("queue", q.name),
			zap.Error(err))
	}
}

func (q *OperationQueue) drain() error {
	var errs error
	for {
		next := syncutil.Extract(q.state, func(s *opState) *queuedOp {
			front := s.ops.Front()
			if front == nil {
				return nil
			}
			op := s.ops.Remove(front).(queuedOp)
			return &op
		})
		if next == nil {
			if q.onEmpty != nil {
				if err := safeRunCtx(context.Background(), q.onEmpty); err != nil {
					q.logger.Warn("Queue empty hook failed",
						zap.String("queue", q.name),
						zap.Error(err))
					errs = multierr.Append(errs, err)
				}
			}
			if q.finish() {
				return errs
			}
			continue
		}

		if err := next.ctx.Err(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("operation skipped: %w", err))
			continue
		}
		if err := safeRunCtx(next.ctx, next.fn); err != nil {
			q.logger.Debug("Queued operation failed",
				zap.String("queue", q.name),
				zap.Error(err))
			errs = multierr.Append(errs, err)
		}
	}
}

// finish clears the drain flag and wakes Idle waiters, unless operations arrived while the
// empty hook ran
func (q *OperationQueue) finish() bool {
	var waiters []chan struct{}
	done := syncutil.Extract(q.state, func(s *opState) bool {
		if s.ops.Len() > 0 {
			return false
		}
		s.draining = false
		waiters = s.waiters
		s.waiters = nil
		return true
	})
	for _, w := range waiters {
		close(w)
	}
	return done
}

// Idle blocks until no operation is queued or running
func (q *OperationQueue) Idle(ctx context.Context) error {
	wait := syncutil.Extract(q.state, func(s *opState) chan struct{} {
		if !s.draining && s.ops.Len() == 0 {
			return nil
		}
		w := make(chan struct{})
		s.waiters = append(s.waiters, w)
		return w
	})
	if wait == nil {
		return nil
	}
	select {
	case <-wait:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of operations waiting to run
func (q *OperationQueue) Len() int {
	return syncutil.Extract(q.state, func(s *opState) int { return s.ops.Len() })
}

type result[R any] struct {
	value R
	err   error
}

// EnqueueAndWait runs fn on q and returns its result, or ctx.Err() once ctx is done. The
// drain runs on its own goroutine, so the caller never runs operations of other callers.
// It must not be called from inside an operation of the same queue: that operation holds
// the drain, so fn would never start.
func EnqueueAndWait[R any](ctx context.Context, q *OperationQueue, fn func(ctx context.Context) (R, error)) (R, error) {
	slot := make(chan result[R], 1)
	start := q.push(ctx, func(ctx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				slot <- result[R]{err: fmt.Errorf("action panicked: %v", r)}
			}
		}()
		value, err := fn(ctx)
		slot <- result[R]{value: value, err: err}
		return nil
	})
	if start {
		go q.drainInBackground()
	}

	select {
	case res := <-slot:
		return res.value, res.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}
