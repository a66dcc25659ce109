package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// LocalQueue runs tasks in-process on a bounded goroutine pool.
// It backs single-binary deployments where no broker is available.
type LocalQueue struct {
	log  *slog.Logger
	pool *ants.Pool

	mu       sync.RWMutex
	handlers map[TaskType]registration
}

type registration struct {
	ctx     context.Context
	handler Handler
}

// NewLocal creates a local queue executing at most size tasks concurrently.
func NewLocal(log *slog.Logger, size int) (*LocalQueue, error) {
	if size < 1 {
		size = 1
	}
	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p any) {
		log.Error("task panicked", "panic", fmt.Sprint(p))
	}))
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &LocalQueue{
		log:      log,
		pool:     pool,
		handlers: make(map[TaskType]registration),
	}, nil
}

// Enqueue hands the task to the registered worker. Tasks with a future NotBefore
// are scheduled rather than parked on a pool slot.
func (q *LocalQueue) Enqueue(_ context.Context, task Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.Type == "" {
		return ErrTaskTypeRequired
	}

	q.mu.RLock()
	reg, ok := q.handlers[task.Type]
	q.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoWorker, task.Type)
	}

	if d := time.Until(task.NotBefore); d > 0 {
		time.AfterFunc(d, func() {
			if err := q.submit(reg, task); err != nil {
				q.log.Error("failed to schedule delayed task", "id", task.ID, "type", task.Type, "err", err)
			}
		})
		return nil
	}
	return q.submit(reg, task)
}

func (q *LocalQueue) submit(reg registration, task Task) error {
	if reg.ctx.Err() != nil {
		return reg.ctx.Err()
	}
	return q.pool.Submit(func() {
		if err := reg.handler(reg.ctx, task); err != nil {
			q.retryTask(reg.ctx, task, err)
		}
	})
}

func (q *LocalQueue) retryTask(ctx context.Context, task Task, handlerErr error) {
	if ctx.Err() != nil {
		return
	}
	if !nextAttempt(&task) {
		q.log.Error("task permanently failed", "id", task.ID, "type", task.Type, "original_err", handlerErr)
		return
	}
	if err := q.Enqueue(ctx, task); err != nil {
		q.log.Error("failed to re-enqueue task after failure", "id", task.ID, "type", task.Type, "original_err", handlerErr, "enqueue_err", err)
	}
}

// Worker registers handler for taskType and blocks until ctx is done.
func (q *LocalQueue) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	q.mu.Lock()
	q.handlers[taskType] = registration{ctx: ctx, handler: handler}
	q.mu.Unlock()

	<-ctx.Done()

	q.mu.Lock()
	delete(q.handlers, taskType)
	q.mu.Unlock()
	return nil
}

// Running reports the number of tasks currently executing.
func (q *LocalQueue) Running() int {
	return q.pool.Running()
}

// Close waits up to timeout for running tasks and releases the pool.
func (q *LocalQueue) Close(timeout time.Duration) error {
	return q.pool.ReleaseTimeout(timeout)
}
