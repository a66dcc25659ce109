package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/panjf2000/ants/v2"
)

const (
	subjectPrefix = "rag.tasks."
	groupPrefix   = "rag-workers-"
	headerTaskID  = "Rag-Task-Id"
	// pendingMsgs bounds how many deliveries a worker buffers before NATS flags it
	// as a slow consumer and drops messages.
	pendingMsgs = 1024
	drainWait   = 30 * time.Second
)

// NATSQueue publishes tasks as JSON on per-type subjects. Workers consume through
// a queue group, so each task reaches one worker.
type NATSQueue struct {
	log         *slog.Logger
	nc          *nats.Conn
	concurrency int
}

// NewNATS returns a queue whose workers run at most concurrency handlers at once.
func NewNATS(log *slog.Logger, nc *nats.Conn, concurrency int) *NATSQueue {
	if concurrency < 1 {
		concurrency = 1
	}
	return &NATSQueue{log: log, nc: nc, concurrency: concurrency}
}

// SlowConsumerHandler logs the asynchronous errors NATS reports for a connection.
// Slow-consumer drops lose tasks, so they are logged as errors with the backlog.
func SlowConsumerHandler(log *slog.Logger) nats.ErrHandler {
	return func(_ *nats.Conn, sub *nats.Subscription, err error) {
		if sub == nil {
			log.Error("nats async error", "error", err)
			return
		}
		pending, _, _ := sub.Pending()
		dropped, _ := sub.Dropped()
		if errors.Is(err, nats.ErrSlowConsumer) {
			log.Error("nats slow consumer dropped tasks", "subject", sub.Subject, "pending", pending, "dropped", dropped)
			return
		}
		log.Error("nats subscription error", "subject", sub.Subject, "error", err)
	}
}

func subjectFor(t TaskType) string { return subjectPrefix + string(t) }

func (q *NATSQueue) Enqueue(_ context.Context, task Task) error {
	if task.Type == "" {
		return ErrTaskTypeRequired
	}
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	msg := nats.NewMsg(subjectFor(task.Type))
	msg.Header.Set(headerTaskID, task.ID.String())
	msg.Data = body
	return q.nc.PublishMsg(msg)
}

// Worker consumes tasks of one type until ctx is done. Handlers run on a bounded
// pool so the subscription keeps draining while ingestions are in flight; delayed
// tasks wait on timers instead of pool slots.
func (q *NATSQueue) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	pool, err := ants.NewPool(q.concurrency, ants.WithPanicHandler(func(p any) {
		q.log.Error("task panicked", "type", taskType, "panic", fmt.Sprint(p))
	}))
	if err != nil {
		return fmt.Errorf("create worker pool: %w", err)
	}
	defer func() {
		if err := pool.ReleaseTimeout(drainWait); err != nil {
			q.log.Warn("worker pool did not drain", "type", taskType, "error", err)
		}
	}()

	msgs := make(chan *nats.Msg, pendingMsgs)
	sub, err := q.nc.ChanQueueSubscribe(subjectFor(taskType), groupPrefix+string(taskType), msgs)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", taskType, err)
	}
	q.log.Info("worker subscribed", "subject", sub.Subject, "group", sub.Queue, "concurrency", q.concurrency)

	for {
		select {
		case <-ctx.Done():
			return sub.Drain()
		case msg := <-msgs:
			task, ok := q.decode(msg)
			if !ok {
				continue
			}
			if d := time.Until(task.NotBefore); d > 0 {
				time.AfterFunc(d, func() { q.dispatch(ctx, pool, task, handler) })
				continue
			}
			q.dispatch(ctx, pool, task, handler)
		}
	}
}

func (q *NATSQueue) decode(msg *nats.Msg) (Task, bool) {
	var task Task
	if err := json.Unmarshal(msg.Data, &task); err != nil {
		q.log.Error("dropping undecodable task", "subject", msg.Subject, "task_id", msg.Header.Get(headerTaskID), "error", err)
		return Task{}, false
	}
	return task, true
}

// dispatch runs task on the pool. A task that can no longer run here, because the
// worker is stopping, goes back on the subject for another worker.
func (q *NATSQueue) dispatch(ctx context.Context, pool *ants.Pool, task Task, handler Handler) {
	if ctx.Err() == nil {
		err := pool.Submit(func() {
			if err := handler(ctx, task); err != nil {
				q.requeue(ctx, task, err)
			}
		})
		if err == nil {
			return
		}
		q.log.Warn("worker pool rejected task", "task_id", task.ID, "error", err)
	}
	if err := q.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		q.log.Error("task lost on shutdown", "task_id", task.ID, "type", task.Type, "error", err)
	}
}

func (q *NATSQueue) requeue(ctx context.Context, task Task, cause error) {
	log := q.log.With("task_id", task.ID, "type", task.Type, "attempts", task.Attempts+1)
	if !nextAttempt(&task) {
		log.Error("task exhausted its attempts", "error", cause)
		return
	}
	if err := q.Enqueue(ctx, task); err != nil {
		log.Error("task could not be requeued", "error", cause, "enqueue_error", err)
		return
	}
	log.Warn("task requeued", "error", cause, "not_before", task.NotBefore)
}
