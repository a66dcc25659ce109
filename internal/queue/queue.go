package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"doc-rag/internal/retry"
)

// TaskType enumerates supported task categories.
type TaskType string

const (
	TaskTypeIngest TaskType = "ingest"
)

// defaultMaxAttempts applies when a task does not set MaxAttempts.
const defaultMaxAttempts = 5

var (
	ErrTaskTypeRequired = errors.New("task type required")
	ErrNoWorker         = errors.New("no worker registered for task type")
)

// Task is a unit of work. Payload is opaque to the queue.
type Task struct {
	ID          uuid.UUID
	Type        TaskType
	Payload     []byte
	Attempts    int
	MaxAttempts int
	NotBefore   time.Time
}

type Handler func(context.Context, Task) error

// Queue delivers each task to one worker registered for its type.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Worker(ctx context.Context, taskType TaskType, handler Handler) error
}

// EnqueueWithRetry publishes task, retrying failed publishes with exponential backoff.
func EnqueueWithRetry(ctx context.Context, q Queue, task Task, attempts int, base time.Duration) error {
	p := retry.Policy{MaxAttempts: attempts, BaseDelay: base}
	return retry.Do(ctx, p, func(ctx context.Context) error {
		return q.Enqueue(ctx, task)
	})
}

// redelivery spaces out handler retries: 2s, 4s, 8s... capped at a minute.
var redelivery = retry.Policy{BaseDelay: time.Second, MaxDelay: time.Minute}

// nextAttempt bumps the attempt counter and reports whether the task may run again.
func nextAttempt(task *Task) bool {
	task.Attempts++
	if task.MaxAttempts == 0 {
		task.MaxAttempts = defaultMaxAttempts
	}
	if task.Attempts >= task.MaxAttempts {
		return false
	}
	task.NotBefore = time.Now().Add(redelivery.Delay(task.Attempts))
	return true
}
