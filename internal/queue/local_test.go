package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocal(t *testing.T) *LocalQueue {
	t.Helper()
	q, err := NewLocal(slog.New(slog.NewTextHandler(io.Discard, nil)), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close(time.Second) })
	return q
}

// startWorker registers handler and waits until Enqueue can see it.
func startWorker(t *testing.T, q *LocalQueue, handler Handler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = q.Worker(ctx, TaskTypeIngest, handler) }()
	require.Eventually(t, func() bool {
		q.mu.RLock()
		defer q.mu.RUnlock()
		_, ok := q.handlers[TaskTypeIngest]
		return ok
	}, time.Second, 5*time.Millisecond)
	t.Cleanup(cancel)
	return cancel
}

func TestLocalQueue_Enqueue(t *testing.T) {
	tests := []struct {
		name       string
		task       Task
		withWorker bool
		wantErr    error
	}{
		{name: "missing type", task: Task{}, withWorker: true, wantErr: ErrTaskTypeRequired},
		{name: "no worker", task: Task{Type: TaskTypeIngest}, wantErr: ErrNoWorker},
		{name: "delivered", task: Task{Type: TaskTypeIngest, Payload: []byte(`{}`)}, withWorker: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := newTestLocal(t)
			got := make(chan Task, 1)
			if tt.withWorker {
				startWorker(t, q, func(_ context.Context, task Task) error {
					got <- task
					return nil
				})
			}

			err := q.Enqueue(context.Background(), tt.task)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)

			select {
			case task := <-got:
				assert.Equal(t, tt.task.Payload, task.Payload)
				assert.NotEqual(t, "00000000-0000-0000-0000-000000000000", task.ID.String())
			case <-time.After(time.Second):
				t.Fatal("task was not delivered")
			}
		})
	}
}

func TestLocalQueue_RetriesFailedTask(t *testing.T) {
	q := newTestLocal(t)
	var calls atomic.Int32
	done := make(chan struct{})
	startWorker(t, q, func(_ context.Context, task Task) error {
		if calls.Add(1) == 1 {
			return errors.New("boom")
		}
		close(done)
		return nil
	})

	// MaxAttempts 2 with the first retry delayed by 2s.
	require.NoError(t, q.Enqueue(context.Background(), Task{Type: TaskTypeIngest, MaxAttempts: 2}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not retried")
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestLocalQueue_GivesUpAfterMaxAttempts(t *testing.T) {
	q := newTestLocal(t)
	var calls atomic.Int32
	startWorker(t, q, func(_ context.Context, task Task) error {
		calls.Add(1)
		return errors.New("boom")
	})

	require.NoError(t, q.Enqueue(context.Background(), Task{Type: TaskTypeIngest, MaxAttempts: 1}))
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEnqueueWithRetry(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(*MockQueue)
		attempts  int
		wantErr   bool
	}{
		{
			name: "succeeds after a failure",
			setupMock: func(m *MockQueue) {
				m.On("Enqueue", context.Background(), Task{Type: TaskTypeIngest}).Return(errors.New("down")).Once()
				m.On("Enqueue", context.Background(), Task{Type: TaskTypeIngest}).Return(nil).Once()
			},
			attempts: 3,
		},
		{
			name: "exhausts attempts",
			setupMock: func(m *MockQueue) {
				m.On("Enqueue", context.Background(), Task{Type: TaskTypeIngest}).Return(errors.New("down")).Times(2)
			},
			attempts: 2,
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := new(MockQueue)
			tt.setupMock(m)

			err := EnqueueWithRetry(context.Background(), m, Task{Type: TaskTypeIngest}, tt.attempts, time.Millisecond)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			m.AssertExpectations(t)
		})
	}
}
