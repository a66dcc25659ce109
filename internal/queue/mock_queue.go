package queue

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockQueue records enqueued tasks through testify/mock.
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, task Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *MockQueue) Worker(ctx context.Context, taskType TaskType, handler Handler) error {
	return m.Called(ctx, taskType, handler).Error(0)
}

// EnqueuedTasks returns every task passed to Enqueue, in call order.
func (m *MockQueue) EnqueuedTasks() []Task {
	var tasks []Task
	for _, call := range m.Calls {
		if call.Method == "Enqueue" {
			tasks = append(tasks, call.Arguments.Get(1).(Task))
		}
	}
	return tasks
}
