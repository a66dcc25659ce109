package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond

	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{0, 100 * time.Millisecond},  // base * 2^0 = 100ms
		{1, 200 * time.Millisecond},  // base * 2^1 = 200ms
		{2, 400 * time.Millisecond},  // base * 2^2 = 400ms
		{3, 800 * time.Millisecond},  // base * 2^3 = 800ms
		{4, 1600 * time.Millisecond}, // base * 2^4 = 1600ms
	}

	for _, tt := range tests {
		result := ExponentialBackoff(tt.attempt, base)
		if result != tt.expected {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, result, tt.expected)
		}
	}
}

func TestPolicyDelayIsCapped(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, 2*time.Second, p.Delay(0))
	assert.Equal(t, 4*time.Second, p.Delay(1))
	assert.Equal(t, 8*time.Second, p.Delay(2))
	assert.Equal(t, 10*time.Second, p.Delay(3))
	assert.Equal(t, 10*time.Second, p.Delay(40))
}

func TestDo(t *testing.T) {
	errBoom := errors.New("boom")
	errFatal := errors.New("fatal")
	fast := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond,
		Retryable: func(err error) bool { return !errors.Is(err, errFatal) }}

	tests := []struct {
		name      string
		failures  []error
		wantErr   error
		wantCalls int
	}{
		{name: "first try succeeds", wantCalls: 1},
		{name: "recovers after transient failures", failures: []error{errBoom, errBoom}, wantCalls: 3},
		{name: "exhausts attempts and returns last error", failures: []error{errBoom, errBoom, errBoom, errBoom}, wantErr: errBoom, wantCalls: 3},
		{name: "non-retryable error stops immediately", failures: []error{errFatal}, wantErr: errFatal, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), fast, func(context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})
			assert.ErrorIs(t, err, tt.wantErr)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestDoStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, BaseDelay: time.Hour}
	calls := 0
	err := Do(ctx, p, func(context.Context) error {
		calls++
		cancel()
		return errors.New("unavailable")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
