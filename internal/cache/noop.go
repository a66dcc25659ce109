package cache

import (
	"context"
	"time"
)

// Nop never stores anything; every lookup misses.
type Nop struct{}

func (Nop) GetContext(context.Context, string) (*ContextResult, error) { return nil, nil }

func (Nop) SetContext(context.Context, string, string, *ContextResult, time.Duration) error {
	return nil
}

func (Nop) InvalidateDocument(context.Context, string) error { return nil }

func (Nop) Close() error { return nil }
