// Package domain holds the error taxonomy shared by the ingestion and retrieval packages.
package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation error")
	// ErrTransient marks provider failures worth retrying: rate limits, timeouts,
	// dropped connections and upstream 5xx responses.
	ErrTransient = errors.New("transient provider error")
	// ErrUpstream marks provider failures that will not go away on retry.
	ErrUpstream = errors.New("upstream error")
	// ErrExtraction marks a source file that could not be read or had no text.
	ErrExtraction = errors.New("extraction error")
	ErrNotFound   = errors.New("not found")
)

// StageError is returned by the ingestion pipeline when a stage fails.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
