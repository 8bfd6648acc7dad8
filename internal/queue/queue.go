// Package queue provides at-least-once asynchronous job delivery for the
// memory pipeline. Handlers are registered per job name; failed jobs are
// retried with bounded exponential backoff and moved to a dead-letter state
// once attempts are exhausted.
//
// Two implementations exist: Memory (channel-based worker pool, for tests
// and single-process deployments) and Redis (list + delayed zset, for
// multi-process deployments).
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrQueueFull is returned by Enqueue when the backend cannot accept more
// work. Callers in the ingestion path absorb and log it.
var ErrQueueFull = errors.New("queue full")

// Handler processes one job payload. Returning an error schedules a retry;
// handlers must be idempotent because delivery is at-least-once.
type Handler func(ctx context.Context, payload []byte) error

// Job is the envelope carried through a queue backend.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
}

// Options tune a single enqueue.
type Options struct {
	// Delay postpones the first delivery attempt.
	Delay time.Duration

	// MaxAttempts bounds total delivery attempts (default 3).
	MaxAttempts int
}

// Queue is the task-queue surface used by the engine.
type Queue interface {
	// Enqueue submits a job. The payload is JSON-encoded.
	Enqueue(ctx context.Context, name string, payload any, opts Options) error

	// Register binds a handler to a job name. Must be called before Start.
	Register(name string, h Handler)

	// Start launches the worker pool.
	Start(ctx context.Context) error

	// Stop drains in-flight work and shuts the workers down.
	Stop(ctx context.Context) error

	// DeadLetters returns jobs that exhausted their attempts, newest first,
	// for manual or batch reconciliation.
	DeadLetters(ctx context.Context, limit int) ([]Job, error)
}

// NewJob builds a job envelope with defaults applied.
func NewJob(name string, payload any, opts Options) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	now := time.Now()
	return Job{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     raw,
		Attempt:     0,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		RunAt:       now.Add(opts.Delay),
	}, nil
}

// Backoff returns the retry delay before the given attempt (1-based):
// 100ms, 400ms, 900ms and so on, capped at 30s.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(attempt*attempt) * 100 * time.Millisecond
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	return d
}
