package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Memory is a channel-based in-process queue with a fixed worker pool.
// Jobs are lost on process exit; durable state (chunk statuses) is what the
// reconciler uses to recover, so this is acceptable for single-process use
// and for tests.
type Memory struct {
	logger  *slog.Logger
	size    int
	workers int

	mu       sync.RWMutex
	handlers map[string]Handler
	dead     []Job
	started  bool

	jobs   chan Job
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

var _ Queue = (*Memory)(nil)

// NewMemory creates an in-process queue with the given buffer size and
// worker count.
func NewMemory(logger *slog.Logger, size, workers int) *Memory {
	if size <= 0 {
		size = 256
	}
	if workers <= 0 {
		workers = 4
	}
	return &Memory{
		logger:   logger.With("component", "queue"),
		size:     size,
		workers:  workers,
		handlers: make(map[string]Handler),
		jobs:     make(chan Job, size),
	}
}

// Register binds a handler to a job name.
func (q *Memory) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Enqueue submits a job without blocking; a full buffer returns ErrQueueFull.
func (q *Memory) Enqueue(_ context.Context, name string, payload any, opts Options) error {
	job, err := NewJob(name, payload, opts)
	if err != nil {
		return fmt.Errorf("queue: encode payload for %s: %w", name, err)
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, name)
	}
}

// Start launches the worker pool.
func (q *Memory) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	// Workers get their own context so request-scoped cancellation of the
	// caller's ctx does not tear down the pool.
	workerCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(workerCtx, i)
	}
	q.logger.Info("queue started", "workers", q.workers, "buffer", q.size)
	return nil
}

// Stop signals the workers and waits for them to finish. The job channel is
// never closed so late Enqueue calls stay safe; buffered jobs that were not
// picked up are recovered through chunk statuses by the reconciler.
func (q *Memory) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = false
	q.mu.Unlock()

	q.cancel()
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeadLetters returns exhausted jobs, newest first.
func (q *Memory) DeadLetters(_ context.Context, limit int) ([]Job, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if limit <= 0 || limit > len(q.dead) {
		limit = len(q.dead)
	}
	out := make([]Job, 0, limit)
	for i := len(q.dead) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, q.dead[i])
	}
	return out, nil
}

func (q *Memory) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobs:
			if wait := time.Until(job.RunAt); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return
				}
			}
			q.deliver(ctx, id, job)
		}
	}
}

func (q *Memory) deliver(ctx context.Context, workerID int, job Job) {
	q.mu.RLock()
	h, ok := q.handlers[job.Name]
	q.mu.RUnlock()
	if !ok {
		q.bury(job, "no handler registered")
		return
	}

	job.Attempt++
	err := h(ctx, job.Payload)
	if err == nil {
		return
	}

	job.LastError = err.Error()
	if job.Attempt >= job.MaxAttempts {
		q.logger.Warn("job exhausted retries",
			"job", job.Name, "id", job.ID, "attempts", job.Attempt, "error", err)
		q.bury(job, err.Error())
		return
	}

	job.RunAt = time.Now().Add(Backoff(job.Attempt))
	q.logger.Debug("job retry scheduled",
		"job", job.Name, "id", job.ID, "attempt", job.Attempt, "worker", workerID)
	select {
	case q.jobs <- job:
	default:
		q.bury(job, "queue full on requeue")
	}
}

func (q *Memory) bury(job Job, reason string) {
	job.LastError = reason
	q.mu.Lock()
	q.dead = append(q.dead, job)
	q.mu.Unlock()
}
