package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisReadyKey   = "recollect:queue:ready"
	redisDelayedKey = "recollect:queue:delayed"
	redisDeadKey    = "recollect:queue:dead"

	redisPollInterval = 250 * time.Millisecond
	redisDeadCap      = 1000
)

// Redis is a Redis-backed queue: a list for ready jobs, a sorted set keyed
// by run-at for delayed/retrying jobs, and a capped list of dead letters.
// Delivery is at-least-once; a worker crash between BRPOP and handler
// completion loses only the in-flight attempt, which the reconciler's
// status sweep recovers.
type Redis struct {
	client  *redis.Client
	logger  *slog.Logger
	workers int

	mu       sync.RWMutex
	handlers map[string]Handler
	started  bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

var _ Queue = (*Redis)(nil)

// NewRedis creates a Redis-backed queue using the given client. The caller
// retains ownership of the client.
func NewRedis(client *redis.Client, logger *slog.Logger, workers int) *Redis {
	if workers <= 0 {
		workers = 4
	}
	return &Redis{
		client:   client,
		logger:   logger.With("component", "queue"),
		workers:  workers,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a job name.
func (q *Redis) Register(name string, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[name] = h
}

// Enqueue submits a job. Delayed jobs go to the sorted set; immediate jobs
// straight onto the ready list.
func (q *Redis) Enqueue(ctx context.Context, name string, payload any, opts Options) error {
	job, err := NewJob(name, payload, opts)
	if err != nil {
		return fmt.Errorf("queue: encode payload for %s: %w", name, err)
	}
	return q.push(ctx, job)
}

func (q *Redis) push(ctx context.Context, job Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: encode job %s: %w", job.ID, err)
	}
	if job.RunAt.After(time.Now()) {
		err = q.client.ZAdd(ctx, redisDelayedKey, redis.Z{
			Score:  float64(job.RunAt.UnixMilli()),
			Member: raw,
		}).Err()
	} else {
		err = q.client.LPush(ctx, redisReadyKey, raw).Err()
	}
	if err != nil {
		return fmt.Errorf("queue: push %s: %w", job.Name, err)
	}
	return nil
}

// Start launches the worker pool and the delayed-job promoter.
func (q *Redis) Start(_ context.Context) error {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return nil
	}
	q.started = true
	q.mu.Unlock()

	workerCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	q.wg.Add(1)
	go q.promoteDelayed(workerCtx)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(workerCtx, i)
	}
	q.logger.Info("redis queue started", "workers", q.workers)
	return nil
}

// Stop cancels the workers and waits for in-flight handlers.
func (q *Redis) Stop(ctx context.Context) error {
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
func (q *Redis) DeadLetters(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = redisDeadCap
	}
	raws, err := q.client.LRange(ctx, redisDeadKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: read dead letters: %w", err)
	}
	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn("undecodable dead letter dropped", "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// promoteDelayed moves due jobs from the sorted set onto the ready list.
func (q *Redis) promoteDelayed(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(redisPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := float64(time.Now().UnixMilli())
		raws, err := q.client.ZRangeByScore(ctx, redisDelayedKey, &redis.ZRangeBy{
			Min: "0", Max: fmt.Sprintf("%f", now), Count: 100,
		}).Result()
		if err != nil {
			q.logger.Warn("delayed promotion failed", "error", err)
			continue
		}
		for _, raw := range raws {
			// Only promote if we actually removed the member; another
			// process may race us for the same job.
			removed, err := q.client.ZRem(ctx, redisDelayedKey, raw).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := q.client.LPush(ctx, redisReadyKey, raw).Err(); err != nil {
				q.logger.Warn("delayed promote push failed", "error", err)
			}
		}
	}
}

func (q *Redis) worker(ctx context.Context, id int) {
	defer q.wg.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := q.client.BRPop(ctx, time.Second, redisReadyKey).Result()
		if err != nil {
			if err == redis.Nil || ctx.Err() != nil {
				continue
			}
			q.logger.Warn("queue pop failed", "worker", id, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if len(res) != 2 {
			continue
		}

		var job Job
		if err := json.Unmarshal([]byte(res[1]), &job); err != nil {
			q.logger.Warn("undecodable job dropped", "worker", id, "error", err)
			continue
		}
		q.deliver(ctx, job)
	}
}

func (q *Redis) deliver(ctx context.Context, job Job) {
	q.mu.RLock()
	h, ok := q.handlers[job.Name]
	q.mu.RUnlock()
	if !ok {
		q.bury(ctx, job, "no handler registered")
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
		q.bury(ctx, job, err.Error())
		return
	}

	job.RunAt = time.Now().Add(Backoff(job.Attempt))
	if err := q.push(ctx, job); err != nil {
		q.logger.Error("retry push failed, burying job", "job", job.Name, "id", job.ID, "error", err)
		q.bury(ctx, job, err.Error())
	}
}

func (q *Redis) bury(ctx context.Context, job Job, reason string) {
	job.LastError = reason
	raw, err := json.Marshal(job)
	if err != nil {
		q.logger.Error("dead letter encode failed", "id", job.ID, "error", err)
		return
	}
	pipe := q.client.Pipeline()
	pipe.LPush(ctx, redisDeadKey, raw)
	pipe.LTrim(ctx, redisDeadKey, 0, redisDeadCap-1)
	if _, err := pipe.Exec(ctx); err != nil {
		q.logger.Error("dead letter write failed", "id", job.ID, "error", err)
	}
}
