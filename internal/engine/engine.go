// Package engine implements the memory pipeline: importance-filtered
// ingestion, episode attachment, orphan consolidation, thought synthesis,
// and tiered retrieval. Write-side work flows through an at-least-once task
// queue; retrieval is a synchronous read-only path.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/recollect-ai/recollect/internal/chunker"
	"github.com/recollect-ai/recollect/internal/importance"
	"github.com/recollect-ai/recollect/internal/index"
	"github.com/recollect-ai/recollect/internal/lease"
	"github.com/recollect-ai/recollect/internal/llm"
	"github.com/recollect-ai/recollect/internal/metrics"
	"github.com/recollect-ai/recollect/internal/queue"
	"github.com/recollect-ai/recollect/internal/storage"
)

// Queue job names.
const (
	jobAttach      = "chunk.attach"
	jobSummarize   = "episode.summarize"
	jobConsolidate = "user.consolidate"
	jobThoughts    = "user.thoughts"
)

// Config holds the engine's tunable thresholds and intervals.
type Config struct {
	// ImportanceThreshold drops events scoring below it (unless forced).
	ImportanceThreshold float64

	// AttachThreshold is the minimum cosine similarity between a chunk and
	// an episode centroid for attachment.
	AttachThreshold float64

	// RecencyWindow bounds the open-episode candidate set during
	// attachment. Zero considers all open episodes.
	RecencyWindow time.Duration

	// ClusterRadius is the minimum pairwise similarity for two orphans to
	// share a consolidation cluster.
	ClusterRadius float64

	// MinClusterSize discards smaller clusters during consolidation.
	MinClusterSize int

	// OrphanBacklog and the burst pair decide when an orphan build-up
	// triggers consolidation without waiting for the timer.
	OrphanBacklog     int
	OrphanBurstCount  int
	OrphanBurstWindow time.Duration

	// ConsolidationInterval is the periodic sweep cadence; LeaseTTL bounds
	// how long one run may hold a user's consolidation lease.
	ConsolidationInterval time.Duration
	ConsolidationLeaseTTL time.Duration

	// ThoughtInterval is the synthesis schedule; ThoughtBurstCount episode
	// updates within 24h trigger an early run for a user.
	ThoughtInterval   time.Duration
	ThoughtBurstCount int

	// MinSharedTags is the minimum tag overlap for episodes to seed a
	// thought; ThoughtDupThreshold is the similarity above which a new
	// thought is folded into an existing one.
	MinSharedTags       int
	ThoughtDupThreshold float64

	// Retrieval defaults, overridable per query.
	RetrievalLimit     int
	RetrievalCertainty float64
	StageTimeout       time.Duration

	// Reconciler sweep cadence and batch size.
	ReconcileInterval time.Duration
	ReconcileBatch    int

	// Chunker bounds, in estimated tokens.
	ChunkMinTokens int
	ChunkMaxTokens int

	// MaxAttempts bounds queue job retries.
	MaxAttempts int

	// Evaluator cache sizing.
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ImportanceThreshold:   0.35,
		AttachThreshold:       0.82,
		RecencyWindow:         30 * 24 * time.Hour,
		ClusterRadius:         0.80,
		MinClusterSize:        2,
		OrphanBacklog:         200,
		OrphanBurstCount:      3,
		OrphanBurstWindow:     10 * time.Minute,
		ConsolidationInterval: 15 * time.Minute,
		ConsolidationLeaseTTL: 5 * time.Minute,
		ThoughtInterval:       24 * time.Hour,
		ThoughtBurstCount:     10,
		MinSharedTags:         2,
		ThoughtDupThreshold:   0.95,
		RetrievalLimit:        10,
		RetrievalCertainty:    0.70,
		StageTimeout:          2 * time.Second,
		ReconcileInterval:     time.Minute,
		ReconcileBatch:        100,
		ChunkMinTokens:        32,
		ChunkMaxTokens:        512,
		MaxAttempts:           3,
		CacheSize:             4096,
		CacheTTL:              15 * time.Minute,
	}
}

// Validate rejects configurations that would stall or corrupt the pipeline.
func (c Config) Validate() error {
	if c.AttachThreshold <= 0 || c.AttachThreshold > 1 {
		return fmt.Errorf("attach threshold must be in (0,1], got %v", c.AttachThreshold)
	}
	if c.ImportanceThreshold < 0 || c.ImportanceThreshold > 1 {
		return fmt.Errorf("importance threshold must be in [0,1], got %v", c.ImportanceThreshold)
	}
	if c.ClusterRadius <= 0 || c.ClusterRadius > 1 {
		return fmt.Errorf("cluster radius must be in (0,1], got %v", c.ClusterRadius)
	}
	if c.MinClusterSize < 2 {
		return fmt.Errorf("min cluster size must be at least 2, got %d", c.MinClusterSize)
	}
	if c.ChunkMaxTokens <= 0 {
		return fmt.Errorf("chunk max tokens must be positive, got %d", c.ChunkMaxTokens)
	}
	return nil
}

// Tunables are the thresholds safe to adjust while the engine is running.
// Everything else in Config is fixed at construction.
type Tunables struct {
	ImportanceThreshold float64
	AttachThreshold     float64
	ClusterRadius       float64
	RetrievalCertainty  float64
}

// Deps are the engine's external collaborators.
type Deps struct {
	Store    storage.Store
	Index    index.Index
	Queue    queue.Queue
	Provider llm.Provider
	Lessor   lease.Lessor

	// Optional. Defaults: backlog-based tracker, no-op metrics, slog default.
	Orphans OrphanTracker
	Metrics *metrics.Manager
	Logger  *slog.Logger
}

// Engine orchestrates the memory pipeline.
type Engine struct {
	cfg      Config
	store    storage.Store
	index    index.Index
	queue    queue.Queue
	provider llm.Provider
	lessor   lease.Lessor
	orphans  OrphanTracker
	metrics  *metrics.Manager
	logger   *slog.Logger

	evaluator *importance.Evaluator
	chunker   *chunker.Chunker
	tunables  atomic.Pointer[Tunables]

	episodeLocks *keyMutex

	mu      sync.Mutex
	users   map[string]struct{}
	started bool

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// New builds an engine. Start must be called before use.
func New(cfg Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Store == nil || deps.Index == nil || deps.Queue == nil || deps.Provider == nil || deps.Lessor == nil {
		return nil, fmt.Errorf("store, index, queue, provider and lessor are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "engine")
	m := deps.Metrics
	if m == nil {
		m = metrics.NoOp()
	}
	orphans := deps.Orphans
	if orphans == nil {
		orphans = NewOrphanCounter(cfg.OrphanBacklog, cfg.OrphanBurstCount, cfg.OrphanBurstWindow)
	}

	e := &Engine{
		cfg:          cfg,
		store:        deps.Store,
		index:        deps.Index,
		queue:        deps.Queue,
		provider:     deps.Provider,
		lessor:       deps.Lessor,
		orphans:      orphans,
		metrics:      m,
		logger:       logger,
		evaluator:    importance.NewEvaluator(deps.Provider, logger, cfg.CacheSize, cfg.CacheTTL),
		chunker:      chunker.New(cfg.ChunkMinTokens, cfg.ChunkMaxTokens),
		episodeLocks: newKeyMutex(),
		users:        make(map[string]struct{}),
	}

	e.tunables.Store(&Tunables{
		ImportanceThreshold: cfg.ImportanceThreshold,
		AttachThreshold:     cfg.AttachThreshold,
		ClusterRadius:       cfg.ClusterRadius,
		RetrievalCertainty:  cfg.RetrievalCertainty,
	})

	e.queue.Register(jobAttach, e.handleAttach)
	e.queue.Register(jobSummarize, e.handleSummarize)
	e.queue.Register(jobConsolidate, e.handleConsolidate)
	e.queue.Register(jobThoughts, e.handleThoughts)

	return e, nil
}

// Start declares vector classes, launches the queue workers and background
// timers, and runs one reconciliation sweep to pick up parked work.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true
	e.mu.Unlock()

	dim := e.provider.Dimension()
	for _, class := range []string{index.ClassChunk, index.ClassEpisode, index.ClassThought} {
		if err := e.index.EnsureClass(ctx, index.Class{Name: class, Dimension: dim}); err != nil {
			return fmt.Errorf("ensure class %s: %w", class, err)
		}
	}

	if err := e.queue.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	e.runCtx, e.runCancel = context.WithCancel(context.Background())

	if err := e.Reconcile(ctx); err != nil {
		e.logger.Warn("startup reconciliation failed", "error", err)
	}

	e.startTimer(e.cfg.ReconcileInterval, func(ctx context.Context) {
		if err := e.Reconcile(ctx); err != nil {
			e.logger.Warn("reconciliation sweep failed", "error", err)
		}
	})
	e.startTimer(e.cfg.ConsolidationInterval, e.sweepConsolidation)
	e.startTimer(e.cfg.ThoughtInterval, e.sweepThoughts)

	e.logger.Info("engine started",
		"dimension", dim,
		"attach_threshold", e.attachThreshold(),
		"importance_threshold", e.importanceThreshold())
	return nil
}

// Stop halts timers and drains the queue workers.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	e.runCancel()
	e.wg.Wait()
	if err := e.queue.Stop(ctx); err != nil {
		return fmt.Errorf("stop queue: %w", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

// Boost requests an immediate consolidation run for a user, e.g. after a
// bulk upload completes.
func (e *Engine) Boost(ctx context.Context, userID string) error {
	return e.queue.Enqueue(ctx, jobConsolidate, consolidatePayload{UserID: userID},
		queue.Options{MaxAttempts: e.cfg.MaxAttempts})
}

func (e *Engine) startTimer(interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-e.runCtx.Done():
				return
			case <-ticker.C:
				fn(e.runCtx)
			}
		}
	}()
}

// sweepConsolidation enqueues a consolidation pass for every user seen this
// process lifetime. The per-user lease keeps overlapping sweeps single-flight.
func (e *Engine) sweepConsolidation(ctx context.Context) {
	for _, userID := range e.knownUsers() {
		if err := e.queue.Enqueue(ctx, jobConsolidate, consolidatePayload{UserID: userID},
			queue.Options{MaxAttempts: 1}); err != nil {
			e.logger.Warn("consolidation sweep enqueue failed", "user_id", userID, "error", err)
		}
	}
}

func (e *Engine) sweepThoughts(ctx context.Context) {
	for _, userID := range e.knownUsers() {
		if err := e.queue.Enqueue(ctx, jobThoughts, thoughtsPayload{UserID: userID},
			queue.Options{MaxAttempts: 1}); err != nil {
			e.logger.Warn("thought sweep enqueue failed", "user_id", userID, "error", err)
		}
	}
}

func (e *Engine) noteUser(userID string) {
	e.mu.Lock()
	e.users[userID] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) knownUsers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.users))
	for id := range e.users {
		out = append(out, id)
	}
	return out
}

// ApplyTunables swaps the runtime thresholds, typically from a config file
// reload. In-flight handlers finish with the values they already read.
func (e *Engine) ApplyTunables(t Tunables) error {
	if t.AttachThreshold <= 0 || t.AttachThreshold > 1 {
		return fmt.Errorf("attach threshold must be in (0,1], got %v", t.AttachThreshold)
	}
	if t.ImportanceThreshold < 0 || t.ImportanceThreshold > 1 {
		return fmt.Errorf("importance threshold must be in [0,1], got %v", t.ImportanceThreshold)
	}
	if t.ClusterRadius <= 0 || t.ClusterRadius > 1 {
		return fmt.Errorf("cluster radius must be in (0,1], got %v", t.ClusterRadius)
	}
	if t.RetrievalCertainty < 0 || t.RetrievalCertainty > 1 {
		return fmt.Errorf("retrieval certainty must be in [0,1], got %v", t.RetrievalCertainty)
	}
	e.tunables.Store(&t)
	e.logger.Info("tunables applied",
		"importance_threshold", t.ImportanceThreshold,
		"attach_threshold", t.AttachThreshold,
		"cluster_radius", t.ClusterRadius,
		"retrieval_certainty", t.RetrievalCertainty)
	return nil
}

func (e *Engine) importanceThreshold() float64 { return e.tunables.Load().ImportanceThreshold }
func (e *Engine) attachThreshold() float64     { return e.tunables.Load().AttachThreshold }
func (e *Engine) clusterRadius() float64       { return e.tunables.Load().ClusterRadius }
func (e *Engine) retrievalCertainty() float64  { return e.tunables.Load().RetrievalCertainty }

// maybeTriggerThoughts enqueues an early synthesis run when a user's episode
// churn crosses the burst threshold.
func (e *Engine) maybeTriggerThoughts(ctx context.Context, userID string) {
	if e.cfg.ThoughtBurstCount <= 0 {
		return
	}
	count, err := e.store.CountEpisodesUpdatedSince(ctx, userID, time.Now().Add(-24*time.Hour))
	if err != nil {
		e.logger.Warn("episode churn count failed", "user_id", userID, "error", err)
		return
	}
	if count < e.cfg.ThoughtBurstCount {
		return
	}
	if err := e.queue.Enqueue(ctx, jobThoughts, thoughtsPayload{UserID: userID},
		queue.Options{MaxAttempts: 1}); err != nil {
		e.logger.Warn("thought burst enqueue failed", "user_id", userID, "error", err)
	}
}
