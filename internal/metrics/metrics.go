// Package metrics provides Prometheus instrumentation for the memory engine.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the Prometheus registry and every engine metric.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	// Ingestion
	eventsIngested *prometheus.CounterVec
	eventsFiltered prometheus.Counter
	chunksByStatus *prometheus.CounterVec
	embedBatchSize prometheus.Histogram

	// Organization
	attachments       *prometheus.CounterVec
	orphansMarked     prometheus.Counter
	consolidationRuns *prometheus.CounterVec
	thoughtsCreated   prometheus.Counter

	// Retrieval
	retrievalDuration *prometheus.HistogramVec
	retrievalErrors   *prometheus.CounterVec
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool
	Port    int
	Path    string

	RetrievalBuckets []float64
}

// DefaultConfig returns default metrics configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Port:             9091,
		Path:             "/metrics",
		RetrievalBuckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}
}

// NewManager creates a metrics manager. A disabled manager records nothing
// and serves 404 on its handler.
func NewManager(cfg Config) *Manager {
	if !cfg.Enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
	}

	m.eventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recollect_events_ingested_total",
		Help: "Raw events accepted for processing.",
	}, []string{"content_type"})
	m.eventsFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recollect_events_filtered_total",
		Help: "Events dropped below the importance threshold.",
	})
	m.chunksByStatus = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recollect_chunk_transitions_total",
		Help: "Chunk status transitions by target status.",
	}, []string{"status"})
	m.embedBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "recollect_embed_batch_size",
		Help:    "Number of texts per embedding batch.",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64},
	})
	m.attachments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recollect_attachments_total",
		Help: "Chunk attachment outcomes.",
	}, []string{"outcome"})
	m.orphansMarked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recollect_orphans_marked_total",
		Help: "Chunks marked orphaned after failed attachment.",
	})
	m.consolidationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recollect_consolidation_runs_total",
		Help: "Consolidation runs by result.",
	}, []string{"result"})
	m.thoughtsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recollect_thoughts_created_total",
		Help: "Thoughts synthesized from episode groups.",
	})
	m.retrievalDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "recollect_retrieval_stage_seconds",
		Help:    "Per-stage retrieval latency.",
		Buckets: cfg.RetrievalBuckets,
	}, []string{"stage"})
	m.retrievalErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "recollect_retrieval_stage_errors_total",
		Help: "Retrieval stages skipped due to errors.",
	}, []string{"stage"})

	registry.MustRegister(
		m.eventsIngested, m.eventsFiltered, m.chunksByStatus, m.embedBatchSize,
		m.attachments, m.orphansMarked, m.consolidationRuns, m.thoughtsCreated,
		m.retrievalDuration, m.retrievalErrors,
	)
	return m
}

// NoOp returns a disabled manager for tests and minimal deployments.
func NoOp() *Manager {
	return &Manager{enabled: false}
}

// Enabled reports whether metrics collection is on.
func (m *Manager) Enabled() bool { return m.enabled }

// EventIngested records an accepted event.
func (m *Manager) EventIngested(contentType string) {
	if m.enabled {
		m.eventsIngested.WithLabelValues(contentType).Inc()
	}
}

// EventFiltered records an event dropped by the importance filter.
func (m *Manager) EventFiltered() {
	if m.enabled {
		m.eventsFiltered.Inc()
	}
}

// ChunkTransition records a chunk entering a status.
func (m *Manager) ChunkTransition(status string) {
	if m.enabled {
		m.chunksByStatus.WithLabelValues(status).Inc()
	}
}

// EmbedBatch records the size of an embedding batch.
func (m *Manager) EmbedBatch(n int) {
	if m.enabled {
		m.embedBatchSize.Observe(float64(n))
	}
}

// Attachment records an attachment outcome: "attached" or "orphaned".
func (m *Manager) Attachment(outcome string) {
	if m.enabled {
		m.attachments.WithLabelValues(outcome).Inc()
	}
}

// OrphanMarked records a newly orphaned chunk.
func (m *Manager) OrphanMarked() {
	if m.enabled {
		m.orphansMarked.Inc()
	}
}

// ConsolidationRun records a run result: "merged", "created", "skipped",
// "error".
func (m *Manager) ConsolidationRun(result string) {
	if m.enabled {
		m.consolidationRuns.WithLabelValues(result).Inc()
	}
}

// ThoughtCreated records a newly synthesized thought.
func (m *Manager) ThoughtCreated() {
	if m.enabled {
		m.thoughtsCreated.Inc()
	}
}

// RetrievalStage records a stage's latency.
func (m *Manager) RetrievalStage(stage string, d time.Duration) {
	if m.enabled {
		m.retrievalDuration.WithLabelValues(stage).Observe(d.Seconds())
	}
}

// RetrievalError records a skipped retrieval stage.
func (m *Manager) RetrievalError(stage string) {
	if m.enabled {
		m.retrievalErrors.WithLabelValues(stage).Inc()
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves the metrics endpoint until ctx is cancelled.
func (m *Manager) StartServer(ctx context.Context, port int, path string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return server.ListenAndServe()
}
