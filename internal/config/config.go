// Package config loads daemon configuration from environment variables with
// the RECOLLECT_ prefix, optionally overlaid by a YAML file. Defaults live in
// code; the YAML file is the only place the finer engine tunables can be set,
// and it is the file the hot-reload watcher observes.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recollect-ai/recollect/internal/engine"
)

// Config holds all settings for the recollect daemon.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	LLM     LLMConfig     `yaml:"llm"`
	Queue   QueueConfig   `yaml:"queue"`
	Metrics MetricsConfig `yaml:"metrics"`
	Engine  EngineConfig  `yaml:"engine"`
}

// LogConfig controls the dual-output logger.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: info)
	File  string `yaml:"file"`  // JSON log file path; empty disables the file sink
}

// StorageConfig selects the relational store and, implicitly, the vector
// index living alongside it (postgres -> pgvector, sqlite -> BLOB scan,
// memory -> in-process).
type StorageConfig struct {
	Backend     string `yaml:"backend"`      // postgres, sqlite, memory (default: sqlite)
	SQLitePath  string `yaml:"sqlite_path"`  // default: ./data/recollect.db
	PostgresDSN string `yaml:"postgres_dsn"` // required when backend is postgres
}

// LLMConfig configures the completion/embedding provider.
type LLMConfig struct {
	Provider       string   `yaml:"provider"`        // ollama, openai (default: ollama)
	OllamaURL      string   `yaml:"ollama_url"`      // default: http://localhost:11434
	Model          string   `yaml:"model"`           // completion model
	EmbeddingModel string   `yaml:"embedding_model"` // embedding model
	Dimension      int      `yaml:"dimension"`       // embedding dimensionality (default: 768)
	OpenAIAPIKey   string   `yaml:"openai_api_key"`
	Timeout        Duration `yaml:"timeout"` // per-call timeout (default: 60s)
	RPS            float64  `yaml:"rps"`     // rate limit; zero disables
	Burst          int      `yaml:"burst"`
}

// QueueConfig selects the task queue and lease backend.
type QueueConfig struct {
	Backend       string `yaml:"backend"` // memory, redis (default: memory)
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Workers       int    `yaml:"workers"` // default: 4
	Size          int    `yaml:"size"`    // in-memory queue capacity (default: 1024)
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"` // default: true
	Port    int    `yaml:"port"`    // default: 9091
	Path    string `yaml:"path"`    // default: /metrics
}

// EngineConfig exposes the pipeline tunables. All fields default to the
// engine's production defaults; the threshold fields are hot-reloadable.
type EngineConfig struct {
	ImportanceThreshold   float64  `yaml:"importance_threshold"`
	AttachThreshold       float64  `yaml:"attach_threshold"`
	RecencyWindow         Duration `yaml:"recency_window"`
	ClusterRadius         float64  `yaml:"cluster_radius"`
	MinClusterSize        int      `yaml:"min_cluster_size"`
	OrphanBacklog         int      `yaml:"orphan_backlog"`
	OrphanBurstCount      int      `yaml:"orphan_burst_count"`
	OrphanBurstWindow     Duration `yaml:"orphan_burst_window"`
	ConsolidationInterval Duration `yaml:"consolidation_interval"`
	ConsolidationLeaseTTL Duration `yaml:"consolidation_lease_ttl"`
	ThoughtInterval       Duration `yaml:"thought_interval"`
	ThoughtBurstCount     int      `yaml:"thought_burst_count"`
	MinSharedTags         int      `yaml:"min_shared_tags"`
	ThoughtDupThreshold   float64  `yaml:"thought_dup_threshold"`
	RetrievalLimit        int      `yaml:"retrieval_limit"`
	RetrievalCertainty    float64  `yaml:"retrieval_certainty"`
	StageTimeout          Duration `yaml:"stage_timeout"`
	ReconcileInterval     Duration `yaml:"reconcile_interval"`
	ReconcileBatch        int      `yaml:"reconcile_batch"`
	ChunkMinTokens        int      `yaml:"chunk_min_tokens"`
	ChunkMaxTokens        int      `yaml:"chunk_max_tokens"`
	MaxAttempts           int      `yaml:"max_attempts"`
	CacheSize             int      `yaml:"cache_size"`
	CacheTTL              Duration `yaml:"cache_ttl"`
}

// Duration parses YAML values like "30m" or "24h".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load builds a Config from environment variables, then overlays the YAML
// file at path when one is given. A non-empty path must exist.
func Load(path string) (*Config, error) {
	cfg := buildBaseConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon could not start with. Engine
// tunables are validated separately by the engine itself.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage backend postgres requires a DSN")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage backend sqlite requires a path")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	switch c.Queue.Backend {
	case "memory":
	case "redis":
		if c.Queue.RedisAddr == "" {
			return fmt.Errorf("queue backend redis requires an address")
		}
	default:
		return fmt.Errorf("unknown queue backend %q", c.Queue.Backend)
	}
	if c.LLM.Provider == "openai" && c.LLM.OpenAIAPIKey == "" {
		return fmt.Errorf("llm provider openai requires an API key")
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() (slog.Level, error) {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", c.Log.Level)
	}
}

// EngineConfig maps the config section onto the engine's own Config type.
func (c *Config) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		ImportanceThreshold:   e.ImportanceThreshold,
		AttachThreshold:       e.AttachThreshold,
		RecencyWindow:         e.RecencyWindow.Std(),
		ClusterRadius:         e.ClusterRadius,
		MinClusterSize:        e.MinClusterSize,
		OrphanBacklog:         e.OrphanBacklog,
		OrphanBurstCount:      e.OrphanBurstCount,
		OrphanBurstWindow:     e.OrphanBurstWindow.Std(),
		ConsolidationInterval: e.ConsolidationInterval.Std(),
		ConsolidationLeaseTTL: e.ConsolidationLeaseTTL.Std(),
		ThoughtInterval:       e.ThoughtInterval.Std(),
		ThoughtBurstCount:     e.ThoughtBurstCount,
		MinSharedTags:         e.MinSharedTags,
		ThoughtDupThreshold:   e.ThoughtDupThreshold,
		RetrievalLimit:        e.RetrievalLimit,
		RetrievalCertainty:    e.RetrievalCertainty,
		StageTimeout:          e.StageTimeout.Std(),
		ReconcileInterval:     e.ReconcileInterval.Std(),
		ReconcileBatch:        e.ReconcileBatch,
		ChunkMinTokens:        e.ChunkMinTokens,
		ChunkMaxTokens:        e.ChunkMaxTokens,
		MaxAttempts:           e.MaxAttempts,
		CacheSize:             e.CacheSize,
		CacheTTL:              e.CacheTTL.Std(),
	}
}

// Tunables extracts the hot-reloadable thresholds.
func (c *Config) Tunables() engine.Tunables {
	return engine.Tunables{
		ImportanceThreshold: c.Engine.ImportanceThreshold,
		AttachThreshold:     c.Engine.AttachThreshold,
		ClusterRadius:       c.Engine.ClusterRadius,
		RetrievalCertainty:  c.Engine.RetrievalCertainty,
	}
}

// buildBaseConfig constructs a Config from environment variables and
// defaults. The engine section starts from the engine's production defaults;
// only the headline thresholds have environment overrides, everything else
// is YAML-only.
func buildBaseConfig() *Config {
	ecfg := engine.DefaultConfig()
	return &Config{
		Log: LogConfig{
			Level: getEnv("RECOLLECT_LOG_LEVEL", "info"),
			File:  getEnv("RECOLLECT_LOG_FILE", ""),
		},
		Storage: StorageConfig{
			Backend:     getEnv("RECOLLECT_STORAGE_BACKEND", "sqlite"),
			SQLitePath:  getEnv("RECOLLECT_SQLITE_PATH", "./data/recollect.db"),
			PostgresDSN: getEnv("RECOLLECT_POSTGRES_DSN", ""),
		},
		LLM: LLMConfig{
			Provider:       getEnv("RECOLLECT_LLM_PROVIDER", "ollama"),
			OllamaURL:      getEnv("RECOLLECT_OLLAMA_URL", "http://localhost:11434"),
			Model:          getEnv("RECOLLECT_LLM_MODEL", "qwen2.5:7b"),
			EmbeddingModel: getEnv("RECOLLECT_EMBEDDING_MODEL", "nomic-embed-text"),
			Dimension:      getEnvInt("RECOLLECT_EMBEDDING_DIMENSION", 768),
			OpenAIAPIKey:   getEnv("RECOLLECT_OPENAI_API_KEY", ""),
			Timeout:        getEnvDuration("RECOLLECT_LLM_TIMEOUT", 60*time.Second),
			RPS:            getEnvFloat("RECOLLECT_LLM_RPS", 0),
			Burst:          getEnvInt("RECOLLECT_LLM_BURST", 1),
		},
		Queue: QueueConfig{
			Backend:       getEnv("RECOLLECT_QUEUE_BACKEND", "memory"),
			RedisAddr:     getEnv("RECOLLECT_REDIS_ADDR", ""),
			RedisPassword: getEnv("RECOLLECT_REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("RECOLLECT_REDIS_DB", 0),
			Workers:       getEnvInt("RECOLLECT_QUEUE_WORKERS", 4),
			Size:          getEnvInt("RECOLLECT_QUEUE_SIZE", 1024),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("RECOLLECT_METRICS_ENABLED", true),
			Port:    getEnvInt("RECOLLECT_METRICS_PORT", 9091),
			Path:    getEnv("RECOLLECT_METRICS_PATH", "/metrics"),
		},
		Engine: EngineConfig{
			ImportanceThreshold:   getEnvFloat("RECOLLECT_IMPORTANCE_THRESHOLD", ecfg.ImportanceThreshold),
			AttachThreshold:       getEnvFloat("RECOLLECT_ATTACH_THRESHOLD", ecfg.AttachThreshold),
			RecencyWindow:         Duration(ecfg.RecencyWindow),
			ClusterRadius:         getEnvFloat("RECOLLECT_CLUSTER_RADIUS", ecfg.ClusterRadius),
			MinClusterSize:        ecfg.MinClusterSize,
			OrphanBacklog:         ecfg.OrphanBacklog,
			OrphanBurstCount:      ecfg.OrphanBurstCount,
			OrphanBurstWindow:     Duration(ecfg.OrphanBurstWindow),
			ConsolidationInterval: getEnvDuration("RECOLLECT_CONSOLIDATION_INTERVAL", ecfg.ConsolidationInterval),
			ConsolidationLeaseTTL: Duration(ecfg.ConsolidationLeaseTTL),
			ThoughtInterval:       getEnvDuration("RECOLLECT_THOUGHT_INTERVAL", ecfg.ThoughtInterval),
			ThoughtBurstCount:     ecfg.ThoughtBurstCount,
			MinSharedTags:         ecfg.MinSharedTags,
			ThoughtDupThreshold:   ecfg.ThoughtDupThreshold,
			RetrievalLimit:        ecfg.RetrievalLimit,
			RetrievalCertainty:    getEnvFloat("RECOLLECT_RETRIEVAL_CERTAINTY", ecfg.RetrievalCertainty),
			StageTimeout:          Duration(ecfg.StageTimeout),
			ReconcileInterval:     Duration(ecfg.ReconcileInterval),
			ReconcileBatch:        ecfg.ReconcileBatch,
			ChunkMinTokens:        ecfg.ChunkMinTokens,
			ChunkMaxTokens:        ecfg.ChunkMaxTokens,
			MaxAttempts:           ecfg.MaxAttempts,
			CacheSize:             ecfg.CacheSize,
			CacheTTL:              Duration(ecfg.CacheTTL),
		},
	}
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value when unset or unparseable.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value when unset or unparseable.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool recognizes "true", "1", "yes" and "false", "0", "no"
// (case-insensitive); anything else falls back to the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("90s", "15m") or
// returns a default value when unset or unparseable.
func getEnvDuration(key string, defaultValue time.Duration) Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return Duration(d)
		}
	}
	return Duration(defaultValue)
}
