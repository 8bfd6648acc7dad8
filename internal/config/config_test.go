package config

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/recollect-ai/recollect/internal/engine"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "./data/recollect.db", cfg.Storage.SQLitePath)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
	assert.Equal(t, 768, cfg.LLM.Dimension)
	assert.Equal(t, "memory", cfg.Queue.Backend)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9091, cfg.Metrics.Port)

	// The engine section must start from the engine's own defaults.
	assert.Equal(t, engine.DefaultConfig(), cfg.EngineConfig())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RECOLLECT_STORAGE_BACKEND", "memory")
	t.Setenv("RECOLLECT_ATTACH_THRESHOLD", "0.9")
	t.Setenv("RECOLLECT_METRICS_ENABLED", "no")
	t.Setenv("RECOLLECT_LLM_TIMEOUT", "90s")
	t.Setenv("RECOLLECT_QUEUE_WORKERS", "8")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 0.9, cfg.Engine.AttachThreshold)
	assert.False(t, cfg.Metrics.Enabled)
	assert.Equal(t, 90*time.Second, cfg.LLM.Timeout.Std())
	assert.Equal(t, 8, cfg.Queue.Workers)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recollect.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  backend: memory
engine:
  attach_threshold: 0.9
  consolidation_interval: 5m
`), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 0.9, cfg.Engine.AttachThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Engine.ConsolidationInterval.Std())

	// Fields the file does not mention keep their defaults.
	assert.Equal(t, 0.80, cfg.Engine.ClusterRadius)
	assert.Equal(t, "ollama", cfg.LLM.Provider)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Storage.Backend = "postgres"
	cfg.Storage.PostgresDSN = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Storage.Backend = "cassandra"
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Queue.Backend = "redis"
	cfg.Queue.RedisAddr = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.LLM.Provider = "openai"
	cfg.LLM.OpenAIAPIKey = ""
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Log.Level = "loud"
	assert.Error(t, cfg.Validate())
}

func TestLogLevel(t *testing.T) {
	cfg := &Config{}
	for in, want := range map[string]slog.Level{
		"":      slog.LevelInfo,
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		cfg.Log.Level = in
		level, err := cfg.LogLevel()
		require.NoError(t, err)
		assert.Equal(t, want, level)
	}

	cfg.Log.Level = "verbose"
	_, err := cfg.LogLevel()
	assert.Error(t, err)
}

func TestTunablesExtraction(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Engine.AttachThreshold = 0.9

	tun := cfg.Tunables()
	assert.Equal(t, 0.9, tun.AttachThreshold)
	assert.Equal(t, cfg.Engine.ImportanceThreshold, tun.ImportanceThreshold)
	assert.Equal(t, cfg.Engine.ClusterRadius, tun.ClusterRadius)
	assert.Equal(t, cfg.Engine.RetrievalCertainty, tun.RetrievalCertainty)
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Info("hello", "key", "value")

	assert.Contains(t, stderr.String(), "hello")
	assert.Contains(t, file.String(), `"msg":"hello"`)
	assert.Contains(t, file.String(), `"key":"value"`)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recollect.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  attach_threshold: 0.82\n"), 0644))

	w, err := NewWatcher(path, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	defer w.Close()
	w.SetDebounce(20 * time.Millisecond)

	var got atomic.Value
	w.OnChange(func(cfg *Config) {
		got.Store(cfg.Engine.AttachThreshold)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  attach_threshold: 0.9\n"), 0644))

	require.Eventually(t, func() bool {
		v, ok := got.Load().(float64)
		return ok && v == 0.9
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatcherKeepsPreviousConfigOnParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recollect.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  backend: sqlite\n"), 0644))

	w, err := NewWatcher(path, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)
	defer w.Close()
	w.SetDebounce(20 * time.Millisecond)

	var calls atomic.Int32
	w.OnChange(func(*Config) { calls.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("storage: [not: valid"), 0644))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, int32(0), calls.Load())
}

func TestDurationYAML(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalYAML(yamlScalar("15m")))
	assert.Equal(t, 15*time.Minute, d.Std())

	assert.Error(t, d.UnmarshalYAML(yamlScalar("soon")))
}

func yamlScalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Value: v}
}
