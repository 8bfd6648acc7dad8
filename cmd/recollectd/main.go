// Command recollectd runs the memory engine daemon: queue workers, the
// consolidation and thought-synthesis timers, the reconciler, and the
// Prometheus endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/recollect-ai/recollect/internal/config"
	"github.com/recollect-ai/recollect/internal/engine"
	"github.com/recollect-ai/recollect/internal/index"
	"github.com/recollect-ai/recollect/internal/index/memvec"
	"github.com/recollect-ai/recollect/internal/index/pgvec"
	"github.com/recollect-ai/recollect/internal/index/sqlvec"
	"github.com/recollect-ai/recollect/internal/lease"
	"github.com/recollect-ai/recollect/internal/llm"
	"github.com/recollect-ai/recollect/internal/metrics"
	"github.com/recollect-ai/recollect/internal/queue"
	"github.com/recollect-ai/recollect/internal/storage"
	"github.com/recollect-ai/recollect/internal/storage/memstore"
	"github.com/recollect-ai/recollect/internal/storage/postgres"
	"github.com/recollect-ai/recollect/internal/storage/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional)")
	watch := flag.Bool("watch", true, "hot-reload tunables when the config file changes")
	flag.Parse()

	if err := run(*configPath, *watch); err != nil {
		fmt.Fprintln(os.Stderr, "recollectd:", err)
		os.Exit(1)
	}
}

func run(configPath string, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger, closeLog := config.SetupLogger(cfg.Log.File, level)
	defer closeLog()
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, idx, closeStore, err := buildStorage(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	provider, err := llm.NewProvider(llm.FactoryConfig{
		Provider:       cfg.LLM.Provider,
		OllamaURL:      cfg.LLM.OllamaURL,
		Model:          cfg.LLM.Model,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
		Dimension:      cfg.LLM.Dimension,
		OpenAIAPIKey:   cfg.LLM.OpenAIAPIKey,
		Timeout:        cfg.LLM.Timeout.Std(),
		RPS:            cfg.LLM.RPS,
		Burst:          cfg.LLM.Burst,
	})
	if err != nil {
		return fmt.Errorf("build provider: %w", err)
	}

	q, lessor, closeQueue, err := buildQueue(cfg, logger)
	if err != nil {
		return err
	}
	defer closeQueue()

	mcfg := metrics.DefaultConfig()
	mcfg.Enabled = cfg.Metrics.Enabled
	mcfg.Port = cfg.Metrics.Port
	mcfg.Path = cfg.Metrics.Path
	mgr := metrics.NewManager(mcfg)
	if mgr.Enabled() {
		go func() {
			if err := mgr.StartServer(ctx, cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	eng, err := engine.New(cfg.EngineConfig(), engine.Deps{
		Store:    store,
		Index:    idx,
		Queue:    q,
		Provider: provider,
		Lessor:   lessor,
		Metrics:  mgr,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}

	if watch && configPath != "" {
		watcher, err := config.NewWatcher(configPath, logger)
		if err != nil {
			return err
		}
		defer watcher.Close()
		watcher.OnChange(func(next *config.Config) {
			if err := eng.ApplyTunables(next.Tunables()); err != nil {
				logger.Warn("rejected reloaded tunables", "error", err)
			}
		})
		go func() {
			if err := watcher.Watch(ctx); err != nil && ctx.Err() == nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	logger.Info("recollectd running",
		"storage", cfg.Storage.Backend,
		"queue", cfg.Queue.Backend,
		"provider", cfg.LLM.Provider,
		"model", provider.Model())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		logger.Error("engine shutdown failed", "error", err)
	}
	cancel()
	return nil
}

// buildStorage opens the relational store and the vector index that shares
// its backend.
func buildStorage(cfg *config.Config) (storage.Store, index.Index, func(), error) {
	switch cfg.Storage.Backend {
	case "postgres":
		store, err := postgres.Open(cfg.Storage.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return store, pgvec.New(store.DB()), func() { _ = store.Close() }, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.Storage.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, nil, nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		store, err := sqlite.Open(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return store, sqlvec.New(store.DB()), func() { _ = store.Close() }, nil
	case "memory":
		return memstore.New(), memvec.New(), func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// buildQueue builds the task queue and the lease backend together: both ride
// the same redis client in production and both fall back to in-process
// implementations for single-node setups.
func buildQueue(cfg *config.Config, logger *slog.Logger) (queue.Queue, lease.Lessor, func(), error) {
	switch cfg.Queue.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		q := queue.NewRedis(client, logger, cfg.Queue.Workers)
		return q, lease.NewRedis(client), func() { _ = client.Close() }, nil
	case "memory":
		q := queue.NewMemory(logger, cfg.Queue.Size, cfg.Queue.Workers)
		return q, lease.NewMemory(), func() {}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
	}
}
