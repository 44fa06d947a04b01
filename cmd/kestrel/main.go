// Kestrel - Ensemble decisions and contribution compliance auto-correction.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/compliance"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/events"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/risk"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := os.Getenv("KESTREL_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(cfg.Logging, os.Stdout))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"path", configPath,
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"strategies", len(cfg.Engine.Strategies),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	emitter := events.NewEmitter(busImpl)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, nil)
	}

	engine, err := decision.New(cfg.Engine, decision.Options{
		Repository: repo,
		Cache:      cacheImpl,
		CacheTTL:   cfg.Cache.DecisionTTL,
		Emitter:    emitter,
		Collector:  collector,
		RiskRules:  []risk.Rule{compliance.RiskRule},
	})
	if err != nil {
		slog.Error("failed to create decision engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	if err := engine.Initialize(ctx); err != nil {
		slog.Error("failed to initialize decision engine", "error", err)
		os.Exit(1)
	}
	slog.Info("decision engine initialized", "strategies", engine.Status().Strategies)

	corrector, err := compliance.New(cfg.Compliance, engine, repo,
		compliance.WithEmitter(emitter),
		compliance.WithCollector(collector),
	)
	if err != nil {
		slog.Error("failed to create compliance corrector", "error", err)
		os.Exit(1)
	}

	monitor, err := corrector.StartMonitoring(ctx)
	if err != nil {
		slog.Error("failed to start compliance monitor", "error", err)
		os.Exit(1)
	}
	defer monitor.Stop()

	store := config.NewStore(cfg)
	if configPath != "" && os.Getenv("KESTREL_WATCH_CONFIG") != "false" {
		watcher, err := config.NewWatcher(configPath, store, func(next *domain.Config) {
			if err := engine.ReloadStrategies(next.Engine.Strategies); err != nil {
				slog.Error("failed to apply reloaded strategies", "error", err)
			}
		}, slog.Default())
		if err != nil {
			slog.Error("failed to create config watcher", "error", err)
		} else {
			go func() {
				if err := watcher.Watch(ctx); err != nil {
					slog.Error("config watcher exited", "error", err)
				}
			}()
		}
	}

	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, engine, corrector)
		if err := asyncWorker.Start(worker.Config{TenantIDs: cfg.Compliance.Tenants}); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "tenant_count", len(cfg.Compliance.Tenants))
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Engine:    engine,
		Corrector: corrector,
		Repo:      repo,
		Cache:     cacheImpl,
		Collector: collector,
		Config:    store,
		Version:   Version,
	})

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

// newLogger builds the process logger. KESTREL_DEBUG=true forces debug level.
func newLogger(cfg domain.LoggingConfig, out io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(out, opts))
	}
	return slog.New(slog.NewJSONHandler(out, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL")
	fmt.Println("  Ensemble decisions, audited and explained.")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /decisions                 - Make a decision")
	fmt.Println("    GET  /decisions/{id}            - Get a decision by ID")
	fmt.Println("    POST /decisions/{id}/feedback   - Report the real outcome")
	fmt.Println("    POST /strategies/reload         - Hot-reload strategies")
	fmt.Println("    PUT  /compliance/entities/{id}  - Sync a compliance entity")
	fmt.Println("    POST /compliance/detect         - Scan for contribution errors")
	fmt.Println("    POST /compliance/autofix        - Auto-correct outstanding errors")
	fmt.Println("    GET  /compliance/report         - Compliance report")
	fmt.Println("    GET  /status                    - Engine status")
	fmt.Println("    GET  /health                    - Health check")
	fmt.Println("    GET  /metrics                   - Prometheus metrics")
	fmt.Println()
}
