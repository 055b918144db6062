// Wastebill - Contract billing and SLA compliance for waste collection.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/wastebill/internal/api"
	"github.com/opensource-finance/wastebill/internal/billing"
	"github.com/opensource-finance/wastebill/internal/bus"
	"github.com/opensource-finance/wastebill/internal/cache"
	"github.com/opensource-finance/wastebill/internal/config"
	"github.com/opensource-finance/wastebill/internal/domain"
	"github.com/opensource-finance/wastebill/internal/metrics"
	"github.com/opensource-finance/wastebill/internal/repository"
	"github.com/opensource-finance/wastebill/internal/scheduler"
	"github.com/opensource-finance/wastebill/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	if err := run(); err != nil {
		slog.Error("wastebill exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		// Logger is not configured yet; the default handler still reaches stderr.
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	opts := &slog.HandlerOptions{Level: config.LogLevel(cfg.Logging)}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting wastebill",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"scheduler", cfg.Scheduler.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	rulesetCache, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer rulesetCache.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	eventBus, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer eventBus.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
	}

	orchestrator, err := billing.New(billing.Options{
		Source:    repo,
		Audit:     repo,
		Summaries: repo,
		Cache:     rulesetCache,
		Metrics:   collector,
		Billing:   cfg.Billing,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize billing: %w", err)
	}

	jobs := worker.NewWorker(eventBus, orchestrator, collector)
	if err := jobs.Start(worker.Config{
		Concurrency: cfg.Billing.Jobs,
		JobTimeout:  cfg.Billing.JobTimeout,
	}); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}
	slog.Info("billing worker started", "jobs", cfg.Billing.Jobs)

	var cron *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		cron, err = scheduler.New(cfg.Scheduler.Spec, repo, eventBus, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize scheduler: %w", err)
		}
		cron.Start()
	}

	srv, err := api.NewServer(cfg.Server, api.Options{
		Repo:         repo,
		Cache:        rulesetCache,
		Bus:          eventBus,
		Orchestrator: orchestrator,
		Metrics:      collector,
		MetricsPath:  cfg.Metrics.Path,
		RuleSetTTL:   cfg.Billing.RuleSetTTL,
		Version:      Version,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize api: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	slog.Info("wastebill is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	// Stop intake first so no new runs start while in-flight ones drain.
	if cron != nil {
		cron.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := jobs.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	slog.Info("wastebill shutdown complete")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  WASTEBILL  contract billing & SLA engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	if cfg.Scheduler.Enabled {
		fmt.Printf("  Schedule: %s (UTC)\n", cfg.Scheduler.Spec)
	}
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /contracts                               - Register a contract")
	fmt.Println("    GET  /contracts/{id}                          - Latest contract version")
	fmt.Println("    POST /contracts/{id}/amendments               - Apply an amendment")
	fmt.Println("    POST /contracts/{id}/status                   - Change lifecycle status")
	fmt.Println("    GET  /contracts/{id}/ruleset?asOf=YYYY-MM-DD  - Resolve active rules")
	fmt.Println("    POST /contracts/{id}/usage                    - Record usage")
	fmt.Println("    POST /contracts/{id}/events                   - Record collection events")
	fmt.Println("    POST /contracts/{id}/periods/{period}/run     - Compute a period")
	fmt.Println("    GET  /contracts/{id}/periods/{period}/summary - Period summary")
	fmt.Println("    GET  /contracts/{id}/audit                    - Audit export")
	fmt.Println("    GET  /health                                  - Health check")
	if cfg.Metrics.Enabled {
		fmt.Printf("    GET  %-41s - Prometheus metrics\n", cfg.Metrics.Path)
	}
	fmt.Println()
}
