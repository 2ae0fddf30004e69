// SmartUnderwrite - Loan decisioning that deploys in 60 seconds.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/smartunderwrite/internal/api"
	"github.com/opensource-finance/smartunderwrite/internal/bus"
	"github.com/opensource-finance/smartunderwrite/internal/cache"
	"github.com/opensource-finance/smartunderwrite/internal/domain"
	"github.com/opensource-finance/smartunderwrite/internal/repository"
	"github.com/opensource-finance/smartunderwrite/internal/rules"
	"github.com/opensource-finance/smartunderwrite/internal/underwriting"
	"github.com/opensource-finance/smartunderwrite/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("SMARTUNDERWRITE_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting smartunderwrite",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("SMARTUNDERWRITE_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"store", cfg.Store.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Store
	store, err := repository.New(cfg.Store)
	if err != nil {
		slog.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("store initialized", "driver", cfg.Store.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Rule Engine and rule management service. Rules live in the
	// database and are configured via the API; nothing is hardcoded.
	engine := rules.NewEngine(store, logger)
	ruleSvc := rules.NewService(store, engine, logger)

	active, err := ruleSvc.GetActive(ctx)
	if err != nil {
		slog.Error("failed to load rules", "error", err)
		os.Exit(1)
	}
	slog.Info("rule engine initialized", "active_rules", len(active))

	// Initialize Underwriting Service
	uwSvc := underwriting.NewService(store, cacheImpl, busImpl, engine, logger)
	slog.Info("underwriting service initialized")

	// Initialize async Worker (Pro tier)
	var asyncWorker *worker.Worker
	if cfg.Tier == domain.TierPro || os.Getenv("SMARTUNDERWRITE_ASYNC_WORKER") == "true" {
		asyncWorker = worker.NewWorker(busImpl, uwSvc)

		var affiliateIDs []string
		if envAffiliates := os.Getenv("SMARTUNDERWRITE_AFFILIATES"); envAffiliates != "" {
			affiliateIDs = strings.Split(envAffiliates, ",")
		}

		workerCfg := worker.Config{
			AffiliateIDs: affiliateIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "affiliate_count", len(affiliateIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, ruleSvc, uwSvc, store, cacheImpl, busImpl, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("smartunderwrite is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop async worker first
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

	slog.Info("smartunderwrite shutdown complete")
}

// applyEnvOverrides applies optional environment settings on top of the
// tier defaults.
func applyEnvOverrides(cfg *domain.Config) {
	if port := os.Getenv("SMARTUNDERWRITE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
	if path := os.Getenv("SMARTUNDERWRITE_SQLITE_PATH"); path != "" {
		cfg.Store.SQLitePath = path
	}
	if host := os.Getenv("SMARTUNDERWRITE_POSTGRES_HOST"); host != "" {
		cfg.Store.PostgresHost = host
	}
	if db := os.Getenv("SMARTUNDERWRITE_POSTGRES_DB"); db != "" {
		cfg.Store.PostgresDB = db
	}
	if user := os.Getenv("SMARTUNDERWRITE_POSTGRES_USER"); user != "" {
		cfg.Store.PostgresUser = user
	}
	if pass := os.Getenv("SMARTUNDERWRITE_POSTGRES_PASSWORD"); pass != "" {
		cfg.Store.PostgresPassword = pass
	}
	if addr := os.Getenv("SMARTUNDERWRITE_REDIS_ADDR"); addr != "" {
		cfg.Cache.RedisAddr = addr
	}
	if url := os.Getenv("SMARTUNDERWRITE_NATS_URL"); url != "" {
		cfg.EventBus.NATSUrl = url
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║           SMARTUNDERWRITE                 ║")
	fmt.Println("  ║      Loan Decisioning Engine              ║")
	fmt.Println("  ║   Every application, a clear answer.      ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /applications                    - Submit and evaluate an application")
	fmt.Println("    GET  /applications/{id}               - Get application by ID")
	fmt.Println("    POST /applications/{id}/evaluate      - Re-run the active rule set")
	fmt.Println("    GET  /applications/{id}/decision      - Latest decision")
	fmt.Println("    GET  /applications/{id}/decisions     - Full decision history")
	fmt.Println("    POST /applications/{id}/decision      - Manual underwriter decision")
	fmt.Println("    GET  /rules                           - List all rules")
	fmt.Println("    POST /rules                           - Create a new rule")
	fmt.Println("    PUT  /rules/{id}                      - Update a rule in place")
	fmt.Println("    POST /rules/{id}/versions             - Create a new rule version")
	fmt.Println("    GET  /rules/{id}/history              - Version history")
	fmt.Println("    POST /rules/validate                  - Validate a definition")
	fmt.Println("    GET  /fields                          - Recognized condition fields")
	fmt.Println("    GET  /health                          - Health check")
	fmt.Println()
}
