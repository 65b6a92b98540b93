// Kestrel - Bank statement reconciliation that explains itself.
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
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/matching"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/worker"
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
	if os.Getenv("KESTREL_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration (defaults, then KESTREL_CONFIG file, then env)
	loader := config.NewLoader("")
	cfg, err := loader.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"repository", cfg.Repository.Driver,
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

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

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

	// Assemble the transfer detector from keywords plus optional CEL rules
	detector, err := matching.BuildDetector(cfg.Matching)
	if err != nil {
		slog.Error("failed to build transfer detector", "error", err)
		os.Exit(1)
	}
	slog.Info("transfer detector initialized",
		"keywords", len(cfg.Matching.TransferKeywords),
		"expressions", len(cfg.Matching.TransferExpressions),
	)

	// Initialize async Worker
	var asyncWorker *worker.Worker
	if os.Getenv("KESTREL_ASYNC_WORKER") == "true" {
		orchestrator := matching.NewOrchestrator(repo, busImpl, detector, cfg.Matching)
		asyncWorker = worker.NewWorker(busImpl, orchestrator)

		// User IDs to process (empty = global subscription)
		userIDs := []string{}
		if envUsers := os.Getenv("KESTREL_USERS"); envUsers != "" {
			for _, id := range strings.Split(envUsers, ",") {
				if id = strings.TrimSpace(id); id != "" {
					userIDs = append(userIDs, id)
				}
			}
		}

		workerCfg := worker.Config{
			UserIDs: userIDs,
		}

		if err := asyncWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start async worker", "error", err)
		} else {
			slog.Info("async worker started", "user_count", len(userIDs))
		}
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, repo, cacheImpl, busImpl, detector, cfg.Matching, loader.Reload, Version)

	// Start Server in goroutine
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

	printBanner(cfg.Server.Host, cfg.Server.Port, Version)

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

	slog.Info("kestrel shutdown complete")
}

func printBanner(host string, port int, version string) {
	fmt.Println()
	fmt.Println("  ╔═══════════════════════════════════════════╗")
	fmt.Println("  ║               🪶 KESTREL                  ║")
	fmt.Println("  ║     Statement Reconciliation Engine       ║")
	fmt.Println("  ║      Every cent accounted for.            ║")
	fmt.Println("  ╚═══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Server:   http://%s:%d\n", host, port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /reconcile/run                    - Run a reconciliation pass")
	fmt.Println("    GET  /matches                          - List matches")
	fmt.Println("    GET  /matches/{id}                     - Get match by ID")
	fmt.Println("    POST /matches/{id}/accept              - Accept a pending match")
	fmt.Println("    POST /matches/{id}/reject              - Reject a pending match")
	fmt.Println("    POST /matches/batch-accept             - Accept matches in bulk")
	fmt.Println("    GET  /transactions/{id}                - Get transaction by ID")
	fmt.Println("    POST /transactions/{id}/create-entry   - Draft an entry for an unmatched txn")
	fmt.Println("    GET  /transfers/processing-balance     - Processing account balance")
	fmt.Println("    GET  /transfers/unpaired               - Unpaired transfer legs")
	fmt.Println("    POST /config/reload                    - Hot-reload configuration")
	fmt.Println("    GET  /health                           - Health check")
	fmt.Println()
}
