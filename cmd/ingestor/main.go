// Command ingestor is the market-data ingestion orchestrator: it scans job
// definitions, fills coverage gaps, dispatches workers against provider
// adapters, and serves the external HTTP API surface. Wiring follows the
// reference corpus's cmd/marketdata-service/main.go: flag-parsed config
// path, structured logger with optional file mirroring, signal.NotifyContext
// for shutdown, explicit health checks before serving traffic.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/algomatic/ingestor/internal/api"
	"github.com/algomatic/ingestor/internal/catalog"
	"github.com/algomatic/ingestor/internal/clock"
	"github.com/algomatic/ingestor/internal/config"
	"github.com/algomatic/ingestor/internal/coverage"
	"github.com/algomatic/ingestor/internal/db"
	"github.com/algomatic/ingestor/internal/eventbus"
	"github.com/algomatic/ingestor/internal/metrics"
	"github.com/algomatic/ingestor/internal/orchestrator"
	"github.com/algomatic/ingestor/internal/provider"
	"github.com/algomatic/ingestor/internal/provider/alpaca"
	"github.com/algomatic/ingestor/internal/provider/polygon"
	"github.com/algomatic/ingestor/internal/provider/tradier"
	"github.com/algomatic/ingestor/internal/provider/yfinance"
	"github.com/algomatic/ingestor/internal/queue"
	"github.com/algomatic/ingestor/internal/ratelimit"
	"github.com/algomatic/ingestor/internal/scheduler"
	"github.com/algomatic/ingestor/internal/store"
	"github.com/algomatic/ingestor/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to config.json")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.File)
	logger.Info("starting ingestor",
		"api_addr", cfg.API.Addr,
		"max_concurrent", cfg.Orchestrator.MaxConcurrent,
		"tick_interval_seconds", cfg.Orchestrator.TickIntervalSeconds,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dbClient, err := db.New(ctx, cfg.Database.ConnString(), logger)
	if err != nil {
		logger.Error("connecting to database failed", "error", err)
		os.Exit(1)
	}
	defer dbClient.Close()

	bus := eventbus.NewBus(cfg.Redis.Addr(), "", cfg.Redis.DB, "ingestor", logger)
	defer bus.Close()

	if err := dbClient.HealthCheck(ctx); err != nil {
		logger.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	if err := bus.HealthCheck(ctx); err != nil {
		logger.Error("redis health check failed", "error", err)
		os.Exit(1)
	}
	logger.Info("health checks passed")

	clk := clock.New(logger)
	st := store.New(dbClient, clk, logger)
	cov := coverage.New(dbClient, clk, logger)
	cat := catalog.New(dbClient, logger)
	q := queue.New(dbClient, logger)
	limiter := ratelimit.New(dbClient, logger)
	if err := limiter.Seed(ctx); err != nil {
		logger.Error("seeding rate buckets failed", "error", err)
		os.Exit(1)
	}

	router := provider.NewRouter(logger,
		alpaca.NewClient("", cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, clk, logger),
		polygon.NewClient(cfg.Polygon.APIKey, clk, logger),
		tradier.NewClient("", cfg.Tradier.APIKey, logger),
		yfinance.NewClient(logger),
	)

	metricsReg := metrics.Default()

	w := worker.New(dbClient, q, st, cov, limiter, router, bus, metricsReg, cfg.Orchestrator.MaxAttempts, logger)
	stuckTimeout := time.Duration(cfg.Orchestrator.StuckRunTimeoutMinutes) * time.Minute
	orch := orchestrator.New(cat, cov, q, clk, w, metricsReg, stuckTimeout, cfg.Orchestrator.MaxConcurrent, logger)

	mux := http.NewServeMux()
	server := &api.Server{
		DB:           dbClient,
		Events:       bus,
		Catalog:      cat,
		Coverage:     cov,
		Queue:        q,
		Store:        st,
		Limiter:      limiter,
		Orchestrator: orch,
		Clock:        clk,
		Metrics:      metricsReg,
		Logger:       logger,
	}
	server.RegisterRoutes(mux)

	httpServer := &http.Server{Addr: cfg.API.Addr, Handler: mux}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		logger.Info("API server listening", "addr", cfg.API.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("API server failed", "error", err)
		}
	}()

	sched := scheduler.New(orch, time.Duration(cfg.Orchestrator.TickIntervalSeconds)*time.Second, logger)
	go func() {
		defer wg.Done()
		sched.Run(ctx)
	}()

	logger.Info("ingestor running", "pid", os.Getpid())

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping API server and waiting for in-flight work...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	wg.Wait()
	logger.Info("shutdown complete")
}

func setupLogger(level, logFile string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var writer io.Writer = os.Stdout
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: cannot open log file %s: %v, falling back to stdout\n", logFile, err)
		} else {
			writer = io.MultiWriter(os.Stdout, f)
		}
	}

	return slog.New(slog.NewTextHandler(writer, opts))
}
