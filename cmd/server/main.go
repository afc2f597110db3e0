/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the commitment engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env, then the optional YAML config, then COMMIT_* overrides
  2. Set up structured logging
  3. Initialize the SQLite store
  4. Build the notifier (log, plus Redis when configured)
  5. Register Prometheus metrics and create the API handler
  6. Start the background group check and the HTTP server

COMMAND-LINE FLAGS:
  -config  YAML config file (optional)
  -addr    Listen address, overrides the config
  -db      SQLite database path, overrides the config
           Use ":memory:" for an in-memory database
  -demo    Load the "first-week" scenario on startup

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the group check scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and the database

EXAMPLES:
  ./server -db=":memory:" -demo
  COMMIT_REDIS_ADDR=localhost:6379 ./server -config=server.yaml

SEE ALSO:
  - config/config.go: Settings and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/warp/commitment-engine/api"
	"github.com/warp/commitment-engine/config"
	"github.com/warp/commitment-engine/core"
	"github.com/warp/commitment-engine/logging"
	"github.com/warp/commitment-engine/metrics"
	"github.com/warp/commitment-engine/notify"
	"github.com/warp/commitment-engine/store/sqlite"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	addr := flag.String("addr", "", "HTTP listen address")
	dbPath := flag.String("db", "", "SQLite database path")
	demo := flag.Bool("demo", false, "load the first-week demo scenario on startup")
	flag.Parse()

	if err := config.LoadDotEnv(); err != nil {
		slog.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *demo {
		cfg.Demo = true
	}

	logger := logging.Setup(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	store, err := sqlite.New(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	notifiers := notify.Multi{notify.NewLogNotifier(logger)}
	if cfg.Redis.Addr != "" {
		rn := notify.NewRedisNotifier(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if cfg.Redis.KeyPrefix != "" {
			rn.KeyPrefix = cfg.Redis.KeyPrefix
		}
		defer rn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rn.Ping(ctx); err != nil {
			logger.Warn("redis unreachable, announcements will be retried per post", "addr", cfg.Redis.Addr, "error", err)
		}
		cancel()
		notifiers = append(notifiers, rn)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	handler := api.NewHandler(store, notifiers, metrics.New(reg), logger)
	handler.Clock = core.SystemClock{}

	if cfg.Demo {
		if err := handler.LoadScenarioByID(context.Background(), "first-week"); err != nil {
			return err
		}
	}

	checks := api.NewCheckScheduler(handler, cfg.Check.Interval)
	checks.Enabled = cfg.Check.Enabled
	checks.Start()
	defer checks.Stop()

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      api.NewRouter(handler, api.RouterOptions{CORSOrigins: cfg.CORSOrigins, Gatherer: reg}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "db", cfg.DBPath)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	logger.Info("shutting down")
	checks.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}
