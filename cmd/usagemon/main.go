// Command usagemon runs the LAN usage monitoring engine: it discovers peer
// instances on the local network, pulls their usage telemetry, aggregates
// fleet statistics, and serves the peer protocol itself.
//
// # Usage
//
//	usagemon --config /etc/usagemon/config.yaml
//	usagemon --client-id design-01 --database postgres://localhost/usagemon
//
// # Configuration
//
// The engine can be configured via:
// - Command-line flags
// - Environment variables (USAGEMON_*)
// - Config file (YAML)
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetwatch/usage-mon/db/migrate"
	"github.com/fleetwatch/usage-mon/internal/aggregate"
	"github.com/fleetwatch/usage-mon/internal/buffer"
	"github.com/fleetwatch/usage-mon/internal/cache"
	"github.com/fleetwatch/usage-mon/internal/config"
	"github.com/fleetwatch/usage-mon/internal/engine"
	"github.com/fleetwatch/usage-mon/internal/peerapi"
	"github.com/fleetwatch/usage-mon/internal/sink"
	"github.com/fleetwatch/usage-mon/internal/telemetry"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config file")
		clientID   = flag.String("client-id", "", "Client identifier (overrides config)")
		dbURL      = flag.String("database", "", "Database URL (postgres://...)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		version    = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *version {
		fmt.Println("usagemon v0.1.0")
		os.Exit(0)
	}

	// Set up logging
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Load configuration: defaults, then file, then env, then flags.
	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.LoadFromFile(*configPath)
		if err != nil {
			logger.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()
	if *clientID != "" {
		cfg.Client.ID = *clientID
	}
	if *dbURL != "" {
		cfg.Storage.DatabaseURL = *dbURL
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Connect to Postgres when configured; without it the engine runs
	// in-memory only.
	var store *sink.Store
	if cfg.Storage.DatabaseURL != "" {
		var err error
		store, err = sink.NewStoreFromURL(ctx, cfg.Storage.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer store.Close()

		if err := store.Ping(ctx); err != nil {
			logger.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to database")

		if err := migrate.Run(ctx, store.Pool(), logger); err != nil {
			logger.Error("database migration failed", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("no database configured, running in-memory only")
	}

	// Snapshot writes go through the Redis buffer when available, straight
	// to Postgres otherwise.
	var snapshots aggregate.SnapshotWriter
	var flusher *buffer.Flusher
	var responseCache *cache.Cache
	if cfg.Storage.RedisURL != "" && store != nil {
		buf, err := buffer.NewSnapshotBuffer(cfg.Storage.RedisURL, logger)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer buf.Close()
		snapshots = buf

		flusher = buffer.NewFlusher(buf, store.Pool(), logger)
		flusher.Start()
		defer flusher.Stop()

		responseCache, err = cache.New(cfg.Storage.RedisURL, logger)
		if err != nil {
			logger.Warn("response cache unavailable", "error", err)
		} else {
			defer responseCache.Close()
		}
		logger.Info("connected to redis")
	} else if store != nil {
		snapshots = store
	}

	// Engine core
	var aggSink aggregate.Sink
	if store != nil {
		aggSink = store
	}
	eng := engine.New(cfg, aggSink, snapshots, logger)

	// Peer protocol server
	collector := telemetry.NewCollector()
	var history peerapi.HistorySource
	if store != nil {
		history = store
	}
	peerServer := peerapi.NewServer(peerapi.Identity{
		ClientID:   cfg.Client.ID,
		Department: cfg.Client.Department,
		Monitoring: cfg.Client.Monitoring,
	}, cfg.Client.APIKey, collector, history, responseCache, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Client.Port),
		Handler:      peerServer,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("peer api listening", "port", cfg.Client.Port)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("peer api server error", "error", err)
			os.Exit(1)
		}
	}()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- eng.Run(runCtx)
	}()

	// Wait for shutdown signal or engine failure
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
	case err := <-engineErr:
		logger.Error("engine stopped", "error", err)
	}

	eng.Stop()
	runCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
