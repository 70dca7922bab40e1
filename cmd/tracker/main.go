// Portfolio Tracker — a stream-processing service that materializes
// per-ticker portfolio positions from transaction lifecycle events.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: wires consumers → use cases → storage, supervises restarts
//	consumer/consumer.go — Redis Streams consumer-group readers with ack/replay/dead-letter handling
//	usecase/             — created/updated/deleted lifecycle use cases with retry budgets
//	position/            — the position aggregate: cost averaging, reversal, ordering gate
//	event/               — wire envelope parsing and payload discrimination
//	storage/postgres.go  — PostgreSQL projection with row locks and unique-constraint idempotency
//	marketdata/          — optional REST/WebSocket price enrichment for active tickers
//	api/server.go        — operational HTTP server: /health, /ready, /metrics
//
// Every event carries one transaction snapshot (or two, for updates). The
// tracker folds it into the ticker's position inside a database transaction,
// using the event's occurredAt as a monotonic gate against out-of-order
// delivery and the stored transaction-id set for exact idempotency.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"portfolio-tracker/internal/api"
	"portfolio-tracker/internal/config"
	"portfolio-tracker/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRACKER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start ops server if enabled
	var opsServer *api.Server
	if cfg.Ops.Enabled {
		opsServer = api.NewServer(cfg.Ops, eng.ReadinessChecks(), logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("portfolio tracker started",
		"group", cfg.Consumer.Group,
		"consumer", cfg.Consumer.Name,
		"marketdata", cfg.MarketData.Enabled,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if opsServer != nil {
		if err := opsServer.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
