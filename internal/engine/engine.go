// Package engine is the central orchestrator of the portfolio tracker.
//
// It wires together all subsystems:
//
//  1. Postgres holds the durable position projection.
//  2. The use-case service folds transaction lifecycle events into positions.
//  3. One stream consumer per event family (created, updated, deleted) reads
//     its Redis stream on behalf of the shared consumer group.
//  4. An optional market-data refresher keeps display prices current.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"portfolio-tracker/internal/api"
	"portfolio-tracker/internal/config"
	"portfolio-tracker/internal/consumer"
	"portfolio-tracker/internal/marketdata"
	"portfolio-tracker/internal/storage"
	"portfolio-tracker/internal/usecase"
)

// consumerRestartDelay is the pause before a crashed consumer is restarted.
const consumerRestartDelay = 5 * time.Second

// Engine owns the lifecycle of every background component.
type Engine struct {
	cfg       config.Config
	rdb       *redis.Client
	store     *storage.Postgres
	service   *usecase.Service
	consumers []*consumer.Consumer
	refresher *marketdata.Refresher
	feed      *marketdata.Feed
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	store, err := storage.Open(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	service := usecase.NewService(store, logger)

	streams := map[string]consumer.Handler{
		cfg.Consumer.CreatedStream: consumer.CreatedHandler(service),
		cfg.Consumer.UpdatedStream: consumer.UpdatedHandler(service),
		cfg.Consumer.DeletedStream: consumer.DeletedHandler(service),
	}
	consumers := make([]*consumer.Consumer, 0, len(streams))
	for stream, handler := range streams {
		consumers = append(consumers, consumer.New(rdb, cfg.Consumer, stream, handler, logger))
	}

	var refresher *marketdata.Refresher
	var feed *marketdata.Feed
	if cfg.MarketData.Enabled {
		provider := marketdata.NewRESTProvider(cfg.MarketData, logger)
		if cfg.MarketData.WSURL != "" {
			feed = marketdata.NewFeed(cfg.MarketData.WSURL, logger)
		}
		refresher = marketdata.NewRefresher(provider, store, feed, cfg.MarketData.RefreshInterval, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		cfg:       cfg,
		rdb:       rdb,
		store:     store,
		service:   service,
		consumers: consumers,
		refresher: refresher,
		feed:      feed,
		logger:    logger.With("component", "engine"),
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start launches all background goroutines: the stream consumers and, when
// enabled, the market-data feed and refresher.
func (e *Engine) Start() error {
	for _, c := range e.consumers {
		c := c
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.superviseConsumer(c)
		}()
	}

	if e.feed != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.feed.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("market data feed error", "error", err)
			}
		}()
	}
	if e.refresher != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.refresher.Run(e.ctx); err != nil && e.ctx.Err() == nil {
				e.logger.Error("market data refresher error", "error", err)
			}
		}()
	}

	return nil
}

// superviseConsumer keeps a consumer running, restarting it after a short
// pause if it exits with an error. Unacked messages survive a restart and
// are reclaimed through the pending-entries list.
func (e *Engine) superviseConsumer(c *consumer.Consumer) {
	for {
		err := c.Run(e.ctx)
		if e.ctx.Err() != nil {
			return
		}
		e.logger.Error("consumer stopped, restarting", "error", err, "delay", consumerRestartDelay)

		select {
		case <-e.ctx.Done():
			return
		case <-time.After(consumerRestartDelay):
		}
	}
}

// Stop gracefully shuts down: cancels all contexts, waits for goroutines,
// and closes resources.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")

	e.cancel()
	e.wg.Wait()

	if e.feed != nil {
		e.feed.Close()
	}
	if err := e.rdb.Close(); err != nil {
		e.logger.Error("failed to close redis client", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("failed to close postgres pool", "error", err)
	}

	e.logger.Info("shutdown complete")
}

// ReadinessChecks exposes the dependency probes for the ops server.
func (e *Engine) ReadinessChecks() map[string]api.Pinger {
	return map[string]api.Pinger{
		"postgres": e.store,
		"redis":    redisPinger{e.rdb},
	}
}

type redisPinger struct {
	rdb *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
