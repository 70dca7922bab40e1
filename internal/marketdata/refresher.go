package marketdata

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

// PriceStore is the slice of the position store the refresher writes to.
type PriceStore interface {
	ActiveTickers(ctx context.Context) ([]string, error)
	UpdateLatestPrice(ctx context.Context, ticker string, price decimal.Decimal) error
}

// Refresher periodically overwrites the latest market price of every active
// position, and applies streamed ticks when a feed is attached.
type Refresher struct {
	provider Provider
	store    PriceStore
	feed     *Feed // optional
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher builds a refresher. feed may be nil.
func NewRefresher(provider Provider, store PriceStore, feed *Feed, interval time.Duration, logger *slog.Logger) *Refresher {
	return &Refresher{
		provider: provider,
		store:    store,
		feed:     feed,
		interval: interval,
		logger:   logger.With("component", "marketdata_refresher"),
	}
}

// Run refreshes prices until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var quotes <-chan Quote
	if r.feed != nil {
		quotes = r.feed.Quotes()
	}

	r.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.refreshAll(ctx)
		case q := <-quotes:
			if err := r.store.UpdateLatestPrice(ctx, q.Ticker, q.Price); err != nil {
				r.logger.Warn("streamed price update failed", "ticker", q.Ticker, "error", err)
			}
		}
	}
}

// refreshAll polls one quote per active ticker. Individual failures are
// logged and skipped so one bad symbol cannot stall the rest.
func (r *Refresher) refreshAll(ctx context.Context) {
	tickers, err := r.store.ActiveTickers(ctx)
	if err != nil {
		r.logger.Error("listing active tickers failed", "error", err)
		return
	}
	if r.feed != nil && len(tickers) > 0 {
		if err := r.feed.Subscribe(tickers); err != nil {
			r.logger.Debug("feed subscribe failed", "error", err)
		}
	}

	updated := 0
	for _, t := range tickers {
		if ctx.Err() != nil {
			return
		}
		quote, err := r.provider.GetQuote(ctx, t)
		if err != nil {
			r.logger.Warn("quote fetch failed", "ticker", t, "error", err)
			continue
		}
		if err := r.store.UpdateLatestPrice(ctx, t, quote.Price); err != nil {
			r.logger.Warn("price update failed", "ticker", t, "error", err)
			continue
		}
		updated++
	}
	r.logger.Debug("price refresh complete", "tickers", len(tickers), "updated", updated)
}
