// Package marketdata supplies current market prices for tracked tickers.
//
// Prices are display-only enrichment: the refresher overwrites a position's
// latest market price but never its shares, basis, or event ordering state.
// The package is optional at runtime; when disabled the tracker falls back
// to the last transaction price.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one observed market price.
type Quote struct {
	Ticker string
	Price  decimal.Decimal
	AsOf   time.Time
}

// Provider fetches quotes on demand.
type Provider interface {
	GetQuote(ctx context.Context, ticker string) (*Quote, error)
}

// TokenBucket paces quote requests so a large active-ticker set cannot
// hammer the upstream API. The bucket refills continuously, fractional
// tokens included, rather than in window-sized bursts.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64
	capacity float64 // burst allowance
	rate     float64 // tokens per second
	last     time.Time
}

// NewTokenBucket creates a full bucket with the given burst capacity and
// refill rate.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		last:     time.Now(),
	}
}

// refill credits tokens for the time elapsed since the last call. Caller
// holds mu.
func (tb *TokenBucket) refill(now time.Time) {
	tb.tokens += now.Sub(tb.last).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.last = now
}

// Wait blocks until a token is available or ctx is cancelled.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		tb.refill(time.Now())
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		// Sleep until the deficit is refilled, then re-check: another
		// waiter may have taken the token first.
		wait := time.Duration((1 - tb.tokens) / tb.rate * float64(time.Second))
		tb.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
