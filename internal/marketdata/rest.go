package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"portfolio-tracker/internal/config"
)

// RESTProvider fetches quotes over HTTP. Requests are rate-limited through a
// token bucket and retried on 5xx.
type RESTProvider struct {
	http   *resty.Client
	bucket *TokenBucket
	logger *slog.Logger
}

// NewRESTProvider creates a quote client with rate limiting and retry.
func NewRESTProvider(cfg config.MarketDataConfig, logger *slog.Logger) *RESTProvider {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(5*time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		httpClient.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	}

	return &RESTProvider{
		http:   httpClient,
		bucket: NewTokenBucket(float64(cfg.Burst), cfg.RequestsPerSec),
		logger: logger.With("component", "marketdata"),
	}
}

type quoteResponse struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// GetQuote fetches the current price of one ticker.
func (p *RESTProvider) GetQuote(ctx context.Context, ticker string) (*Quote, error) {
	if err := p.bucket.Wait(ctx); err != nil {
		return nil, err
	}

	var result quoteResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", ticker).
		SetResult(&result).
		Get("/quote")
	if err != nil {
		return nil, fmt.Errorf("get quote %s: %w", ticker, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("get quote %s: status %d: %s", ticker, resp.StatusCode(), resp.String())
	}
	if result.Price.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("get quote %s: non-positive price %s", ticker, result.Price)
	}

	asOf := time.Now()
	if result.Timestamp > 0 {
		asOf = time.UnixMilli(result.Timestamp)
	}
	return &Quote{Ticker: ticker, Price: result.Price, AsOf: asOf}, nil
}
