// Package usecase implements the three transaction lifecycle use cases that
// mutate per-ticker positions: apply a created transaction, reverse-and-apply
// an updated one, and reverse a deleted one.
//
// Every use case runs inside a single repository transaction per aggregate,
// takes a row lock on the position before mutating it, and returns a Result
// that tells the consumer runtime whether to acknowledge, replay, or record
// an error for the message.
package usecase

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"portfolio-tracker/internal/position"
)

const (
	// duplicateRetries bounds the DUPLICATED_POSITION race: another worker
	// just inserted the ticker's row, so one or two re-reads suffice.
	duplicateRetries = 2
	// persistenceRetries bounds transient storage failures (connection,
	// serialization, deadlock).
	persistenceRetries = 3
	// defaultRetryDelay is the base backoff between attempts; it doubles
	// per attempt.
	defaultRetryDelay = 100 * time.Millisecond
)

// Tx is the transactional persistence contract for positions. Every method
// runs within the surrounding repository transaction.
type Tx interface {
	// FindByTicker returns the position for a ticker, or nil if none exists.
	FindByTicker(ctx context.Context, ticker string) (*position.Position, error)
	// FindByTickerForUpdate is FindByTicker plus a row-level lock, so
	// concurrent mutators of the same aggregate serialize.
	FindByTickerForUpdate(ctx context.Context, ticker string) (*position.Position, error)
	// Save inserts a new position together with its transaction set.
	// A unique violation on ticker surfaces as DUPLICATED_POSITION, on a
	// transaction id as ALREADY_PROCESSED.
	Save(ctx context.Context, p *position.Position) (*position.Position, error)
	// UpdatePositionWithTransactions persists a mutated position and
	// reconciles the stored transaction-id set against the aggregate's.
	UpdatePositionWithTransactions(ctx context.Context, p *position.Position) (*position.Position, error)
	// IsTransactionProcessed checks the stored transaction-id set.
	IsTransactionProcessed(ctx context.Context, positionID, txID uuid.UUID) (bool, error)
}

// Repository opens transactions against position storage.
type Repository interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Service executes the lifecycle use cases against a repository.
type Service struct {
	repo       Repository
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewService creates the use-case service.
func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{
		repo:       repo,
		logger:     logger.With("component", "usecase"),
		retryDelay: defaultRetryDelay,
	}
}

// backoff sleeps for the attempt's exponential delay, honoring cancellation.
func (s *Service) backoff(ctx context.Context, attempt int) error {
	delay := s.retryDelay * time.Duration(1<<uint(attempt))
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
