// Package storage persists positions in PostgreSQL.
//
// The schema is two tables: positions (one row per ticker, unique on ticker)
// and position_transactions (the transaction-id set, unique on transaction_id
// across all positions). Those two unique constraints are the canonical
// idempotency enforcement: a worker that loses an insert race gets a
// unique-violation which is translated here into the typed domain error the
// use cases expect (DUPLICATED_POSITION or ALREADY_PROCESSED).
//
// All mutations run inside WithinTx; FindByTickerForUpdate takes a row lock
// so concurrent mutators of the same ticker serialize on the database.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"portfolio-tracker/internal/config"
	"portfolio-tracker/internal/position"
	"portfolio-tracker/internal/usecase"
	"portfolio-tracker/pkg/types"
)

// Postgres is the position repository backed by a PostgreSQL pool.
type Postgres struct {
	db     *sqlx.DB
	logger *slog.Logger
}

var _ usecase.Repository = (*Postgres)(nil)

// Open connects to PostgreSQL and configures the pool.
func Open(cfg config.DatabaseConfig, logger *slog.Logger) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return &Postgres{
		db:     db,
		logger: logger.With("component", "storage"),
	}, nil
}

// Close releases the pool.
func (s *Postgres) Close() error {
	return s.db.Close()
}

// Ping probes the database connection.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS positions (
	id                     uuid PRIMARY KEY,
	ticker                 text NOT NULL,
	currency               text NOT NULL,
	shares_owned           numeric(18,6) NOT NULL DEFAULT 0,
	average_cost_per_share numeric(18,6) NOT NULL DEFAULT 0,
	total_invested_amount  numeric(18,4) NOT NULL DEFAULT 0,
	total_transaction_fees numeric(18,4) NOT NULL DEFAULT 0,
	latest_market_price    numeric(18,4) NOT NULL DEFAULT 0,
	first_purchase_date    date NOT NULL,
	last_event_applied_at  timestamptz,
	is_active              boolean NOT NULL DEFAULT false,
	exchange               text,
	country                text,
	created_at             timestamptz NOT NULL DEFAULT now(),
	updated_at             timestamptz NOT NULL DEFAULT now(),
	CONSTRAINT positions_ticker_key UNIQUE (ticker)
);

CREATE TABLE IF NOT EXISTS position_transactions (
	position_id    uuid NOT NULL REFERENCES positions (id) ON DELETE CASCADE,
	transaction_id uuid NOT NULL,
	created_at     timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (position_id, transaction_id),
	CONSTRAINT position_transactions_transaction_id_key UNIQUE (transaction_id)
);
`

// Migrate creates the schema if it does not exist yet.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// WithinTx runs fn inside one database transaction, committing on nil and
// rolling back otherwise. Storage errors come back translated to domain
// kinds so the use cases can pick retry behavior.
func (s *Postgres) WithinTx(ctx context.Context, fn func(tx usecase.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return translateErr(err)
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translateErr(err)
	}
	return nil
}

// ActiveTickers lists the tickers of active positions, for market-price
// enrichment.
func (s *Postgres) ActiveTickers(ctx context.Context) ([]string, error) {
	var tickers []string
	if err := s.db.SelectContext(ctx, &tickers, `SELECT ticker FROM positions WHERE is_active ORDER BY ticker`); err != nil {
		return nil, translateErr(err)
	}
	return tickers, nil
}

// UpdateLatestPrice refreshes only the display price of a position. It never
// touches shares, basis, or the event ordering gate.
func (s *Postgres) UpdateLatestPrice(ctx context.Context, ticker string, price decimal.Decimal) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE positions SET latest_market_price = $2, updated_at = now() WHERE ticker = $1`,
		ticker, price)
	return translateErr(err)
}

// sqlTx implements the transactional contract on one open transaction.
type sqlTx struct {
	tx *sqlx.Tx
}

var _ usecase.Tx = (*sqlTx)(nil)

type positionRow struct {
	ID                   uuid.UUID       `db:"id"`
	Ticker               string          `db:"ticker"`
	Currency             string          `db:"currency"`
	SharesOwned          decimal.Decimal `db:"shares_owned"`
	AverageCostPerShare  decimal.Decimal `db:"average_cost_per_share"`
	TotalInvestedAmount  decimal.Decimal `db:"total_invested_amount"`
	TotalTransactionFees decimal.Decimal `db:"total_transaction_fees"`
	LatestMarketPrice    decimal.Decimal `db:"latest_market_price"`
	FirstPurchaseDate    time.Time       `db:"first_purchase_date"`
	LastEventAppliedAt   *time.Time      `db:"last_event_applied_at"`
	IsActive             bool            `db:"is_active"`
	Exchange             *string         `db:"exchange"`
	Country              *string         `db:"country"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

func (r positionRow) toDomain(txIDs []uuid.UUID) *position.Position {
	return &position.Position{
		ID:                   r.ID,
		Ticker:               r.Ticker,
		Currency:             types.Currency(r.Currency),
		SharesOwned:          r.SharesOwned,
		AverageCostPerShare:  r.AverageCostPerShare,
		TotalInvestedAmount:  r.TotalInvestedAmount,
		TotalTransactionFees: r.TotalTransactionFees,
		LatestMarketPrice:    r.LatestMarketPrice,
		FirstPurchaseDate:    r.FirstPurchaseDate,
		LastUpdated:          r.UpdatedAt,
		LastEventAppliedAt:   r.LastEventAppliedAt,
		IsActive:             r.IsActive,
		Exchange:             r.Exchange,
		Country:              r.Country,
		Transactions:         txIDs,
	}
}

const selectPosition = `
SELECT id, ticker, currency, shares_owned, average_cost_per_share,
       total_invested_amount, total_transaction_fees, latest_market_price,
       first_purchase_date, last_event_applied_at, is_active, exchange,
       country, created_at, updated_at
  FROM positions
 WHERE ticker = $1`

func (t *sqlTx) findByTicker(ctx context.Context, ticker string, forUpdate bool) (*position.Position, error) {
	query := selectPosition
	if forUpdate {
		query += " FOR UPDATE"
	}
	var row positionRow
	if err := t.tx.GetContext(ctx, &row, query, ticker); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, translateErr(err)
	}
	txIDs, err := t.transactionIDs(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	return row.toDomain(txIDs), nil
}

func (t *sqlTx) FindByTicker(ctx context.Context, ticker string) (*position.Position, error) {
	return t.findByTicker(ctx, ticker, false)
}

func (t *sqlTx) FindByTickerForUpdate(ctx context.Context, ticker string) (*position.Position, error) {
	return t.findByTicker(ctx, ticker, true)
}

func (t *sqlTx) transactionIDs(ctx context.Context, positionID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := t.tx.SelectContext(ctx, &ids,
		`SELECT transaction_id FROM position_transactions WHERE position_id = $1`, positionID)
	if err != nil {
		return nil, translateErr(err)
	}
	return ids, nil
}

func (t *sqlTx) Save(ctx context.Context, p *position.Position) (*position.Position, error) {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO positions (id, ticker, currency, shares_owned, average_cost_per_share,
		                       total_invested_amount, total_transaction_fees, latest_market_price,
		                       first_purchase_date, last_event_applied_at, is_active, exchange, country)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.Ticker, string(p.Currency), p.SharesOwned, p.AverageCostPerShare,
		p.TotalInvestedAmount, p.TotalTransactionFees, p.LatestMarketPrice,
		p.FirstPurchaseDate, p.LastEventAppliedAt, p.IsActive, p.Exchange, p.Country)
	if err != nil {
		return nil, translateErr(err)
	}
	for _, txID := range p.Transactions {
		if err := t.insertTransaction(ctx, p.ID, txID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (t *sqlTx) UpdatePositionWithTransactions(ctx context.Context, p *position.Position) (*position.Position, error) {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE positions
		   SET shares_owned = $2, average_cost_per_share = $3, total_invested_amount = $4,
		       total_transaction_fees = $5, latest_market_price = $6, last_event_applied_at = $7,
		       is_active = $8, exchange = $9, country = $10, updated_at = now()
		 WHERE id = $1`,
		p.ID, p.SharesOwned, p.AverageCostPerShare, p.TotalInvestedAmount,
		p.TotalTransactionFees, p.LatestMarketPrice, p.LastEventAppliedAt,
		p.IsActive, p.Exchange, p.Country)
	if err != nil {
		return nil, translateErr(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, position.Errorf(position.KindPersistenceError, "position %s vanished during update", p.ID)
	}

	stored, err := t.transactionIDs(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	added, removed := diffIDs(stored, p.Transactions)
	if len(removed) > 0 {
		_, err := t.tx.ExecContext(ctx,
			`DELETE FROM position_transactions WHERE position_id = $1 AND transaction_id = ANY($2)`,
			p.ID, pq.Array(removed))
		if err != nil {
			return nil, translateErr(err)
		}
	}
	for _, txID := range added {
		if err := t.insertTransaction(ctx, p.ID, txID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (t *sqlTx) IsTransactionProcessed(ctx context.Context, positionID, txID uuid.UUID) (bool, error) {
	var processed bool
	err := t.tx.GetContext(ctx, &processed,
		`SELECT EXISTS (SELECT 1 FROM position_transactions WHERE position_id = $1 AND transaction_id = $2)`,
		positionID, txID)
	if err != nil {
		return false, translateErr(err)
	}
	return processed, nil
}

func (t *sqlTx) insertTransaction(ctx context.Context, positionID, txID uuid.UUID) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO position_transactions (position_id, transaction_id) VALUES ($1, $2)`,
		positionID, txID)
	return translateErr(err)
}

// diffIDs reconciles the stored transaction set against the aggregate's:
// returns ids to insert and ids to delete.
func diffIDs(stored, current []uuid.UUID) (added, removed []uuid.UUID) {
	have := make(map[uuid.UUID]bool, len(stored))
	for _, id := range stored {
		have[id] = true
	}
	want := make(map[uuid.UUID]bool, len(current))
	for _, id := range current {
		want[id] = true
		if !have[id] {
			added = append(added, id)
		}
	}
	for _, id := range stored {
		if !want[id] {
			removed = append(removed, id)
		}
	}
	return added, removed
}

// Postgres error classes, per the SQLSTATE reference.
const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// translateErr maps storage failures to typed domain errors. Unique
// violations are routed by constraint: the ticker constraint means another
// worker created the position, the transaction-id constraint means the event
// was already folded in somewhere.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgUniqueViolation:
			if strings.Contains(pqErr.Constraint, "transaction") {
				return position.WrapErr(position.KindAlreadyProcessed, err, "transaction id already recorded")
			}
			return position.WrapErr(position.KindDuplicatedPosition, err, "position already exists")
		case pgSerializationFailure, pgDeadlockDetected:
			return position.WrapErr(position.KindPersistenceError, err, "transaction conflict")
		}
	}
	return position.WrapErr(position.KindPersistenceError, err, "storage failure")
}
