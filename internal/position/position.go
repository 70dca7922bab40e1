// Package position implements the per-ticker aggregate at the heart of the
// projection: share count, average cost basis, invested amount, and running
// fees, mutated by applying and reversing BUY/SELL transactions.
//
// All monetary arithmetic uses fixed-scale decimals: scale 4 for money
// amounts, scale 6 for shares and average cost. Division rounds half-up.
// The aggregate is pure and in-memory; persistence lives elsewhere.
//
// Fee asymmetry: fees on a BUY capitalize into the cost basis (they raise
// TotalInvestedAmount), fees on a SELL are expensed and only accumulate in
// TotalTransactionFees. Reverse operations mirror the same asymmetry.
package position

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portfolio-tracker/pkg/types"
)

const (
	moneyScale  = 4 // invested amount, fees, market price
	sharesScale = 6 // share count, average cost per share
)

// Position is the aggregate root: one per ticker.
type Position struct {
	ID                   uuid.UUID
	Ticker               string
	Currency             types.Currency
	SharesOwned          decimal.Decimal
	AverageCostPerShare  decimal.Decimal
	TotalInvestedAmount  decimal.Decimal
	TotalTransactionFees decimal.Decimal
	LatestMarketPrice    decimal.Decimal
	FirstPurchaseDate    time.Time
	LastUpdated          time.Time
	LastEventAppliedAt   *time.Time
	IsActive             bool
	Exchange             *string
	Country              *string

	// Transactions holds the ids of every event folded into this aggregate.
	// Set semantics: an id appears at most once.
	Transactions []uuid.UUID
}

// New creates an empty position for a ticker. The id is assigned immediately
// so the transaction set can reference it before the first persist.
func New(ticker string, currency types.Currency) *Position {
	now := time.Now().UTC()
	return &Position{
		ID:                   uuid.New(),
		Ticker:               ticker,
		Currency:             currency,
		SharesOwned:          decimal.Zero,
		AverageCostPerShare:  decimal.Zero,
		TotalInvestedAmount:  decimal.Zero,
		TotalTransactionFees: decimal.Zero,
		LatestMarketPrice:    decimal.Zero,
		FirstPurchaseDate:    now,
		LastUpdated:          now,
	}
}

// Clone returns a deep copy. Repositories and tests use it to hand out
// mutable snapshots without aliasing the stored aggregate.
func (p *Position) Clone() *Position {
	cp := *p
	if p.LastEventAppliedAt != nil {
		t := *p.LastEventAppliedAt
		cp.LastEventAppliedAt = &t
	}
	if p.Exchange != nil {
		s := *p.Exchange
		cp.Exchange = &s
	}
	if p.Country != nil {
		s := *p.Country
		cp.Country = &s
	}
	cp.Transactions = append([]uuid.UUID(nil), p.Transactions...)
	return &cp
}

func validateTrade(qty, price, fees decimal.Decimal) error {
	if !qty.IsPositive() {
		return Errorf(KindInvalidInput, "quantity must be positive, got %s", qty)
	}
	if price.IsNegative() {
		return Errorf(KindInvalidInput, "price must not be negative, got %s", price)
	}
	if fees.IsNegative() {
		return Errorf(KindInvalidInput, "fees must not be negative, got %s", fees)
	}
	return nil
}

// ApplyBuy folds a purchase into the position. Fees capitalize into the
// invested amount and therefore into the average cost.
func (p *Position) ApplyBuy(qty, price, fees decimal.Decimal) error {
	if err := validateTrade(qty, price, fees); err != nil {
		return err
	}
	cost := qty.Mul(price).Add(fees).Round(moneyScale)
	p.SharesOwned = p.SharesOwned.Add(qty)
	p.TotalInvestedAmount = p.TotalInvestedAmount.Add(cost).Round(moneyScale)
	p.AverageCostPerShare = p.TotalInvestedAmount.DivRound(p.SharesOwned, sharesScale)
	p.TotalTransactionFees = p.TotalTransactionFees.Add(fees).Round(moneyScale)
	p.LatestMarketPrice = price.Round(moneyScale)
	p.IsActive = true
	return nil
}

// ApplySell reduces the position. The basis removed is qty × current average
// cost, not the trade price; the difference is realized outside this
// projection. Selling more shares than owned fails with OVERSELL.
func (p *Position) ApplySell(qty, price, fees decimal.Decimal) error {
	if err := validateTrade(qty, price, fees); err != nil {
		return err
	}
	if qty.GreaterThan(p.SharesOwned) {
		return Errorf(KindOversell, "cannot sell %s shares of %s, only %s owned", qty, p.Ticker, p.SharesOwned)
	}
	proportionalCost := qty.Mul(p.AverageCostPerShare).Round(moneyScale)
	p.SharesOwned = p.SharesOwned.Sub(qty)
	if p.SharesOwned.IsZero() {
		p.TotalInvestedAmount = decimal.Zero
		p.AverageCostPerShare = decimal.Zero
		p.IsActive = false
	} else {
		p.TotalInvestedAmount = p.TotalInvestedAmount.Sub(proportionalCost).Round(moneyScale)
		p.AverageCostPerShare = p.TotalInvestedAmount.DivRound(p.SharesOwned, sharesScale)
		p.IsActive = true
	}
	p.TotalTransactionFees = p.TotalTransactionFees.Add(fees).Round(moneyScale)
	p.LatestMarketPrice = price.Round(moneyScale)
	return nil
}

// ReverseBuy is the exact inverse of ApplyBuy: it removes the shares and the
// full capitalized cost, and subtracts the fees from the running total.
func (p *Position) ReverseBuy(qty, price, fees decimal.Decimal) error {
	if err := validateTrade(qty, price, fees); err != nil {
		return err
	}
	if qty.GreaterThan(p.SharesOwned) {
		return Errorf(KindOversell, "cannot reverse buy of %s shares of %s, only %s owned", qty, p.Ticker, p.SharesOwned)
	}
	cost := qty.Mul(price).Add(fees).Round(moneyScale)
	p.SharesOwned = p.SharesOwned.Sub(qty)
	if p.SharesOwned.IsZero() {
		p.TotalInvestedAmount = decimal.Zero
		p.AverageCostPerShare = decimal.Zero
		p.IsActive = false
	} else {
		p.TotalInvestedAmount = p.TotalInvestedAmount.Sub(cost).Round(moneyScale)
		p.AverageCostPerShare = p.TotalInvestedAmount.DivRound(p.SharesOwned, sharesScale)
		p.IsActive = true
	}
	p.TotalTransactionFees = p.TotalTransactionFees.Sub(fees).Round(moneyScale)
	return nil
}

// ReverseSell restores the shares and basis removed by a sell. The basis is
// restored at the current average cost; if intervening trades moved the
// average, the restored basis differs from the historical one and callers
// may need to replay from an empty projection.
func (p *Position) ReverseSell(qty, price, fees decimal.Decimal) error {
	if err := validateTrade(qty, price, fees); err != nil {
		return err
	}
	if p.AverageCostPerShare.LessThanOrEqual(decimal.Zero) {
		return Errorf(KindOversell, "cannot reverse sell of %s: %s has no cost basis to restore", qty, p.Ticker)
	}
	p.SharesOwned = p.SharesOwned.Add(qty)
	p.TotalInvestedAmount = p.TotalInvestedAmount.Add(qty.Mul(p.AverageCostPerShare)).Round(moneyScale)
	p.AverageCostPerShare = p.TotalInvestedAmount.DivRound(p.SharesOwned, sharesScale)
	p.TotalTransactionFees = p.TotalTransactionFees.Sub(fees).Round(moneyScale)
	p.IsActive = true
	return nil
}

// ApplyTransaction dispatches on the transaction type (case-insensitive),
// records the transaction id in the set, and bumps LastUpdated.
func (p *Position) ApplyTransaction(txID uuid.UUID, txType string, qty, price, fees decimal.Decimal) error {
	side, ok := types.ParseSide(txType)
	if !ok {
		return Errorf(KindInvalidInput, "unknown transaction type %q", txType)
	}
	var err error
	switch side {
	case types.BUY:
		err = p.ApplyBuy(qty, price, fees)
	case types.SELL:
		err = p.ApplySell(qty, price, fees)
	}
	if err != nil {
		return err
	}
	p.addTransaction(txID)
	p.LastUpdated = time.Now().UTC()
	return nil
}

// ReverseTransaction undoes a previously applied transaction and removes its
// id from the set.
func (p *Position) ReverseTransaction(txID uuid.UUID, txType string, qty, price, fees decimal.Decimal) error {
	side, ok := types.ParseSide(txType)
	if !ok {
		return Errorf(KindInvalidInput, "unknown transaction type %q", txType)
	}
	var err error
	switch side {
	case types.BUY:
		err = p.ReverseBuy(qty, price, fees)
	case types.SELL:
		err = p.ReverseSell(qty, price, fees)
	}
	if err != nil {
		return err
	}
	p.removeTransaction(txID)
	p.LastUpdated = time.Now().UTC()
	return nil
}

// ShouldIgnoreEvent reports whether an event is stale relative to the
// aggregate: anything at or before the last applied instant is a no-op.
func (p *Position) ShouldIgnoreEvent(occurredAt time.Time) bool {
	return p.LastEventAppliedAt != nil && !occurredAt.After(*p.LastEventAppliedAt)
}

// MarkEventApplied advances the ordering gate to occurredAt.
func (p *Position) MarkEventApplied(occurredAt time.Time) {
	t := occurredAt.UTC()
	p.LastEventAppliedAt = &t
}

// HasTransaction reports whether txID has been folded into this aggregate.
func (p *Position) HasTransaction(txID uuid.UUID) bool {
	for _, id := range p.Transactions {
		if id == txID {
			return true
		}
	}
	return false
}

// SetEnrichment carries optional exchange/country metadata from an event.
// Nil values leave the stored value untouched.
func (p *Position) SetEnrichment(exchange, country *string) {
	if exchange != nil {
		p.Exchange = exchange
	}
	if country != nil {
		p.Country = country
	}
}

func (p *Position) addTransaction(txID uuid.UUID) {
	if p.HasTransaction(txID) {
		return
	}
	p.Transactions = append(p.Transactions, txID)
}

func (p *Position) removeTransaction(txID uuid.UUID) {
	for i, id := range p.Transactions {
		if id == txID {
			p.Transactions = append(p.Transactions[:i], p.Transactions[i+1:]...)
			return
		}
	}
}
