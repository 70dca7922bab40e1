// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the tracker — transaction sides,
// currencies, and the wire-level event envelope consumed from the transaction
// streams. It has no dependencies on internal packages, so it can be imported
// by any layer.
package types

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a transaction: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// ParseSide normalizes a wire-level transaction type. Matching is
// case-insensitive; ok is false for anything that is not BUY or SELL.
func ParseSide(s string) (Side, bool) {
	switch strings.ToUpper(s) {
	case "BUY":
		return BUY, true
	case "SELL":
		return SELL, true
	default:
		return "", false
	}
}

// Currency is the ISO code a position is denominated in.
// Immutable after the position is created.
type Currency string

const (
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

// Valid reports whether the currency is one of the supported codes.
func (c Currency) Valid() bool {
	switch c {
	case USD, EUR, GBP:
		return true
	}
	return false
}

// EventType discriminates the envelope payload.
type EventType string

const (
	EventTransactionCreated EventType = "TransactionCreated"
	EventTransactionUpdated EventType = "TransactionUpdated"
	EventTransactionDeleted EventType = "TransactionDeleted"
)

// ————————————————————————————————————————————————————————————————————————
// Wire envelope
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON carried in the "payload" field of each
// stream entry. The payload is polymorphic: Created/Deleted carry a single
// transaction snapshot, Updated carries the previous and the new snapshot.

// Envelope is the outer wrapper of every transaction lifecycle event.
type Envelope struct {
	EventID          uuid.UUID       `json:"eventId"`
	EventType        EventType       `json:"eventType"`
	OccurredAt       time.Time       `json:"occurredAt"`
	MessageCreatedAt time.Time       `json:"messageCreatedAt"`
	Payload          json.RawMessage `json:"payload"`
}

// TransactionPayload is a full snapshot of one BUY or SELL transaction.
// Fees may be null on the wire; consumers treat null as zero.
type TransactionPayload struct {
	ID                   uuid.UUID        `json:"id"`
	Ticker               string           `json:"ticker"`
	TransactionType      string           `json:"transactionType"`
	Quantity             decimal.Decimal  `json:"quantity"`
	Price                decimal.Decimal  `json:"price"`
	Fees                 *decimal.Decimal `json:"fees"`
	Currency             Currency         `json:"currency"`
	TransactionDate      string           `json:"transactionDate"`
	Exchange             *string          `json:"exchange,omitempty"`
	Country              *string          `json:"country,omitempty"`
	Notes                *string          `json:"notes,omitempty"`
	IsFractional         *bool            `json:"isFractional,omitempty"`
	FractionalMultiplier *decimal.Decimal `json:"fractionalMultiplier,omitempty"`
	CommissionCurrency   *string          `json:"commissionCurrency,omitempty"`
}

// UpdatedPayload is the payload of a TransactionUpdated event: two full
// snapshots of the same transaction id. The ticker may differ between the
// two when the update corrects a mistyped symbol.
type UpdatedPayload struct {
	PreviousTransaction TransactionPayload `json:"previousTransaction"`
	NewTransaction      TransactionPayload `json:"newTransaction"`
}
