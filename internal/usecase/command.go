package usecase

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portfolio-tracker/internal/event"
	"portfolio-tracker/internal/position"
	"portfolio-tracker/pkg/types"
)

// TransactionCommand is the normalized input for the Created and Deleted use
// cases: one transaction snapshot plus the event's ordering instant.
type TransactionCommand struct {
	TransactionID   uuid.UUID
	Ticker          string
	TransactionType string
	Quantity        decimal.Decimal
	Price           decimal.Decimal
	Fees            decimal.Decimal
	Currency        types.Currency
	TransactionDate string
	OccurredAt      time.Time
	Exchange        *string
	Country         *string
}

// CommandFromPayload builds a command from a wire snapshot. Null fees become
// zero here so the aggregate never sees a nil amount.
func CommandFromPayload(p types.TransactionPayload, occurredAt time.Time) TransactionCommand {
	return TransactionCommand{
		TransactionID:   p.ID,
		Ticker:          p.Ticker,
		TransactionType: p.TransactionType,
		Quantity:        p.Quantity,
		Price:           p.Price,
		Fees:            event.Fees(p),
		Currency:        p.Currency,
		TransactionDate: p.TransactionDate,
		OccurredAt:      occurredAt,
		Exchange:        p.Exchange,
		Country:         p.Country,
	}
}

// Validate checks the fields the aggregate itself cannot: identity and
// position-level attributes. Trade amounts are validated by the aggregate.
func (c TransactionCommand) Validate() error {
	if c.TransactionID == uuid.Nil {
		return position.Errorf(position.KindInvalidInput, "missing transaction id")
	}
	if c.Ticker == "" {
		return position.Errorf(position.KindInvalidInput, "missing ticker")
	}
	if !c.Currency.Valid() {
		return position.Errorf(position.KindInvalidInput, "unsupported currency %q", c.Currency)
	}
	if c.OccurredAt.IsZero() {
		return position.Errorf(position.KindInvalidInput, "missing occurredAt")
	}
	return nil
}

// UpdateCommand is the input for the Updated use case: the previous and new
// snapshots of one transaction. The tickers may differ when the update
// corrects the symbol.
type UpdateCommand struct {
	Previous   TransactionCommand
	New        TransactionCommand
	OccurredAt time.Time
}

// UpdateCommandFromPayload builds the update command from the two-snapshot
// wire payload.
func UpdateCommandFromPayload(p types.UpdatedPayload, occurredAt time.Time) UpdateCommand {
	return UpdateCommand{
		Previous:   CommandFromPayload(p.PreviousTransaction, occurredAt),
		New:        CommandFromPayload(p.NewTransaction, occurredAt),
		OccurredAt: occurredAt,
	}
}

// TickerChanged reports whether the update moves the transaction between
// tickers.
func (c UpdateCommand) TickerChanged() bool {
	return c.Previous.Ticker != c.New.Ticker
}

// Validate checks both snapshots.
func (c UpdateCommand) Validate() error {
	if err := c.Previous.Validate(); err != nil {
		return err
	}
	return c.New.Validate()
}
