// Package event parses the wire envelope carried in the "payload" field of
// every stream entry and discriminates the polymorphic payload by eventType.
//
// Parsing is strictly structural: missing envelope fields or undecodable
// payloads are parse errors (the message is unprocessable and gets
// dead-lettered). Domain-level validation — quantities, prices, unknown
// transaction types — is left to the aggregate so those failures ack with a
// typed error instead of silently dropping.
package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portfolio-tracker/pkg/types"
)

// ParseEnvelope decodes and validates the outer envelope.
func ParseEnvelope(data []byte) (*types.Envelope, error) {
	var env types.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if env.EventID == uuid.Nil {
		return nil, fmt.Errorf("envelope missing eventId")
	}
	switch env.EventType {
	case types.EventTransactionCreated, types.EventTransactionUpdated, types.EventTransactionDeleted:
	default:
		return nil, fmt.Errorf("unknown eventType %q", env.EventType)
	}
	if env.OccurredAt.IsZero() {
		return nil, fmt.Errorf("envelope missing occurredAt")
	}
	if env.MessageCreatedAt.IsZero() {
		return nil, fmt.Errorf("envelope missing messageCreatedAt")
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("envelope missing payload")
	}
	return &env, nil
}

// DecodeTransaction extracts the single-snapshot payload of a Created or
// Deleted event.
func DecodeTransaction(env *types.Envelope) (*types.TransactionPayload, error) {
	if env.EventType != types.EventTransactionCreated && env.EventType != types.EventTransactionDeleted {
		return nil, fmt.Errorf("eventType %s does not carry a transaction payload", env.EventType)
	}
	var p types.TransactionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.EventType, err)
	}
	if p.ID == uuid.Nil {
		return nil, fmt.Errorf("%s payload missing transaction id", env.EventType)
	}
	return &p, nil
}

// DecodeUpdate extracts the two-snapshot payload of an Updated event.
func DecodeUpdate(env *types.Envelope) (*types.UpdatedPayload, error) {
	if env.EventType != types.EventTransactionUpdated {
		return nil, fmt.Errorf("eventType %s does not carry an update payload", env.EventType)
	}
	var p types.UpdatedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.EventType, err)
	}
	if p.PreviousTransaction.ID == uuid.Nil {
		return nil, fmt.Errorf("update payload missing previousTransaction id")
	}
	if p.NewTransaction.ID == uuid.Nil {
		return nil, fmt.Errorf("update payload missing newTransaction id")
	}
	return &p, nil
}

// Fees normalizes the nullable wire fee: null means zero.
func Fees(p types.TransactionPayload) decimal.Decimal {
	if p.Fees == nil {
		return decimal.Zero
	}
	return *p.Fees
}
