package usecase

import (
	"github.com/google/uuid"

	"portfolio-tracker/internal/position"
)

// Status is the outcome of executing a use case for one message.
type Status string

const (
	// StatusSuccess: the mutation committed; acknowledge the message.
	StatusSuccess Status = "SUCCESS"
	// StatusIgnored: duplicate or stale event; acknowledge without effect.
	StatusIgnored Status = "IGNORED"
	// StatusReplay: a dependency has not materialized yet; re-execute the
	// message after a delay instead of acknowledging.
	StatusReplay Status = "REPLAY"
	// StatusError: the message is poison or retries are exhausted;
	// acknowledge and count the failure.
	StatusError Status = "ERROR"
)

// Result is the sum type returned by every use case.
type Result struct {
	Status        Status
	Position      *position.Position
	Reason        string
	TransactionID uuid.UUID
	Code          position.Kind
	Err           error
}

// Success wraps a committed position.
func Success(p *position.Position) Result {
	return Result{Status: StatusSuccess, Position: p}
}

// Ignored marks a no-op outcome.
func Ignored(reason string) Result {
	return Result{Status: StatusIgnored, Reason: reason}
}

// Replay requests delayed re-execution of the message.
func Replay(reason string, txID uuid.UUID) Result {
	return Result{Status: StatusReplay, Reason: reason, TransactionID: txID}
}

// Failed wraps a terminal error with its kind.
func Failed(code position.Kind, err error) Result {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return Result{Status: StatusError, Code: code, Err: err, Reason: reason}
}
