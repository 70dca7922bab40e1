package consumer

import (
	"context"

	"portfolio-tracker/internal/event"
	"portfolio-tracker/internal/usecase"
)

// Execution runs an already-parsed command against the use-case layer. A
// replayed message re-runs the same Execution instead of being parsed again.
type Execution func(ctx context.Context) usecase.Result

// Handler turns a raw stream payload into an Execution. A non-nil error means
// the payload is structurally unprocessable and the message belongs in the
// dead-letter stream.
type Handler func(data []byte) (Execution, error)

// CreatedHandler parses transaction-created events.
func CreatedHandler(svc *usecase.Service) Handler {
	return func(data []byte) (Execution, error) {
		env, err := event.ParseEnvelope(data)
		if err != nil {
			return nil, err
		}
		payload, err := event.DecodeTransaction(env)
		if err != nil {
			return nil, err
		}
		cmd := usecase.CommandFromPayload(*payload, env.OccurredAt)
		return func(ctx context.Context) usecase.Result {
			return svc.ApplyCreated(ctx, cmd)
		}, nil
	}
}

// UpdatedHandler parses transaction-updated events.
func UpdatedHandler(svc *usecase.Service) Handler {
	return func(data []byte) (Execution, error) {
		env, err := event.ParseEnvelope(data)
		if err != nil {
			return nil, err
		}
		payload, err := event.DecodeUpdate(env)
		if err != nil {
			return nil, err
		}
		cmd := usecase.UpdateCommandFromPayload(*payload, env.OccurredAt)
		return func(ctx context.Context) usecase.Result {
			return svc.ApplyUpdated(ctx, cmd)
		}, nil
	}
}

// DeletedHandler parses transaction-deleted events.
func DeletedHandler(svc *usecase.Service) Handler {
	return func(data []byte) (Execution, error) {
		env, err := event.ParseEnvelope(data)
		if err != nil {
			return nil, err
		}
		payload, err := event.DecodeTransaction(env)
		if err != nil {
			return nil, err
		}
		cmd := usecase.CommandFromPayload(*payload, env.OccurredAt)
		return func(ctx context.Context) usecase.Result {
			return svc.ApplyDeleted(ctx, cmd)
		}, nil
	}
}
