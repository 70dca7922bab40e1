package usecase

import (
	"context"

	"portfolio-tracker/internal/position"
)

// ApplyDeleted reverses a deleted transaction out of its position. If the
// position or the source transaction has not materialized yet — the deleted
// event outran the created one — the message is replayed until it has.
func (s *Service) ApplyDeleted(ctx context.Context, cmd TransactionCommand) Result {
	if err := cmd.Validate(); err != nil {
		return Failed(position.KindOf(err), err)
	}

	run := func() (Result, error) {
		var res Result
		err := s.repo.WithinTx(ctx, func(tx Tx) error {
			p, err := tx.FindByTickerForUpdate(ctx, cmd.Ticker)
			if err != nil {
				return err
			}
			if p == nil {
				res = Replay("position not found", cmd.TransactionID)
				return nil
			}
			if p.ShouldIgnoreEvent(cmd.OccurredAt) {
				res = Ignored("out-of-order event")
				return nil
			}
			processed, err := tx.IsTransactionProcessed(ctx, p.ID, cmd.TransactionID)
			if err != nil {
				return err
			}
			if !processed {
				res = Replay("transaction not yet processed", cmd.TransactionID)
				return nil
			}

			if err := p.ReverseTransaction(cmd.TransactionID, cmd.TransactionType, cmd.Quantity, cmd.Price, cmd.Fees); err != nil {
				if position.IsKind(err, position.KindOversell) {
					// Basis or shares to undo are missing until the
					// dependent events are reversed first.
					res = Replay(err.Error(), cmd.TransactionID)
					return nil
				}
				res = Failed(position.KindOf(err), err)
				return nil
			}
			p.MarkEventApplied(cmd.OccurredAt)

			if _, err := tx.UpdatePositionWithTransactions(ctx, p); err != nil {
				return err
			}
			res = Success(p)
			return nil
		})
		return res, err
	}
	return s.runWithPersistenceRetry(ctx, "delete", run)
}
