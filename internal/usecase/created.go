package usecase

import (
	"context"

	"portfolio-tracker/internal/position"
)

// ApplyCreated folds a newly created transaction into its ticker's position,
// creating the position on first contact. Idempotent per transaction id: a
// replayed event is Ignored. An oversell (a SELL arriving before the buys
// that cover it) requests Replay.
func (s *Service) ApplyCreated(ctx context.Context, cmd TransactionCommand) Result {
	if err := cmd.Validate(); err != nil {
		return Failed(position.KindOf(err), err)
	}

	duplicateAttempts := 0
	persistAttempts := 0
	for {
		res, err := s.applyCreatedOnce(ctx, cmd)
		if err == nil {
			return res
		}

		switch position.KindOf(err) {
		case position.KindAlreadyProcessed:
			// Lost the race to insert the transaction id: someone else
			// already folded this event in.
			return Ignored("transaction already processed")
		case position.KindDuplicatedPosition:
			// Another worker created the ticker's row between our lookup
			// and our insert; re-reading will find it and update instead.
			if duplicateAttempts >= duplicateRetries {
				return Failed(position.KindDuplicatedPosition, err)
			}
			s.logger.Warn("position insert raced, retrying",
				"ticker", cmd.Ticker, "attempt", duplicateAttempts+1, "error", err)
			if berr := s.backoff(ctx, duplicateAttempts); berr != nil {
				return Failed(position.KindPersistenceError, berr)
			}
			duplicateAttempts++
		default:
			if persistAttempts >= persistenceRetries {
				return Failed(position.KindPersistenceError, err)
			}
			s.logger.Warn("persistence fault applying created transaction, retrying",
				"ticker", cmd.Ticker, "attempt", persistAttempts+1, "error", err)
			if berr := s.backoff(ctx, persistAttempts); berr != nil {
				return Failed(position.KindPersistenceError, berr)
			}
			persistAttempts++
		}
	}
}

func (s *Service) applyCreatedOnce(ctx context.Context, cmd TransactionCommand) (Result, error) {
	var res Result
	err := s.repo.WithinTx(ctx, func(tx Tx) error {
		p, err := tx.FindByTickerForUpdate(ctx, cmd.Ticker)
		if err != nil {
			return err
		}
		if p != nil {
			processed, err := tx.IsTransactionProcessed(ctx, p.ID, cmd.TransactionID)
			if err != nil {
				return err
			}
			if processed {
				res = Ignored("transaction already processed")
				return nil
			}
		}

		fresh := p == nil
		if fresh {
			p = position.New(cmd.Ticker, cmd.Currency)
		}

		if err := p.ApplyTransaction(cmd.TransactionID, cmd.TransactionType, cmd.Quantity, cmd.Price, cmd.Fees); err != nil {
			if position.IsKind(err, position.KindOversell) {
				res = Replay(err.Error(), cmd.TransactionID)
				return nil
			}
			res = Failed(position.KindOf(err), err)
			return nil
		}
		p.MarkEventApplied(cmd.OccurredAt)
		p.SetEnrichment(cmd.Exchange, cmd.Country)

		if fresh {
			if _, err := tx.Save(ctx, p); err != nil {
				return err
			}
		} else {
			if _, err := tx.UpdatePositionWithTransactions(ctx, p); err != nil {
				return err
			}
		}
		res = Success(p)
		return nil
	})
	return res, err
}
