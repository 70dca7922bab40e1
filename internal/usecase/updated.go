package usecase

import (
	"context"

	"portfolio-tracker/internal/position"
)

// ApplyUpdated corrects a previously applied transaction: reverse the old
// snapshot, apply the new one. When the ticker is unchanged both steps hit
// one aggregate in one transaction. When the update moves the transaction to
// a different ticker, the old side commits first and the new side follows in
// its own transaction; locks are always taken old ticker first, so symmetric
// corrections cannot deadlock.
func (s *Service) ApplyUpdated(ctx context.Context, cmd UpdateCommand) Result {
	if err := cmd.Validate(); err != nil {
		return Failed(position.KindOf(err), err)
	}
	if cmd.TickerChanged() {
		return s.applyTickerChange(ctx, cmd)
	}
	return s.applySameTicker(ctx, cmd)
}

func (s *Service) applySameTicker(ctx context.Context, cmd UpdateCommand) Result {
	run := func() (Result, error) {
		var res Result
		err := s.repo.WithinTx(ctx, func(tx Tx) error {
			p, err := tx.FindByTickerForUpdate(ctx, cmd.New.Ticker)
			if err != nil {
				return err
			}
			if p == nil {
				// The created event that would have built this position
				// never arrived; there is nothing to reverse.
				res = Ignored("position not found")
				return nil
			}
			if p.ShouldIgnoreEvent(cmd.OccurredAt) {
				res = Ignored("out-of-order event")
				return nil
			}

			prev := cmd.Previous
			if err := p.ReverseTransaction(prev.TransactionID, prev.TransactionType, prev.Quantity, prev.Price, prev.Fees); err != nil {
				if position.IsKind(err, position.KindOversell) {
					res = Replay(err.Error(), prev.TransactionID)
					return nil
				}
				res = Failed(position.KindOf(err), err)
				return nil
			}
			next := cmd.New
			if err := p.ApplyTransaction(next.TransactionID, next.TransactionType, next.Quantity, next.Price, next.Fees); err != nil {
				if position.IsKind(err, position.KindOversell) {
					res = Replay(err.Error(), next.TransactionID)
					return nil
				}
				res = Failed(position.KindOf(err), err)
				return nil
			}
			p.MarkEventApplied(cmd.OccurredAt)
			p.SetEnrichment(next.Exchange, next.Country)

			if _, err := tx.UpdatePositionWithTransactions(ctx, p); err != nil {
				return err
			}
			res = Success(p)
			return nil
		})
		return res, err
	}
	return s.runWithPersistenceRetry(ctx, "update", run)
}

func (s *Service) applyTickerChange(ctx context.Context, cmd UpdateCommand) Result {
	// Old side: reverse the previous snapshot and commit. A rejection on the
	// new side below leaves this committed; the aggregate stays internally
	// consistent because the transaction was fully removed from it.
	reverseOld := func() (Result, error) {
		var res Result
		err := s.repo.WithinTx(ctx, func(tx Tx) error {
			oldP, err := tx.FindByTickerForUpdate(ctx, cmd.Previous.Ticker)
			if err != nil {
				return err
			}
			if oldP == nil {
				res = Failed(position.KindInvalidInput,
					position.Errorf(position.KindInvalidInput, "old position %q not found", cmd.Previous.Ticker))
				return nil
			}
			if oldP.ShouldIgnoreEvent(cmd.OccurredAt) {
				res = Ignored("out-of-order event on old position")
				return nil
			}
			prev := cmd.Previous
			if err := oldP.ReverseTransaction(prev.TransactionID, prev.TransactionType, prev.Quantity, prev.Price, prev.Fees); err != nil {
				if position.IsKind(err, position.KindOversell) {
					res = Replay(err.Error(), prev.TransactionID)
					return nil
				}
				res = Failed(position.KindOf(err), err)
				return nil
			}
			oldP.MarkEventApplied(cmd.OccurredAt)
			if _, err := tx.UpdatePositionWithTransactions(ctx, oldP); err != nil {
				return err
			}
			res = Success(oldP)
			return nil
		})
		return res, err
	}
	if res := s.runWithPersistenceRetry(ctx, "update old ticker", reverseOld); res.Status != StatusSuccess {
		return res
	}

	applyNew := func() (Result, error) {
		var res Result
		err := s.repo.WithinTx(ctx, func(tx Tx) error {
			newP, err := tx.FindByTickerForUpdate(ctx, cmd.New.Ticker)
			if err != nil {
				return err
			}
			if newP != nil && newP.ShouldIgnoreEvent(cmd.OccurredAt) {
				res = Ignored("out-of-order event on new position")
				return nil
			}
			fresh := newP == nil
			if fresh {
				newP = position.New(cmd.New.Ticker, cmd.New.Currency)
			}
			next := cmd.New
			if err := newP.ApplyTransaction(next.TransactionID, next.TransactionType, next.Quantity, next.Price, next.Fees); err != nil {
				if position.IsKind(err, position.KindOversell) {
					res = Replay(err.Error(), next.TransactionID)
					return nil
				}
				res = Failed(position.KindOf(err), err)
				return nil
			}
			newP.MarkEventApplied(cmd.OccurredAt)
			newP.SetEnrichment(next.Exchange, next.Country)

			if fresh {
				if _, err := tx.Save(ctx, newP); err != nil {
					return err
				}
			} else {
				if _, err := tx.UpdatePositionWithTransactions(ctx, newP); err != nil {
					return err
				}
			}
			res = Success(newP)
			return nil
		})
		return res, err
	}
	return s.runWithPersistenceRetry(ctx, "update new ticker", applyNew)
}

// runWithPersistenceRetry re-runs a transactional step on transient storage
// faults, up to the persistence budget.
func (s *Service) runWithPersistenceRetry(ctx context.Context, op string, run func() (Result, error)) Result {
	for attempt := 0; ; attempt++ {
		res, err := run()
		if err == nil {
			return res
		}
		switch position.KindOf(err) {
		case position.KindAlreadyProcessed:
			return Ignored("transaction already processed")
		default:
			if attempt >= persistenceRetries {
				return Failed(position.KindPersistenceError, err)
			}
			s.logger.Warn("persistence fault, retrying",
				"op", op, "attempt", attempt+1, "error", err)
			if berr := s.backoff(ctx, attempt); berr != nil {
				return Failed(position.KindPersistenceError, berr)
			}
		}
	}
}
