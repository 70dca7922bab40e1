package usecase

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"portfolio-tracker/internal/position"
	"portfolio-tracker/pkg/types"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var (
	baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

// fakeRepo is an in-memory position store with the same unique-constraint
// behavior as the real one: one position per ticker, one owner per
// transaction id.
type fakeRepo struct {
	mu       sync.Mutex
	byTicker map[string]*position.Position
	txOwner  map[uuid.UUID]uuid.UUID

	// saveRace simulates a concurrent worker: on the next Save, that worker
	// wins the insert and the save fails with DUPLICATED_POSITION.
	saveRace *position.Position
	// txErrs are injected transaction failures, consumed one per WithinTx.
	txErrs []error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		byTicker: make(map[string]*position.Position),
		txOwner:  make(map[uuid.UUID]uuid.UUID),
	}
}

func (r *fakeRepo) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.txErrs) > 0 {
		err := r.txErrs[0]
		r.txErrs = r.txErrs[1:]
		return err
	}
	return fn(&fakeTx{repo: r})
}

type fakeTx struct {
	repo *fakeRepo
}

func (t *fakeTx) FindByTicker(ctx context.Context, ticker string) (*position.Position, error) {
	if p, ok := t.repo.byTicker[ticker]; ok {
		return p.Clone(), nil
	}
	return nil, nil
}

func (t *fakeTx) FindByTickerForUpdate(ctx context.Context, ticker string) (*position.Position, error) {
	return t.FindByTicker(ctx, ticker)
}

func (t *fakeTx) Save(ctx context.Context, p *position.Position) (*position.Position, error) {
	if t.repo.saveRace != nil {
		winner := t.repo.saveRace
		t.repo.saveRace = nil
		t.repo.byTicker[winner.Ticker] = winner.Clone()
		for _, id := range winner.Transactions {
			t.repo.txOwner[id] = winner.ID
		}
		return nil, position.Errorf(position.KindDuplicatedPosition, "ticker %q already exists", p.Ticker)
	}
	if _, ok := t.repo.byTicker[p.Ticker]; ok {
		return nil, position.Errorf(position.KindDuplicatedPosition, "ticker %q already exists", p.Ticker)
	}
	for _, id := range p.Transactions {
		if _, ok := t.repo.txOwner[id]; ok {
			return nil, position.Errorf(position.KindAlreadyProcessed, "transaction %s already recorded", id)
		}
	}
	t.repo.byTicker[p.Ticker] = p.Clone()
	for _, id := range p.Transactions {
		t.repo.txOwner[id] = p.ID
	}
	return p, nil
}

func (t *fakeTx) UpdatePositionWithTransactions(ctx context.Context, p *position.Position) (*position.Position, error) {
	for _, id := range p.Transactions {
		if owner, ok := t.repo.txOwner[id]; ok && owner != p.ID {
			return nil, position.Errorf(position.KindAlreadyProcessed, "transaction %s already recorded", id)
		}
	}
	// Reconcile: drop ids this position no longer holds, add the new ones.
	for id, owner := range t.repo.txOwner {
		if owner == p.ID && !p.HasTransaction(id) {
			delete(t.repo.txOwner, id)
		}
	}
	for _, id := range p.Transactions {
		t.repo.txOwner[id] = p.ID
	}
	t.repo.byTicker[p.Ticker] = p.Clone()
	return p, nil
}

func (t *fakeTx) IsTransactionProcessed(ctx context.Context, positionID, txID uuid.UUID) (bool, error) {
	owner, ok := t.repo.txOwner[txID]
	return ok && owner == positionID, nil
}

func newTestService(repo Repository) *Service {
	svc := NewService(repo, slog.New(slog.NewTextHandler(io.Discard, nil)))
	svc.retryDelay = time.Millisecond
	return svc
}

func buyCommand(txID uuid.UUID, ticker, qty, price, fees string, occurredAt time.Time) TransactionCommand {
	return TransactionCommand{
		TransactionID:   txID,
		Ticker:          ticker,
		TransactionType: "BUY",
		Quantity:        dec(qty),
		Price:           dec(price),
		Fees:            dec(fees),
		Currency:        types.USD,
		TransactionDate: "2025-06-01",
		OccurredAt:      occurredAt,
	}
}

func TestApplyCreatedNewPosition(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo)
	txID := uuid.New()

	res := svc.ApplyCreated(context.Background(), buyCommand(txID, "AAPL", "10", "150", "1.50", baseTime))
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s), want SUCCESS", res.Status, res.Reason)
	}

	p := repo.byTicker["AAPL"]
	if p == nil {
		t.Fatal("position not persisted")
	}
	if !p.SharesOwned.Equal(dec("10")) {
		t.Errorf("SharesOwned = %s, want 10", p.SharesOwned)
	}
	if !p.TotalInvestedAmount.Equal(dec("1501.50")) {
		t.Errorf("TotalInvestedAmount = %s, want 1501.50", p.TotalInvestedAmount)
	}
	if !p.AverageCostPerShare.Equal(dec("150.15")) {
		t.Errorf("AverageCostPerShare = %s, want 150.15", p.AverageCostPerShare)
	}
	if p.LastEventAppliedAt == nil || !p.LastEventAppliedAt.Equal(baseTime) {
		t.Errorf("LastEventAppliedAt = %v, want %v", p.LastEventAppliedAt, baseTime)
	}
}

func TestApplyCreatedIdempotent(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo)
	txID := uuid.New()
	cmd := buyCommand(txID, "AAPL", "10", "150", "1.50", baseTime)

	if res := svc.ApplyCreated(context.Background(), cmd); res.Status != StatusSuccess {
		t.Fatalf("first apply: Status = %s, want SUCCESS", res.Status)
	}
	res := svc.ApplyCreated(context.Background(), cmd)
	if res.Status != StatusIgnored {
		t.Fatalf("second apply: Status = %s, want IGNORED", res.Status)
	}

	p := repo.byTicker["AAPL"]
	if !p.SharesOwned.Equal(dec("10")) {
		t.Errorf("SharesOwned = %s after replayed event, want 10", p.SharesOwned)
	}
	if !p.TotalTransactionFees.Equal(dec("1.50")) {
		t.Errorf("TotalTransactionFees = %s after replayed event, want 1.50", p.TotalTransactionFees)
	}
}

func TestApplyCreatedSellBeforeBuyReplays(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo)
	txID := uuid.New()

	cmd := buyCommand(txID, "AAPL", "5", "100", "0", baseTime)
	cmd.TransactionType = "SELL"

	res := svc.ApplyCreated(context.Background(), cmd)
	if res.Status != StatusReplay {
		t.Fatalf("Status = %s, want REPLAY", res.Status)
	}
	if res.TransactionID != txID {
		t.Errorf("TransactionID = %s, want %s", res.TransactionID, txID)
	}
	if _, ok := repo.byTicker["AAPL"]; ok {
		t.Error("position persisted despite replay outcome")
	}
}

func TestApplyCreatedConcurrentInsertRace(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo)

	// Another worker commits MSFT with its own transaction right before our
	// insert; our save fails and the retry must upsert into the winner's row.
	winner := position.New("MSFT", types.USD)
	winnerTx := uuid.New()
	if err := winner.ApplyTransaction(winnerTx, "BUY", dec("3"), dec("400"), dec("1")); err != nil {
		t.Fatalf("seed winner: %v", err)
	}
	winner.MarkEventApplied(baseTime)
	repo.saveRace = winner

	txID := uuid.New()
	res := svc.ApplyCreated(context.Background(), buyCommand(txID, "MSFT", "2", "410", "1", baseTime.Add(time.Second)))
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s), want SUCCESS", res.Status, res.Reason)
	}

	p := repo.byTicker["MSFT"]
	if !p.SharesOwned.Equal(dec("5")) {
		t.Errorf("SharesOwned = %s, want 5 (serialized application of both events)", p.SharesOwned)
	}
	if !p.HasTransaction(winnerTx) || !p.HasTransaction(txID) {
		t.Errorf("transaction set = %v, want both %s and %s", p.Transactions, winnerTx, txID)
	}
}

func TestApplyCreatedInvalidCurrency(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeRepo())

	cmd := buyCommand(uuid.New(), "AAPL", "1", "100", "0", baseTime)
	cmd.Currency = "JPY"

	res := svc.ApplyCreated(context.Background(), cmd)
	if res.Status != StatusError || res.Code != position.KindInvalidInput {
		t.Errorf("Status = %s code %s, want ERROR %s", res.Status, res.Code, position.KindInvalidInput)
	}
}

func TestApplyCreatedPersistenceRetriesExhausted(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	fault := position.Errorf(position.KindPersistenceError, "connection reset")
	repo.txErrs = []error{fault, fault, fault, fault, fault}
	svc := newTestService(repo)

	res := svc.ApplyCreated(context.Background(), buyCommand(uuid.New(), "AAPL", "1", "100", "0", baseTime))
	if res.Status != StatusError || res.Code != position.KindPersistenceError {
		t.Errorf("Status = %s code %s, want ERROR %s", res.Status, res.Code, position.KindPersistenceError)
	}
}

func TestApplyCreatedPersistenceRetryRecovers(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	repo.txErrs = []error{position.Errorf(position.KindPersistenceError, "serialization failure")}
	svc := newTestService(repo)

	res := svc.ApplyCreated(context.Background(), buyCommand(uuid.New(), "AAPL", "1", "100", "0", baseTime))
	if res.Status != StatusSuccess {
		t.Errorf("Status = %s, want SUCCESS after one transient fault", res.Status)
	}
}

func updateCommand(txID uuid.UUID, prevTicker, prevQty, newTicker, newQty, price, fees string, occurredAt time.Time) UpdateCommand {
	prev := buyCommand(txID, prevTicker, prevQty, price, fees, occurredAt)
	next := buyCommand(txID, newTicker, newQty, price, fees, occurredAt)
	return UpdateCommand{Previous: prev, New: next, OccurredAt: occurredAt}
}

func TestApplyUpdatedQuantityChange(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo)
	txID := uuid.New()

	if res := svc.ApplyCreated(context.Background(), buyCommand(txID, "AAPL", "10", "250", "2", baseTime)); res.Status != StatusSuccess {
		t.Fatalf("seed: Status = %s", res.Status)
	}

	res := svc.ApplyUpdated(context.Background(),
		updateCommand(txID, "AAPL", "10", "AAPL", "15", "250", "2", baseTime.Add(time.Minute)))
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s), want SUCCESS", res.Status, res.Reason)
	}

	p := repo.byTicker["AAPL"]
	if !p.SharesOwned.Equal(dec("15")) {
		t.Errorf("SharesOwned = %s, want 15", p.SharesOwned)
	}
	if !p.TotalInvestedAmount.Equal(dec("3752")) {
		t.Errorf("TotalInvestedAmount = %s, want 3752", p.TotalInvestedAmount)
	}
	if !p.AverageCostPerShare.Equal(dec("250.133333")) {
		t.Errorf("AverageCostPerShare = %s, want 250.133333", p.AverageCostPerShare)
	}
	if !p.TotalTransactionFees.Equal(dec("2")) {
		t.Errorf("TotalTransactionFees = %s, want 2", p.TotalTransactionFees)
	}
}

func TestApplyUpdatedPositionMissing(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeRepo())

	res := svc.ApplyUpdated(context.Background(),
		updateCommand(uuid.New(), "AAPL", "10", "AAPL", "15", "250", "2", baseTime))
	if res.Status != StatusIgnored {
		t.Errorf("Status = %s, want IGNORED when position never materialized", res.Status)
	}
}

func TestApplyUpdatedOutOfOrder(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo)
	txID := uuid.New()

	if res := svc.ApplyCreated(context.Background(), buyCommand(txID, "AAPL", "10", "250", "2", baseTime)); res.Status != StatusSuccess {
		t.Fatalf("seed: Status = %s", res.Status)
	}
	before := repo.byTicker["AAPL"].Clone()

	res := svc.ApplyUpdated(context.Background(),
		updateCommand(txID, "AAPL", "10", "AAPL", "15", "250", "2", baseTime.Add(-time.Minute)))
	if res.Status != StatusIgnored {
		t.Fatalf("Status = %s, want IGNORED for stale event", res.Status)
	}

	after := repo.byTicker["AAPL"]
	if !after.SharesOwned.Equal(before.SharesOwned) || !after.TotalInvestedAmount.Equal(before.TotalInvestedAmount) {
		t.Error("stale update mutated the position")
	}
}

func TestApplyUpdatedTickerCorrection(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo)
	txID := uuid.New()

	if res := svc.ApplyCreated(context.Background(), buyCommand(txID, "APPL", "10", "250", "2", baseTime)); res.Status != StatusSuccess {
		t.Fatalf("seed: Status = %s", res.Status)
	}

	res := svc.ApplyUpdated(context.Background(),
		updateCommand(txID, "APPL", "10", "AAPL", "10", "250", "2", baseTime.Add(time.Minute)))
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s), want SUCCESS", res.Status, res.Reason)
	}

	old := repo.byTicker["APPL"]
	if !old.SharesOwned.IsZero() || !old.TotalInvestedAmount.IsZero() || !old.TotalTransactionFees.IsZero() {
		t.Errorf("old position not zeroed: shares=%s invested=%s fees=%s",
			old.SharesOwned, old.TotalInvestedAmount, old.TotalTransactionFees)
	}
	if old.IsActive {
		t.Error("old position still active after correction")
	}
	if old.HasTransaction(txID) {
		t.Error("old position still owns the transaction")
	}

	moved := repo.byTicker["AAPL"]
	if moved == nil {
		t.Fatal("new position not created")
	}
	if !moved.SharesOwned.Equal(dec("10")) || !moved.TotalInvestedAmount.Equal(dec("2502")) {
		t.Errorf("new position shares=%s invested=%s, want 10 / 2502", moved.SharesOwned, moved.TotalInvestedAmount)
	}
	if !moved.HasTransaction(txID) {
		t.Error("new position does not own the transaction")
	}
}

func TestApplyUpdatedTickerChangeOldMissing(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeRepo())

	res := svc.ApplyUpdated(context.Background(),
		updateCommand(uuid.New(), "APPL", "10", "AAPL", "10", "250", "2", baseTime))
	if res.Status != StatusError || res.Code != position.KindInvalidInput {
		t.Errorf("Status = %s code %s, want ERROR %s", res.Status, res.Code, position.KindInvalidInput)
	}
}

func TestApplyDeletedReversesTransaction(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo)
	txID := uuid.New()

	if res := svc.ApplyCreated(context.Background(), buyCommand(txID, "AAPL", "10", "150", "1", baseTime)); res.Status != StatusSuccess {
		t.Fatalf("seed: Status = %s", res.Status)
	}

	res := svc.ApplyDeleted(context.Background(), buyCommand(txID, "AAPL", "10", "150", "1", baseTime.Add(time.Minute)))
	if res.Status != StatusSuccess {
		t.Fatalf("Status = %s (%s), want SUCCESS", res.Status, res.Reason)
	}

	p := repo.byTicker["AAPL"]
	if !p.SharesOwned.IsZero() || !p.TotalInvestedAmount.IsZero() {
		t.Errorf("position not reversed: shares=%s invested=%s", p.SharesOwned, p.TotalInvestedAmount)
	}
	if p.IsActive {
		t.Error("position still active after reversing only transaction")
	}
	if p.HasTransaction(txID) {
		t.Error("transaction id still in the set after delete")
	}
}

func TestApplyDeletedBeforeCreatedReplays(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeRepo())
	txID := uuid.New()

	res := svc.ApplyDeleted(context.Background(), buyCommand(txID, "AAPL", "10", "150", "1", baseTime))
	if res.Status != StatusReplay {
		t.Fatalf("Status = %s, want REPLAY when position does not exist", res.Status)
	}
	if res.TransactionID != txID {
		t.Errorf("TransactionID = %s, want %s", res.TransactionID, txID)
	}
}

func TestApplyDeletedUnknownTransactionReplays(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo)

	if res := svc.ApplyCreated(context.Background(), buyCommand(uuid.New(), "AAPL", "10", "150", "1", baseTime)); res.Status != StatusSuccess {
		t.Fatalf("seed: Status = %s", res.Status)
	}

	res := svc.ApplyDeleted(context.Background(), buyCommand(uuid.New(), "AAPL", "10", "150", "1", baseTime.Add(time.Minute)))
	if res.Status != StatusReplay {
		t.Errorf("Status = %s, want REPLAY for a transaction not yet folded in", res.Status)
	}
}

func TestApplyDeletedStaleEventIgnored(t *testing.T) {
	t.Parallel()
	repo := newFakeRepo()
	svc := newTestService(repo)
	txID := uuid.New()

	if res := svc.ApplyCreated(context.Background(), buyCommand(txID, "AAPL", "10", "150", "1", baseTime)); res.Status != StatusSuccess {
		t.Fatalf("seed: Status = %s", res.Status)
	}

	// Redelivery with the same occurredAt must be a no-op.
	res := svc.ApplyDeleted(context.Background(), buyCommand(txID, "AAPL", "10", "150", "1", baseTime))
	if res.Status != StatusIgnored {
		t.Errorf("Status = %s, want IGNORED at the ordering gate", res.Status)
	}
}

func TestCommandFromPayloadNullFees(t *testing.T) {
	t.Parallel()
	p := types.TransactionPayload{
		ID:              uuid.New(),
		Ticker:          "AAPL",
		TransactionType: "BUY",
		Quantity:        dec("10"),
		Price:           dec("150"),
		Fees:            nil,
		Currency:        types.USD,
	}

	cmd := CommandFromPayload(p, baseTime)
	if !cmd.Fees.IsZero() {
		t.Errorf("Fees = %s, want zero for a null wire fee", cmd.Fees)
	}
	if err := cmd.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
}
