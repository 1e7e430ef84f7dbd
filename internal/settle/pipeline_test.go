package settle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bestguess/internal/cache"
	"bestguess/internal/leaderboard"
)

type fakeStore struct {
	cat    *cache.Catalog
	states map[string]*cache.PlayerState
}

func newFakeStore(players ...string) *fakeStore {
	cat := cache.DefaultCatalog()
	fs := &fakeStore{cat: cat, states: map[string]*cache.PlayerState{}}
	for _, p := range players {
		st := cache.NewPlayerState(p, "Player "+p, cat, time.Now())
		st.WalletAddress = "0x" + p
		st.Gold = 1000
		fs.states[p] = st
	}
	return fs
}

func (f *fakeStore) Read(_ context.Context, playerID string) (*cache.PlayerState, error) {
	st, ok := f.states[playerID]
	if !ok {
		return nil, cache.ErrStateNotFound
	}
	return st, nil
}

func (f *fakeStore) Mutate(_ context.Context, playerID, _ string, fn func(*cache.PlayerState) error) (*cache.PlayerState, error) {
	st, ok := f.states[playerID]
	if !ok {
		return nil, cache.ErrStateNotFound
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	return st, nil
}

func (f *fakeStore) ApplySettlement(_ context.Context, playerID string, won bool, amount int64) (cache.SettlementOutcome, error) {
	st, ok := f.states[playerID]
	if !ok {
		return cache.SettlementOutcome{}, cache.ErrStateNotFound
	}
	return st.ApplySettlement(f.cat, won, amount), nil
}

type fakeLedger struct {
	records []*TransactionRecord
	updates int
}

func (f *fakeLedger) Append(_ context.Context, rec *TransactionRecord) error {
	for _, r := range f.records {
		if r.RoundID == rec.RoundID && r.Phase == rec.Phase {
			return fmt.Errorf("round %s phase %s: %w", rec.RoundID, rec.Phase, ErrDuplicateRecord)
		}
	}
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeLedger) Update(_ context.Context, rec *TransactionRecord) error {
	f.updates++
	for i, r := range f.records {
		if r.ID == rec.ID {
			f.records[i] = rec
			return nil
		}
	}
	return ErrRecordNotFound
}

func (f *fakeLedger) FindByRound(_ context.Context, roundID string, phase Phase) (*TransactionRecord, error) {
	for _, r := range f.records {
		if r.RoundID == roundID && r.Phase == phase {
			return r, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (f *fakeLedger) FindByItx(_ context.Context, itx string) (*TransactionRecord, error) {
	for _, r := range f.records {
		if r.Itx == itx {
			return r, nil
		}
	}
	return nil, ErrRecordNotFound
}

func (f *fakeLedger) SumPendingStakes(_ context.Context, playerID, excludeRound string) (int64, error) {
	var total int64
	for _, r := range f.records {
		if r.Phase != PhasePlaced || r.RoundID == excludeRound {
			continue
		}
		if r.Status != StatusPendingSubmit && r.Status != StatusSubmitted {
			continue
		}
		total += r.StakeOf(playerID)
	}
	return total, nil
}

type fakeEscrow struct {
	consumed    map[string]bool
	failures    int
	timeoutOnce bool
	submits     int
	keyChecks   int
}

func newFakeEscrow() *fakeEscrow {
	return &fakeEscrow{consumed: map[string]bool{}}
}

func (f *fakeEscrow) submit(itx string) (string, error) {
	f.submits++
	if f.failures > 0 {
		f.failures--
		return "", errors.New("node unavailable")
	}
	f.consumed[itx] = true
	hash := fmt.Sprintf("0xtx%d", f.submits)
	if f.timeoutOnce {
		f.timeoutOnce = false
		return hash, fmt.Errorf("tx %s: %w", hash, ErrConfirmTimeout)
	}
	return hash, nil
}

func (f *fakeEscrow) SubmitPlacement(_ context.Context, itx, _ string, _ []string, _ []int64) (string, error) {
	return f.submit(itx)
}

func (f *fakeEscrow) SubmitSettlement(_ context.Context, itx, _, _ string) (string, error) {
	return f.submit(itx)
}

func (f *fakeEscrow) IsKeyConsumed(_ context.Context, itx string) (bool, error) {
	f.keyChecks++
	return f.consumed[itx], nil
}

type fakeBoards struct {
	increments map[string]int64
}

func (f *fakeBoards) Increment(_ context.Context, b leaderboard.Board, playerID string, delta int64) error {
	if f.increments == nil {
		f.increments = map[string]int64{}
	}
	f.increments[playerID+"/"+string(b)] += delta
	return nil
}

// racingLedger simulates a caller that lost an append race: the first
// FindByRound for the marked (round, phase) misses even though a concurrent
// writer already stored the record.
type racingLedger struct {
	*fakeLedger
	missRound string
	missPhase Phase
	missed    bool
}

func (r *racingLedger) FindByRound(ctx context.Context, roundID string, phase Phase) (*TransactionRecord, error) {
	if !r.missed && roundID == r.missRound && phase == r.missPhase {
		r.missed = true
		return nil, ErrRecordNotFound
	}
	return r.fakeLedger.FindByRound(ctx, roundID, phase)
}

func newTestPipeline(store *fakeStore, ledger Ledger, escrow *fakeEscrow, boards *fakeBoards, opts ...PipelineOption) *Pipeline {
	opts = append([]PipelineOption{WithSubmitRetry(3, 0)}, opts...)
	return NewPipeline(store, ledger, escrow, boards, zerolog.Nop(), nil, opts...)
}

func TestPlaceWagerHappyPath(t *testing.T) {
	store := newFakeStore("a", "b")
	ledger := &fakeLedger{}
	escrow := newFakeEscrow()
	p := newTestPipeline(store, ledger, escrow, &fakeBoards{})
	ctx := context.Background()

	rec, err := p.PlaceWager(ctx, "r1", []string{"a", "b"}, []int64{20, 30})
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if rec.Status != StatusConfirmed {
		t.Fatalf("status=%s, want confirmed", rec.Status)
	}
	if rec.TxHash == "" || rec.Itx == "" {
		t.Fatalf("record missing chain identity: %+v", rec)
	}
	if escrow.submits != 1 {
		t.Fatalf("submits=%d, want 1", escrow.submits)
	}

	// Stakes debited at placement confirmation, pending keys cleared.
	if store.states["a"].Gold != 980 || store.states["b"].Gold != 970 {
		t.Errorf("balances after placement: a=%d b=%d", store.states["a"].Gold, store.states["b"].Gold)
	}
	if store.states["a"].HasPendingItx(rec.Itx) || store.states["b"].HasPendingItx(rec.Itx) {
		t.Error("pending key survived confirmation")
	}
}

func TestPlaceWagerIdempotent(t *testing.T) {
	store := newFakeStore("a", "b")
	ledger := &fakeLedger{}
	escrow := newFakeEscrow()
	p := newTestPipeline(store, ledger, escrow, &fakeBoards{})
	ctx := context.Background()

	first, err := p.PlaceWager(ctx, "r1", []string{"a", "b"}, []int64{20, 20})
	if err != nil {
		t.Fatal(err)
	}
	second, err := p.PlaceWager(ctx, "r1", []string{"a", "b"}, []int64{20, 20})
	if err != nil {
		t.Fatalf("duplicate place: %v", err)
	}
	if first.ID != second.ID {
		t.Error("duplicate call created a second record")
	}
	if escrow.submits != 1 {
		t.Errorf("submits=%d, want exactly 1", escrow.submits)
	}
	if len(ledger.records) != 1 {
		t.Errorf("ledger records=%d, want 1", len(ledger.records))
	}
	// The duplicate must not debit again.
	if store.states["a"].Gold != 980 {
		t.Errorf("balance after duplicate=%d, want 980", store.states["a"].Gold)
	}
}

func TestPlaceWagerAppendRaceReturnsExistingRecord(t *testing.T) {
	store := newFakeStore("a", "b")
	base := &fakeLedger{}
	escrow := newFakeEscrow()
	ctx := context.Background()

	// Another caller already drove r1 to confirmation.
	theirs := NewRecord("r1", PhasePlaced, []string{"a", "b"}, []int64{20, 30}, time.Now())
	theirs.Status = StatusConfirmed
	if err := base.Append(ctx, theirs); err != nil {
		t.Fatal(err)
	}

	ledger := &racingLedger{fakeLedger: base, missRound: "r1", missPhase: PhasePlaced}
	p := newTestPipeline(store, ledger, escrow, &fakeBoards{})

	rec, err := p.PlaceWager(ctx, "r1", []string{"a", "b"}, []int64{20, 30})
	if err != nil {
		t.Fatalf("racing place: %v", err)
	}
	if rec == nil || rec.ID != theirs.ID {
		t.Fatalf("want the concurrent writer's record, got %+v", rec)
	}
	if escrow.submits != 0 {
		t.Errorf("submits=%d, want 0", escrow.submits)
	}
	if len(base.records) != 1 {
		t.Errorf("ledger records=%d, want 1", len(base.records))
	}
	if store.states["a"].Gold != 1000 {
		t.Errorf("losing racer debited: gold=%d", store.states["a"].Gold)
	}
}

func TestPlaceWagerAppendRaceResumesPendingRecord(t *testing.T) {
	store := newFakeStore("a", "b")
	base := &fakeLedger{}
	escrow := newFakeEscrow()
	ctx := context.Background()

	theirs := NewRecord("r1", PhasePlaced, []string{"a", "b"}, []int64{20, 30}, time.Now())
	if err := base.Append(ctx, theirs); err != nil {
		t.Fatal(err)
	}

	ledger := &racingLedger{fakeLedger: base, missRound: "r1", missPhase: PhasePlaced}
	p := newTestPipeline(store, ledger, escrow, &fakeBoards{})

	rec, err := p.PlaceWager(ctx, "r1", []string{"a", "b"}, []int64{20, 30})
	if err != nil {
		t.Fatalf("racing place: %v", err)
	}
	if rec.ID != theirs.ID {
		t.Error("race loser created a second record")
	}
	if rec.Status != StatusConfirmed {
		t.Fatalf("status=%s, want confirmed", rec.Status)
	}
	if escrow.submits != 1 {
		t.Errorf("submits=%d, want exactly 1", escrow.submits)
	}
	if store.states["a"].Gold != 980 || store.states["b"].Gold != 970 {
		t.Errorf("balances: a=%d b=%d, want 980/970", store.states["a"].Gold, store.states["b"].Gold)
	}
}

func TestPlaceWagerValidation(t *testing.T) {
	store := newFakeStore("a", "b")
	p := newTestPipeline(store, &fakeLedger{}, newFakeEscrow(), &fakeBoards{})
	ctx := context.Background()

	tests := []struct {
		name         string
		roundID      string
		participants []string
		stakes       []int64
	}{
		{"empty round", "", []string{"a", "b"}, []int64{1, 1}},
		{"single participant", "r1", []string{"a"}, []int64{1}},
		{"length mismatch", "r1", []string{"a", "b"}, []int64{1}},
		{"duplicate participant", "r1", []string{"a", "a"}, []int64{1, 1}},
		{"zero stake", "r1", []string{"a", "b"}, []int64{0, 1}},
		{"negative stake", "r1", []string{"a", "b"}, []int64{5, -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.PlaceWager(ctx, tt.roundID, tt.participants, tt.stakes)
			if !errors.Is(err, ErrInvalidParticipant) {
				t.Errorf("want ErrInvalidParticipant, got %v", err)
			}
		})
	}
}

func TestPlaceWagerInsufficientAvailableBalance(t *testing.T) {
	store := newFakeStore("a", "b", "c")
	ledger := &fakeLedger{}
	escrow := newFakeEscrow()
	p := newTestPipeline(store, ledger, escrow, &fakeBoards{})
	ctx := context.Background()

	// Tie up most of a's balance in a round that never confirms.
	pending := NewRecord("r0", PhasePlaced, []string{"a", "c"}, []int64{950, 10}, time.Now())
	if err := ledger.Append(ctx, pending); err != nil {
		t.Fatal(err)
	}

	// a has 1000 gold but only 50 available.
	_, err := p.PlaceWager(ctx, "r1", []string{"a", "b"}, []int64{100, 100})
	if !errors.Is(err, cache.ErrInsufficientBalance) {
		t.Fatalf("want ErrInsufficientBalance, got %v", err)
	}
	if escrow.submits != 0 {
		t.Errorf("submits=%d, want 0", escrow.submits)
	}
}

func TestPlaceWagerNoWallet(t *testing.T) {
	store := newFakeStore("a", "b")
	store.states["b"].WalletAddress = ""
	p := newTestPipeline(store, &fakeLedger{}, newFakeEscrow(), &fakeBoards{})

	_, err := p.PlaceWager(context.Background(), "r1", []string{"a", "b"}, []int64{10, 10})
	if !errors.Is(err, ErrNoWallet) {
		t.Fatalf("want ErrNoWallet, got %v", err)
	}
}

func TestSubmitRetryThenSuccess(t *testing.T) {
	store := newFakeStore("a", "b")
	ledger := &fakeLedger{}
	escrow := newFakeEscrow()
	escrow.failures = 1
	p := newTestPipeline(store, ledger, escrow, &fakeBoards{})

	rec, err := p.PlaceWager(context.Background(), "r1", []string{"a", "b"}, []int64{10, 10})
	if err != nil {
		t.Fatalf("place with one retry: %v", err)
	}
	if rec.Status != StatusConfirmed {
		t.Fatalf("status=%s", rec.Status)
	}
	if escrow.submits != 2 {
		t.Errorf("submits=%d, want 2", escrow.submits)
	}
}

func TestSubmitRetriesExhausted(t *testing.T) {
	store := newFakeStore("a", "b")
	ledger := &fakeLedger{}
	escrow := newFakeEscrow()
	escrow.failures = 10
	p := newTestPipeline(store, ledger, escrow, &fakeBoards{})

	rec, err := p.PlaceWager(context.Background(), "r1", []string{"a", "b"}, []int64{10, 10})
	if !errors.Is(err, ErrChainSubmitFailed) {
		t.Fatalf("want ErrChainSubmitFailed, got %v", err)
	}
	stored, _ := ledger.FindByRound(context.Background(), "r1", PhasePlaced)
	if stored.Status != StatusFailedTerminal {
		t.Fatalf("status=%s, want failed_terminal", stored.Status)
	}
	if escrow.submits != 3 {
		t.Errorf("submits=%d, want attempt ceiling 3", escrow.submits)
	}
	// No debit, no dangling pending key.
	if store.states["a"].Gold != 1000 {
		t.Errorf("terminal failure debited balance: %d", store.states["a"].Gold)
	}
	if rec != nil && store.states["a"].HasPendingItx(rec.Itx) {
		t.Error("pending key survived terminal failure")
	}
}

func TestConfirmTimeoutLeavesSubmitted(t *testing.T) {
	store := newFakeStore("a", "b")
	ledger := &fakeLedger{}
	escrow := newFakeEscrow()
	escrow.timeoutOnce = true
	p := newTestPipeline(store, ledger, escrow, &fakeBoards{})
	ctx := context.Background()

	rec, err := p.PlaceWager(ctx, "r1", []string{"a", "b"}, []int64{10, 10})
	if err != nil {
		t.Fatalf("timed-out confirmation must not error the caller: %v", err)
	}
	if rec.Status != StatusSubmitted {
		t.Fatalf("status=%s, want submitted", rec.Status)
	}
	// Effects not applied yet.
	if store.states["a"].Gold != 1000 {
		t.Errorf("balance=%d before confirmation", store.states["a"].Gold)
	}

	// Recovery path sees the key consumed on-chain and finishes the round.
	n, err := p.RecoverPending(ctx, "a")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered=%d, want 1", n)
	}
	stored, _ := ledger.FindByRound(ctx, "r1", PhasePlaced)
	if stored.Status != StatusConfirmed {
		t.Fatalf("status after recovery=%s", stored.Status)
	}
	if store.states["a"].Gold != 990 || store.states["b"].Gold != 990 {
		t.Errorf("balances after recovery: a=%d b=%d", store.states["a"].Gold, store.states["b"].Gold)
	}
}

func TestEndWagerRequiresConfirmedPlacement(t *testing.T) {
	store := newFakeStore("a", "b")
	ledger := &fakeLedger{}
	p := newTestPipeline(store, ledger, newFakeEscrow(), &fakeBoards{})
	ctx := context.Background()

	if _, err := p.EndWager(ctx, "missing", "a"); !errors.Is(err, ErrRecordNotFound) {
		t.Fatalf("unknown round: want ErrRecordNotFound, got %v", err)
	}

	unconfirmed := NewRecord("r1", PhasePlaced, []string{"a", "b"}, []int64{10, 10}, time.Now())
	ledger.Append(ctx, unconfirmed)
	if _, err := p.EndWager(ctx, "r1", "a"); !errors.Is(err, ErrRoundNotReady) {
		t.Fatalf("unconfirmed placement: want ErrRoundNotReady, got %v", err)
	}
}

func TestEndWagerHappyPathAndDuplicateGuard(t *testing.T) {
	store := newFakeStore("a", "b", "c")
	ledger := &fakeLedger{}
	escrow := newFakeEscrow()
	boards := &fakeBoards{}
	p := newTestPipeline(store, ledger, escrow, boards)
	ctx := context.Background()

	if _, err := p.PlaceWager(ctx, "r1", []string{"a", "b", "c"}, []int64{20, 30, 50}); err != nil {
		t.Fatal(err)
	}
	// After placement: a=980 b=970 c=950.

	if _, err := p.EndWager(ctx, "r1", "z"); !errors.Is(err, ErrInvalidWinner) {
		t.Fatalf("non-participant winner: want ErrInvalidWinner, got %v", err)
	}

	ended, err := p.EndWager(ctx, "r1", "a")
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != StatusConfirmed {
		t.Fatalf("status=%s", ended.Status)
	}
	if ended.Payout != 80 {
		t.Fatalf("payout=%d, want sum of others' stakes 80", ended.Payout)
	}
	// Winner collects the payout; losers were already debited at placement.
	if store.states["a"].Gold != 1060 {
		t.Errorf("winner gold=%d, want 1060", store.states["a"].Gold)
	}
	if store.states["b"].Gold != 970 || store.states["c"].Gold != 950 {
		t.Errorf("loser balances changed: b=%d c=%d", store.states["b"].Gold, store.states["c"].Gold)
	}
	if boards.increments["a/"+string(leaderboard.TotalGameWin)] != 1 {
		t.Errorf("winner board increment missing: %v", boards.increments)
	}
	if boards.increments["b/"+string(leaderboard.TotalGameLose)] != 1 {
		t.Errorf("loser board increment missing: %v", boards.increments)
	}
	if boards.increments["b/"+string(leaderboard.TotalGoldChange)] != -30 {
		t.Errorf("loser gold change=%d, want -30", boards.increments["b/"+string(leaderboard.TotalGoldChange)])
	}

	// Repeated settlement of a confirmed round is rejected.
	if _, err := p.EndWager(ctx, "r1", "a"); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("duplicate end: want ErrAlreadySettled, got %v", err)
	}
	if store.states["a"].Gold != 1060 {
		t.Errorf("duplicate end moved balance: %d", store.states["a"].Gold)
	}
}

func TestEndWagerAppendRaceResumesExistingSettlement(t *testing.T) {
	store := newFakeStore("a", "b")
	base := &fakeLedger{}
	escrow := newFakeEscrow()
	ctx := context.Background()

	placed := NewRecord("r1", PhasePlaced, []string{"a", "b"}, []int64{20, 20}, time.Now())
	placed.Status = StatusConfirmed
	if err := base.Append(ctx, placed); err != nil {
		t.Fatal(err)
	}
	// Another caller already appended the settlement record for the same
	// winner but has not driven it through submission.
	theirs := NewRecord("r1", PhaseEnded, placed.Participants, placed.Stakes, time.Now())
	theirs.Winner = "a"
	theirs.Payout = 20
	if err := base.Append(ctx, theirs); err != nil {
		t.Fatal(err)
	}

	ledger := &racingLedger{fakeLedger: base, missRound: "r1", missPhase: PhaseEnded}
	p := newTestPipeline(store, ledger, escrow, &fakeBoards{})

	ended, err := p.EndWager(ctx, "r1", "a")
	if err != nil {
		t.Fatalf("racing end: %v", err)
	}
	if ended.ID != theirs.ID {
		t.Error("race loser created a second settlement record")
	}
	if ended.Status != StatusConfirmed {
		t.Fatalf("status=%s, want confirmed", ended.Status)
	}
	if escrow.submits != 1 {
		t.Errorf("submits=%d, want exactly 1", escrow.submits)
	}
	if store.states["a"].Gold != 1020 {
		t.Errorf("winner gold=%d, want paid exactly once (1020)", store.states["a"].Gold)
	}
	if len(base.records) != 2 {
		t.Errorf("ledger records=%d, want 2", len(base.records))
	}
}

func TestReconcileConsumedKeyIdempotent(t *testing.T) {
	store := newFakeStore("a", "b")
	ledger := &fakeLedger{}
	escrow := newFakeEscrow()
	p := newTestPipeline(store, ledger, escrow, &fakeBoards{})
	ctx := context.Background()

	rec := NewRecord("r1", PhasePlaced, []string{"a", "b"}, []int64{10, 10}, time.Now())
	rec.Status = StatusSubmitted
	ledger.Append(ctx, rec)

	if err := p.ReconcileConsumedKey(ctx, rec.Itx); err != nil {
		t.Fatal(err)
	}
	if store.states["a"].Gold != 990 {
		t.Fatalf("balance=%d after reconcile", store.states["a"].Gold)
	}
	// A replayed event is absorbed.
	if err := p.ReconcileConsumedKey(ctx, rec.Itx); err != nil {
		t.Fatal(err)
	}
	if store.states["a"].Gold != 990 {
		t.Fatalf("replay double-applied: %d", store.states["a"].Gold)
	}

	// Events for keys this process never issued are ignored.
	if err := p.ReconcileConsumedKey(ctx, "0xunknown"); err != nil {
		t.Fatal(err)
	}
}

func TestRecoverPendingDropsOrphanKeys(t *testing.T) {
	store := newFakeStore("a")
	store.states["a"].AddPendingItx("0xorphan")
	p := newTestPipeline(store, &fakeLedger{}, newFakeEscrow(), &fakeBoards{})

	n, err := p.RecoverPending(context.Background(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("recovered=%d, want 0", n)
	}
	if store.states["a"].HasPendingItx("0xorphan") {
		t.Error("orphan key not dropped")
	}
}
