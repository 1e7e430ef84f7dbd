package settle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"bestguess/internal/cache"
	"bestguess/internal/leaderboard"
	"bestguess/internal/observability"
)

// ErrConfirmTimeout is returned by an Escrow implementation when a
// transaction was accepted by the chain but its confirmation wait ran out.
// The record stays SUBMITTED and reconciliation finishes the round later.
var ErrConfirmTimeout = errors.New("confirmation wait timed out")

// PlayerStore is the slice of the state cache the pipeline needs.
type PlayerStore interface {
	Read(ctx context.Context, playerID string) (*cache.PlayerState, error)
	Mutate(ctx context.Context, playerID, op string, fn func(*cache.PlayerState) error) (*cache.PlayerState, error)
	ApplySettlement(ctx context.Context, playerID string, won bool, amount int64) (cache.SettlementOutcome, error)
}

// Ledger is the append-only durable record store for round phases.
type Ledger interface {
	Append(ctx context.Context, rec *TransactionRecord) error
	Update(ctx context.Context, rec *TransactionRecord) error
	FindByRound(ctx context.Context, roundID string, phase Phase) (*TransactionRecord, error)
	FindByItx(ctx context.Context, itx string) (*TransactionRecord, error)
	// SumPendingStakes totals the stakes a player has committed to
	// unconfirmed placement rounds other than excludeRound.
	SumPendingStakes(ctx context.Context, playerID, excludeRound string) (int64, error)
}

// Escrow is the on-chain contract boundary. Submit calls wait (bounded) for
// confirmation; on ErrConfirmTimeout the returned hash is still valid.
type Escrow interface {
	SubmitPlacement(ctx context.Context, itx, roundID string, wallets []string, stakes []int64) (string, error)
	SubmitSettlement(ctx context.Context, itx, roundID, winnerWallet string) (string, error)
	IsKeyConsumed(ctx context.Context, itx string) (bool, error)
}

// Boards receives one increment per affected ranking type after a
// settlement's balance mutation has been applied.
type Boards interface {
	Increment(ctx context.Context, b leaderboard.Board, playerID string, delta int64) error
}

// SettlementEvent is the outbound notification for a confirmed round.
type SettlementEvent struct {
	RoundID    string    `json:"round_id"`
	Winner     string    `json:"winner"`
	Payout     int64     `json:"payout"`
	TxHash     string    `json:"tx_hash"`
	Itx        string    `json:"itx"`
	OccurredAt time.Time `json:"occurred_at"`
}

// EventPublisher fans confirmed settlements out to downstream consumers.
type EventPublisher interface {
	PublishSettlement(ctx context.Context, ev SettlementEvent) error
}

// Pipeline drives the wager lifecycle: place, confirm, end, payout. The
// player-state lease is never held across a chain round-trip; each local
// read-modify-write is its own leased cycle.
type Pipeline struct {
	store     PlayerStore
	ledger    Ledger
	escrow    Escrow
	boards    Boards
	publisher EventPublisher
	log       zerolog.Logger
	metrics   *observability.Metrics

	maxAttempts int
	backoff     time.Duration
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

type PipelineOption func(*Pipeline)

// WithSubmitRetry overrides the submission attempt ceiling and base backoff.
func WithSubmitRetry(attempts int, backoff time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.maxAttempts = attempts
		p.backoff = backoff
	}
}

// WithPublisher attaches an outbound settlement event publisher.
func WithPublisher(pub EventPublisher) PipelineOption {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithPipelineClock overrides the time source, for tests.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(store PlayerStore, ledger Ledger, escrow Escrow, boards Boards, log zerolog.Logger, metrics *observability.Metrics, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		store:       store,
		ledger:      ledger,
		escrow:      escrow,
		boards:      boards,
		log:         log.With().Str("component", "settle").Logger(),
		metrics:     metrics,
		maxAttempts: 3,
		backoff:     500 * time.Millisecond,
		now:         time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PlaceWager opens a round: validates every participant's available balance,
// appends the wager_placed ledger record, and drives it through on-chain
// submission. A repeat call with the same round id returns the existing
// record; an unconfirmed existing record is resumed, not duplicated.
func (p *Pipeline) PlaceWager(ctx context.Context, roundID string, participants []string, stakes []int64) (*TransactionRecord, error) {
	if err := validatePlacement(roundID, participants, stakes); err != nil {
		return nil, err
	}

	rec, err := p.ledger.FindByRound(ctx, roundID, PhasePlaced)
	switch {
	case err == nil:
		return p.resumePlacement(ctx, rec)
	case !errors.Is(err, ErrRecordNotFound):
		return nil, fmt.Errorf("placement lookup %s: %w", roundID, err)
	}

	for i, pid := range participants {
		state, err := p.store.Read(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", pid, err)
		}
		if state.WalletAddress == "" {
			return nil, fmt.Errorf("participant %s: %w", pid, ErrNoWallet)
		}
		pending, err := p.ledger.SumPendingStakes(ctx, pid, roundID)
		if err != nil {
			return nil, fmt.Errorf("pending stakes %s: %w", pid, err)
		}
		if state.Gold-pending < stakes[i] {
			if p.metrics != nil {
				p.metrics.WagersFailed.WithLabelValues("placed", "insufficient_balance").Inc()
			}
			return nil, fmt.Errorf("participant %s: %w", pid, cache.ErrInsufficientBalance)
		}
	}

	rec = NewRecord(roundID, PhasePlaced, participants, stakes, p.now())
	if err := p.ledger.Append(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			// A concurrent caller appended this round between our lookup and
			// Append; theirs is the round's record.
			existing, ferr := p.ledger.FindByRound(ctx, roundID, PhasePlaced)
			if ferr != nil {
				return nil, fmt.Errorf("placement lookup %s: %w", roundID, ferr)
			}
			return p.resumePlacement(ctx, existing)
		}
		return nil, fmt.Errorf("append placement %s: %w", roundID, err)
	}
	p.addPendingItx(ctx, rec)

	return rec, p.submitPlacement(ctx, rec)
}

// resumePlacement answers a PlaceWager call from an existing ledger record:
// confirmed rounds are served as-is, terminally failed rounds report the
// failure, anything else is driven through submission again.
func (p *Pipeline) resumePlacement(ctx context.Context, rec *TransactionRecord) (*TransactionRecord, error) {
	switch rec.Status {
	case StatusConfirmed:
		if p.metrics != nil {
			p.metrics.WagersDuplicate.WithLabelValues("placed").Inc()
		}
		p.log.Debug().Str("round_id", rec.RoundID).Msg("duplicate placement answered from ledger")
		return rec, nil
	case StatusFailedTerminal:
		return rec, fmt.Errorf("round %s: %w", rec.RoundID, ErrChainSubmitFailed)
	default:
		return rec, p.submitPlacement(ctx, rec)
	}
}

// EndWager settles a round: the winner collects every other participant's
// stake. Requires a confirmed placement; a round already settled is rejected.
func (p *Pipeline) EndWager(ctx context.Context, roundID, winnerID string) (*TransactionRecord, error) {
	placed, err := p.ledger.FindByRound(ctx, roundID, PhasePlaced)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return nil, fmt.Errorf("round %s: %w", roundID, ErrRecordNotFound)
		}
		return nil, fmt.Errorf("placement lookup %s: %w", roundID, err)
	}
	if !placed.Confirmed() {
		return nil, fmt.Errorf("round %s: %w", roundID, ErrRoundNotReady)
	}
	if !placed.HasParticipant(winnerID) {
		return nil, fmt.Errorf("round %s winner %s: %w", roundID, winnerID, ErrInvalidWinner)
	}

	ended, err := p.ledger.FindByRound(ctx, roundID, PhaseEnded)
	switch {
	case err == nil:
		return p.resumeSettlement(ctx, ended, winnerID)
	case !errors.Is(err, ErrRecordNotFound):
		return nil, fmt.Errorf("settlement lookup %s: %w", roundID, err)
	}

	ended = NewRecord(roundID, PhaseEnded, placed.Participants, placed.Stakes, p.now())
	ended.Winner = winnerID
	ended.Payout = placed.PayoutFor(winnerID)
	if err := p.ledger.Append(ctx, ended); err != nil {
		if errors.Is(err, ErrDuplicateRecord) {
			existing, ferr := p.ledger.FindByRound(ctx, roundID, PhaseEnded)
			if ferr != nil {
				return nil, fmt.Errorf("settlement lookup %s: %w", roundID, ferr)
			}
			return p.resumeSettlement(ctx, existing, winnerID)
		}
		return nil, fmt.Errorf("append settlement %s: %w", roundID, err)
	}
	p.addPendingItx(ctx, ended)

	return ended, p.submitSettlement(ctx, ended)
}

// resumeSettlement answers an EndWager call from an existing ledger record.
// A confirmed round or one pending for a different winner is already
// settled from the caller's perspective.
func (p *Pipeline) resumeSettlement(ctx context.Context, ended *TransactionRecord, winnerID string) (*TransactionRecord, error) {
	switch {
	case ended.Confirmed():
		if p.metrics != nil {
			p.metrics.WagersFailed.WithLabelValues("ended", "already_settled").Inc()
		}
		return ended, fmt.Errorf("round %s: %w", ended.RoundID, ErrAlreadySettled)
	case ended.Status == StatusFailedTerminal:
		return ended, fmt.Errorf("round %s: %w", ended.RoundID, ErrChainSubmitFailed)
	case ended.Winner != winnerID:
		return ended, fmt.Errorf("round %s settlement pending for %s: %w", ended.RoundID, ended.Winner, ErrAlreadySettled)
	default:
		return ended, p.submitSettlement(ctx, ended)
	}
}

// RecoverPending re-checks every idempotency key still pending in one
// player's state against the chain. Keys the chain has consumed get their
// local effects applied; nothing is ever resubmitted here. Returns the
// number of keys reconciled.
func (p *Pipeline) RecoverPending(ctx context.Context, playerID string) (int, error) {
	state, err := p.store.Read(ctx, playerID)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, itx := range state.PendingItx {
		rec, err := p.ledger.FindByItx(ctx, itx)
		if errors.Is(err, ErrRecordNotFound) {
			// No ledger row can ever claim this key again; drop it.
			p.removePendingItx(ctx, []string{playerID}, itx)
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("pending lookup %s: %w", itx, err)
		}
		if rec.Confirmed() {
			p.removePendingItx(ctx, []string{playerID}, itx)
			continue
		}

		consumed, err := p.escrow.IsKeyConsumed(ctx, itx)
		if err != nil {
			p.log.Warn().Err(err).Str("itx", itx).Msg("pending key chain check failed")
			continue
		}
		if !consumed {
			continue
		}
		if err := p.confirm(ctx, rec); err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 && p.metrics != nil {
		p.metrics.PendingRecovered.Add(float64(recovered))
	}
	return recovered, nil
}

// ReconcileConsumedKey applies the local effects of a phase the chain
// reports as executed. Called by the event listener and by pending-key
// recovery; confirming an already confirmed record is a no-op.
func (p *Pipeline) ReconcileConsumedKey(ctx context.Context, itx string) error {
	rec, err := p.ledger.FindByItx(ctx, itx)
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			// An event for a key this process never issued; nothing to do.
			p.log.Debug().Str("itx", itx).Msg("chain event for unknown key")
			return nil
		}
		return fmt.Errorf("reconcile %s: %w", itx, err)
	}
	if rec.Confirmed() {
		return nil
	}
	return p.confirm(ctx, rec)
}

func validatePlacement(roundID string, participants []string, stakes []int64) error {
	if roundID == "" {
		return fmt.Errorf("empty round id: %w", ErrInvalidParticipant)
	}
	if len(participants) < 2 || len(participants) != len(stakes) {
		return fmt.Errorf("round %s: participants and stakes mismatch: %w", roundID, ErrInvalidParticipant)
	}
	seen := make(map[string]struct{}, len(participants))
	for i, pid := range participants {
		if pid == "" {
			return fmt.Errorf("round %s: empty participant id: %w", roundID, ErrInvalidParticipant)
		}
		if _, dup := seen[pid]; dup {
			return fmt.Errorf("round %s: duplicate participant %s: %w", roundID, pid, ErrInvalidParticipant)
		}
		seen[pid] = struct{}{}
		if stakes[i] <= 0 {
			return fmt.Errorf("round %s: non-positive stake for %s: %w", roundID, pid, ErrInvalidParticipant)
		}
	}
	return nil
}

// submitPlacement drives a wager_placed record to CONFIRMED or
// FAILED_TERMINAL. The chain is consulted first so a restart mid-flight
// never double-submits a consumed key.
func (p *Pipeline) submitPlacement(ctx context.Context, rec *TransactionRecord) error {
	consumed, err := p.escrow.IsKeyConsumed(ctx, rec.Itx)
	if err != nil {
		return fmt.Errorf("key check %s: %w", rec.Itx, err)
	}
	if consumed {
		return p.confirm(ctx, rec)
	}

	wallets, err := p.walletsOf(ctx, rec.Participants)
	if err != nil {
		return err
	}

	return p.submit(ctx, rec, func(ctx context.Context) (string, error) {
		return p.escrow.SubmitPlacement(ctx, rec.Itx, rec.RoundID, wallets, rec.Stakes)
	})
}

func (p *Pipeline) submitSettlement(ctx context.Context, rec *TransactionRecord) error {
	consumed, err := p.escrow.IsKeyConsumed(ctx, rec.Itx)
	if err != nil {
		return fmt.Errorf("key check %s: %w", rec.Itx, err)
	}
	if consumed {
		return p.confirm(ctx, rec)
	}

	winner, err := p.store.Read(ctx, rec.Winner)
	if err != nil {
		return fmt.Errorf("winner %s: %w", rec.Winner, err)
	}
	if winner.WalletAddress == "" {
		return fmt.Errorf("winner %s: %w", rec.Winner, ErrNoWallet)
	}

	return p.submit(ctx, rec, func(ctx context.Context) (string, error) {
		return p.escrow.SubmitSettlement(ctx, rec.Itx, rec.RoundID, winner.WalletAddress)
	})
}

// submit runs the bounded retry loop around one chain call.
func (p *Pipeline) submit(ctx context.Context, rec *TransactionRecord, call func(ctx context.Context) (string, error)) error {
	start := p.now()
	var lastErr error
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if attempt > 1 {
			if p.metrics != nil {
				p.metrics.ChainSubmitRetries.Inc()
			}
			if err := p.sleep(ctx, p.backoff*time.Duration(attempt-1)); err != nil {
				lastErr = err
				break
			}
		}

		txHash, err := call(ctx)
		if errors.Is(err, ErrConfirmTimeout) {
			// Accepted but unconfirmed; reconciliation finishes the round.
			rec.TxHash = txHash
			rec.Status = StatusSubmitted
			rec.UpdatedAt = p.now()
			if uerr := p.ledger.Update(ctx, rec); uerr != nil {
				return fmt.Errorf("update %s: %w", rec.ID, uerr)
			}
			p.log.Warn().Str("round_id", rec.RoundID).Str("tx_hash", txHash).Msg("confirmation pending, left for reconciliation")
			return nil
		}
		if err != nil {
			lastErr = err
			rec.Status = StatusPendingSubmit
			rec.UpdatedAt = p.now()
			if uerr := p.ledger.Update(ctx, rec); uerr != nil {
				return fmt.Errorf("update %s: %w", rec.ID, uerr)
			}
			p.log.Warn().Err(err).Str("round_id", rec.RoundID).Int("attempt", attempt).Msg("chain submission failed")
			continue
		}

		rec.TxHash = txHash
		rec.Status = StatusSubmitted
		rec.UpdatedAt = p.now()
		if err := p.ledger.Update(ctx, rec); err != nil {
			return fmt.Errorf("update %s: %w", rec.ID, err)
		}
		if p.metrics != nil {
			p.metrics.ChainSubmitDuration.Observe(p.now().Sub(start).Seconds())
		}
		return p.confirm(ctx, rec)
	}

	rec.Status = StatusFailedTerminal
	rec.UpdatedAt = p.now()
	if err := p.ledger.Update(ctx, rec); err != nil {
		return fmt.Errorf("update %s: %w", rec.ID, err)
	}
	p.removePendingItx(ctx, rec.Participants, rec.Itx)
	if p.metrics != nil {
		p.metrics.WagersFailed.WithLabelValues(phaseLabel(rec.Phase), "submit_exhausted").Inc()
	}
	p.log.Error().Err(lastErr).Str("round_id", rec.RoundID).Str("phase", string(rec.Phase)).Msg("submission retries exhausted")
	return fmt.Errorf("round %s: %w", rec.RoundID, ErrChainSubmitFailed)
}

// confirm marks a record confirmed and applies its local effects exactly
// once: placement debits every stake, settlement credits the winner and
// moves the leaderboards.
func (p *Pipeline) confirm(ctx context.Context, rec *TransactionRecord) error {
	if rec.Confirmed() {
		return nil
	}
	rec.Status = StatusConfirmed
	rec.UpdatedAt = p.now()
	if err := p.ledger.Update(ctx, rec); err != nil {
		return fmt.Errorf("confirm %s: %w", rec.ID, err)
	}

	switch rec.Phase {
	case PhasePlaced:
		p.applyPlacement(ctx, rec)
	case PhaseEnded:
		p.applySettlement(ctx, rec)
	}

	if p.metrics != nil {
		p.metrics.WagersPlaced.WithLabelValues(phaseLabel(rec.Phase)).Inc()
	}
	return nil
}

func (p *Pipeline) applyPlacement(ctx context.Context, rec *TransactionRecord) {
	for i, pid := range rec.Participants {
		stake := rec.Stakes[i]
		_, err := p.store.Mutate(ctx, pid, "wager_debit", func(state *cache.PlayerState) error {
			state.RemovePendingItx(rec.Itx)
			return state.Spend(cache.CurrencyGold, stake)
		})
		if err != nil {
			// The escrow already holds the stake; cached gold drift here is
			// surfaced for the operator instead of blocking the round.
			p.log.Error().Err(err).Str("player_id", pid).Str("round_id", rec.RoundID).Msg("placement debit failed")
		}
	}
	p.log.Info().Str("round_id", rec.RoundID).Str("tx_hash", rec.TxHash).Msg("wager placement confirmed")
}

func (p *Pipeline) applySettlement(ctx context.Context, rec *TransactionRecord) {
	for _, pid := range rec.Participants {
		won := pid == rec.Winner
		amount := rec.Payout
		if !won {
			amount = rec.StakeOf(pid)
		}
		out, err := p.store.ApplySettlement(ctx, pid, won, amount)
		if err != nil {
			p.log.Error().Err(err).Str("player_id", pid).Str("round_id", rec.RoundID).Msg("settlement apply failed")
			continue
		}
		// Board increments follow the durable balance mutation; a missed
		// increment is acceptable staleness, a missed mutation is not.
		for _, d := range out.BoardDeltas {
			if err := p.boards.Increment(ctx, d.Board, pid, d.Delta); err != nil {
				p.log.Warn().Err(err).Str("player_id", pid).Str("board", string(d.Board)).Msg("board increment failed")
			}
		}
		p.removePendingItx(ctx, []string{pid}, rec.Itx)
	}

	if p.publisher != nil {
		ev := SettlementEvent{
			RoundID:    rec.RoundID,
			Winner:     rec.Winner,
			Payout:     rec.Payout,
			TxHash:     rec.TxHash,
			Itx:        rec.Itx,
			OccurredAt: p.now(),
		}
		if err := p.publisher.PublishSettlement(ctx, ev); err != nil {
			p.log.Warn().Err(err).Str("round_id", rec.RoundID).Msg("settlement event publish failed")
		}
	}
	p.log.Info().Str("round_id", rec.RoundID).Str("winner", rec.Winner).Int64("payout", rec.Payout).Msg("wager settled")
}

func (p *Pipeline) walletsOf(ctx context.Context, participants []string) ([]string, error) {
	wallets := make([]string, len(participants))
	for i, pid := range participants {
		state, err := p.store.Read(ctx, pid)
		if err != nil {
			return nil, fmt.Errorf("participant %s: %w", pid, err)
		}
		if state.WalletAddress == "" {
			return nil, fmt.Errorf("participant %s: %w", pid, ErrNoWallet)
		}
		wallets[i] = state.WalletAddress
	}
	return wallets, nil
}

func (p *Pipeline) addPendingItx(ctx context.Context, rec *TransactionRecord) {
	for _, pid := range rec.Participants {
		_, err := p.store.Mutate(ctx, pid, "pending_itx", func(state *cache.PlayerState) error {
			state.AddPendingItx(rec.Itx)
			return nil
		})
		if err != nil {
			p.log.Warn().Err(err).Str("player_id", pid).Str("itx", rec.Itx).Msg("pending key track failed")
		}
	}
}

func (p *Pipeline) removePendingItx(ctx context.Context, playerIDs []string, itx string) {
	for _, pid := range playerIDs {
		_, err := p.store.Mutate(ctx, pid, "pending_itx", func(state *cache.PlayerState) error {
			state.RemovePendingItx(itx)
			return nil
		})
		if err != nil {
			p.log.Warn().Err(err).Str("player_id", pid).Str("itx", itx).Msg("pending key drop failed")
		}
	}
}

func phaseLabel(ph Phase) string {
	if ph == PhaseEnded {
		return "ended"
	}
	return "placed"
}
