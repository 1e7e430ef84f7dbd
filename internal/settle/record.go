package settle

import (
	"time"

	"github.com/google/uuid"
)

// Phase distinguishes the two chain-backed operations of one logical round.
type Phase string

const (
	PhasePlaced Phase = "wager_placed"
	PhaseEnded  Phase = "wager_ended"
)

// Status is the per-record position in the submission state machine.
// Records only move forward; a submission failure drops SUBMITTED back to
// PENDING_SUBMIT for the next attempt.
type Status string

const (
	StatusPendingSubmit  Status = "pending_submit"
	StatusSubmitted      Status = "submitted"
	StatusConfirmed      Status = "confirmed"
	StatusFailedTerminal Status = "failed_terminal"
)

// TransactionRecord is one append-only ledger row, unique per
// (round id, phase). The idempotency key is derived from ID once at creation
// and never changes.
type TransactionRecord struct {
	ID           string    `json:"id"`
	RoundID      string    `json:"round_id"`
	Phase        Phase     `json:"phase"`
	Participants []string  `json:"participants"`
	Stakes       []int64   `json:"stakes"`
	Itx          string    `json:"itx"`
	TxHash       string    `json:"tx_hash,omitempty"`
	Winner       string    `json:"winner,omitempty"`
	Payout       int64     `json:"payout,omitempty"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NewRecord creates an unconfirmed ledger row for one round phase with its
// idempotency key already fixed.
func NewRecord(roundID string, phase Phase, participants []string, stakes []int64, now time.Time) *TransactionRecord {
	id := uuid.NewString()
	return &TransactionRecord{
		ID:           id,
		RoundID:      roundID,
		Phase:        phase,
		Participants: participants,
		Stakes:       stakes,
		Itx:          DeriveItx(id),
		Status:       StatusPendingSubmit,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Confirmed reports whether the chain has confirmed this phase.
func (r *TransactionRecord) Confirmed() bool {
	return r.Status == StatusConfirmed
}

// StakeOf returns the stake a participant committed to this round, or 0 for
// a non-participant.
func (r *TransactionRecord) StakeOf(playerID string) int64 {
	for i, p := range r.Participants {
		if p == playerID && i < len(r.Stakes) {
			return r.Stakes[i]
		}
	}
	return 0
}

// HasParticipant reports whether the player is part of this round.
func (r *TransactionRecord) HasParticipant(playerID string) bool {
	for _, p := range r.Participants {
		if p == playerID {
			return true
		}
	}
	return false
}

// PayoutFor is the settlement amount owed to the winner: the sum of every
// other participant's stake.
func (r *TransactionRecord) PayoutFor(winnerID string) int64 {
	var total int64
	for i, p := range r.Participants {
		if p == winnerID || i >= len(r.Stakes) {
			continue
		}
		total += r.Stakes[i]
	}
	return total
}
