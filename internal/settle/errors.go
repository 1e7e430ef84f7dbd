package settle

import (
	"errors"

	"bestguess/internal/cache"
	"bestguess/internal/lock"
)

var (
	// ErrRecordNotFound is returned by ledger lookups with no matching row.
	ErrRecordNotFound = errors.New("transaction record not found")

	// ErrDuplicateRecord is returned by Ledger.Append when another writer
	// already recorded the same (round, phase). The pipeline re-reads and
	// resumes the existing record.
	ErrDuplicateRecord = errors.New("round phase already recorded")

	// ErrInvalidParticipant rejects malformed participant/stake input.
	ErrInvalidParticipant = errors.New("invalid participant")

	// ErrInvalidWinner rejects a settlement naming a non-participant.
	ErrInvalidWinner = errors.New("winner is not a round participant")

	// ErrRoundNotReady rejects a settlement whose placement has not been
	// confirmed on-chain yet.
	ErrRoundNotReady = errors.New("wager placement not confirmed")

	// ErrAlreadySettled rejects a second settlement of a confirmed round.
	ErrAlreadySettled = errors.New("round already settled")

	// ErrChainSubmitFailed is the terminal error after the submission retry
	// ceiling is exhausted.
	ErrChainSubmitFailed = errors.New("chain submission failed")

	// ErrNoWallet rejects a participant with no linked wallet address.
	ErrNoWallet = errors.New("participant has no linked wallet")
)

// Code maps a pipeline error to the stable string code the request layer
// returns to clients. Unknown errors map to "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, cache.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, lock.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrInvalidParticipant):
		return "invalid_participant"
	case errors.Is(err, ErrInvalidWinner):
		return "invalid_winner"
	case errors.Is(err, ErrRoundNotReady):
		return "round_not_ready"
	case errors.Is(err, ErrAlreadySettled):
		return "already_settled"
	case errors.Is(err, ErrChainSubmitFailed):
		return "chain_submit_failed"
	case errors.Is(err, ErrNoWallet):
		return "no_wallet"
	case errors.Is(err, ErrRecordNotFound):
		return "round_not_found"
	default:
		return "internal"
	}
}
