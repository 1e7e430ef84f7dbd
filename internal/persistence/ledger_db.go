package persistence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"bestguess/internal/settle"
)

// LedgerDB is the Postgres-backed transaction ledger. Rounds live in
// game_rounds with one round_participants row per (record, player); the
// unique (round_id, phase) index is what makes Append idempotent.
type LedgerDB struct {
	db *sql.DB
}

func NewLedgerDB(db *sql.DB) *LedgerDB {
	return &LedgerDB{db: db}
}

// Append inserts a new round-phase record with its participants. A conflict
// on (round_id, phase) means another writer got there first; Append reports
// it as settle.ErrDuplicateRecord and the caller re-reads via FindByRound.
func (l *LedgerDB) Append(ctx context.Context, rec *settle.TransactionRecord) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO game_rounds (id, round_id, phase, itx, tx_hash, winner, payout, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (round_id, phase) DO NOTHING`,
		rec.ID, rec.RoundID, string(rec.Phase), rec.Itx, rec.TxHash,
		nullIfEmpty(rec.Winner), rec.Payout, string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert round %s: %w", rec.RoundID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		tx.Rollback()
		return fmt.Errorf("round %s phase %s: %w", rec.RoundID, rec.Phase, settle.ErrDuplicateRecord)
	}

	for i, pid := range rec.Participants {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO round_participants (record_id, idx, player_id, stake)
			VALUES ($1, $2, $3, $4)`,
			rec.ID, i, pid, rec.Stakes[i],
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert participant %s: %w", pid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of an existing record. Participants
// and the idempotency key never change after Append.
func (l *LedgerDB) Update(ctx context.Context, rec *settle.TransactionRecord) error {
	res, err := l.db.ExecContext(ctx, `
		UPDATE game_rounds
		SET tx_hash = $2, winner = $3, payout = $4, status = $5, updated_at = $6
		WHERE id = $1`,
		rec.ID, rec.TxHash, nullIfEmpty(rec.Winner), rec.Payout, string(rec.Status), rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update record %s: %w", rec.ID, settle.ErrRecordNotFound)
	}
	return nil
}

func (l *LedgerDB) FindByRound(ctx context.Context, roundID string, phase settle.Phase) (*settle.TransactionRecord, error) {
	return l.findOne(ctx, `
		SELECT id, round_id, phase, itx, COALESCE(tx_hash, ''), COALESCE(winner, ''), payout, status, created_at, updated_at
		FROM game_rounds WHERE round_id = $1 AND phase = $2`, roundID, string(phase))
}

func (l *LedgerDB) FindByItx(ctx context.Context, itx string) (*settle.TransactionRecord, error) {
	return l.findOne(ctx, `
		SELECT id, round_id, phase, itx, COALESCE(tx_hash, ''), COALESCE(winner, ''), payout, status, created_at, updated_at
		FROM game_rounds WHERE itx = $1`, itx)
}

func (l *LedgerDB) findOne(ctx context.Context, query string, args ...interface{}) (*settle.TransactionRecord, error) {
	var rec settle.TransactionRecord
	var phase, status string
	err := l.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.RoundID, &phase, &rec.Itx, &rec.TxHash,
		&rec.Winner, &rec.Payout, &status, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, settle.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find record: %w", err)
	}
	rec.Phase = settle.Phase(phase)
	rec.Status = settle.Status(status)

	rows, err := l.db.QueryContext(ctx, `
		SELECT player_id, stake FROM round_participants
		WHERE record_id = $1 ORDER BY idx`, rec.ID)
	if err != nil {
		return nil, fmt.Errorf("find participants %s: %w", rec.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var pid string
		var stake int64
		if err := rows.Scan(&pid, &stake); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		rec.Participants = append(rec.Participants, pid)
		rec.Stakes = append(rec.Stakes, stake)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan participants: %w", err)
	}
	return &rec, nil
}

// SumPendingStakes totals one player's stakes in unconfirmed placement
// rounds other than excludeRound. Used by the available-balance check.
func (l *LedgerDB) SumPendingStakes(ctx context.Context, playerID, excludeRound string) (int64, error) {
	var total int64
	err := l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(rp.stake), 0)
		FROM round_participants rp
		JOIN game_rounds r ON r.id = rp.record_id
		WHERE rp.player_id = $1
		  AND r.phase = $2
		  AND r.status IN ($3, $4)
		  AND r.round_id <> $5`,
		playerID, string(settle.PhasePlaced),
		string(settle.StatusPendingSubmit), string(settle.StatusSubmitted),
		excludeRound,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum pending stakes %s: %w", playerID, err)
	}
	return total, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
