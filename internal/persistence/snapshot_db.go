package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"bestguess/internal/leaderboard"
)

// SnapshotDB archives pre-reset leaderboard orderings as immutable rows
// keyed by (board, reset_at, rank). Rows are written with one multi-row
// INSERT; ON CONFLICT DO NOTHING makes a retried reset idempotent.
type SnapshotDB struct {
	db *sql.DB
}

func NewSnapshotDB(db *sql.DB) *SnapshotDB {
	return &SnapshotDB{db: db}
}

func (s *SnapshotDB) SaveSnapshot(ctx context.Context, board leaderboard.Board, resetAt time.Time, rows []leaderboard.Entry) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO leaderboard_snapshots
		(board, reset_at, rank, player_id, display_name, score)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*6)
	for i, r := range rows {
		base := i * 6
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6,
		))
		args = append(args, string(board), resetAt, r.Rank, r.PlayerID, r.DisplayName, r.Score)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (board, reset_at, rank) DO NOTHING"

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("save snapshot %s: %w", board, err)
	}
	return nil
}

// SnapshotRows reads back one archived ordering, best rank first.
func (s *SnapshotDB) SnapshotRows(ctx context.Context, board leaderboard.Board, resetAt time.Time) ([]leaderboard.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT rank, player_id, display_name, score
		FROM leaderboard_snapshots
		WHERE board = $1 AND reset_at = $2
		ORDER BY rank`,
		string(board), resetAt,
	)
	if err != nil {
		return nil, fmt.Errorf("read snapshot %s: %w", board, err)
	}
	defer rows.Close()

	var out []leaderboard.Entry
	for rows.Next() {
		var e leaderboard.Entry
		if err := rows.Scan(&e.Rank, &e.PlayerID, &e.DisplayName, &e.Score); err != nil {
			return nil, fmt.Errorf("scan snapshot row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}
