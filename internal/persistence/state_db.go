package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"bestguess/internal/cache"
)

// StateDB is the durable home of player documents. The cache is the hot
// copy; this store backfills misses and receives every write-back.
type StateDB struct {
	db *sql.DB
}

func NewStateDB(db *sql.DB) *StateDB {
	return &StateDB{db: db}
}

func (s *StateDB) LoadState(ctx context.Context, playerID string) (*cache.PlayerState, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT doc FROM player_states WHERE player_id = $1`, playerID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, cache.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load state %s: %w", playerID, err)
	}

	var state cache.PlayerState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode state %s: %w", playerID, err)
	}
	return &state, nil
}

func (s *StateDB) SaveState(ctx context.Context, state *cache.PlayerState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", state.PlayerID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO player_states (player_id, doc, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (player_id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = EXCLUDED.updated_at`,
		state.PlayerID, raw, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save state %s: %w", state.PlayerID, err)
	}
	return nil
}

// DisplayNames resolves player display names for leaderboard rows. Missing
// players simply have no entry in the result.
func (s *StateDB) DisplayNames(ctx context.Context, playerIDs []string) (map[string]string, error) {
	if len(playerIDs) == 0 {
		return map[string]string{}, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT player_id, COALESCE(doc->>'display_name', '')
		FROM player_states WHERE player_id = ANY($1)`,
		pq.Array(playerIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("display names: %w", err)
	}
	defer rows.Close()

	names := make(map[string]string, len(playerIDs))
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan display name: %w", err)
		}
		names[id] = name
	}
	return names, rows.Err()
}
