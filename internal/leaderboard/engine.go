package leaderboard

import (
	"bestguess/internal/observability"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Board names one ranking dimension.
type Board string

const (
	TotalGoldEarn  Board = "total_gold_earn"
	DailyGoldEarn  Board = "daily_gold_earn"
	WeeklyGoldEarn Board = "weekly_gold_earn"

	TotalGoldLose  Board = "total_gold_lose"
	DailyGoldLose  Board = "daily_gold_lose"
	WeeklyGoldLose Board = "weekly_gold_lose"

	TotalGoldChange  Board = "total_gold_change"
	DailyGoldChange  Board = "daily_gold_change"
	WeeklyGoldChange Board = "weekly_gold_change"

	TotalGameWin  Board = "total_game_win"
	DailyGameWin  Board = "daily_game_win"
	WeeklyGameWin Board = "weekly_game_win"

	TotalGameLose  Board = "total_game_lose"
	DailyGameLose  Board = "daily_game_lose"
	WeeklyGameLose Board = "weekly_game_lose"
)

// AllBoards lists every ranking type.
func AllBoards() []Board {
	return []Board{
		TotalGoldEarn, DailyGoldEarn, WeeklyGoldEarn,
		TotalGoldLose, DailyGoldLose, WeeklyGoldLose,
		TotalGoldChange, DailyGoldChange, WeeklyGoldChange,
		TotalGameWin, DailyGameWin, WeeklyGameWin,
		TotalGameLose, DailyGameLose, WeeklyGameLose,
	}
}

// DailyBoards lists the boards cleared at the daily boundary.
func DailyBoards() []Board {
	return []Board{DailyGoldEarn, DailyGoldLose, DailyGoldChange, DailyGameWin, DailyGameLose}
}

// WeeklyBoards lists the boards cleared at the weekly boundary.
func WeeklyBoards() []Board {
	return []Board{WeeklyGoldEarn, WeeklyGoldLose, WeeklyGoldChange, WeeklyGameWin, WeeklyGameLose}
}

// ErrUnknownBoard is returned for a ranking type outside the catalog.
var ErrUnknownBoard = errors.New("unknown ranking type")

var knownBoards = func() map[Board]struct{} {
	m := make(map[Board]struct{})
	for _, b := range AllBoards() {
		m[b] = struct{}{}
	}
	return m
}()

// Entry is one ranked row. Rank is computed at query time, never stored;
// rank 0 means unranked.
type Entry struct {
	PlayerID    string `json:"player_id"`
	DisplayName string `json:"display_name"`
	Score       int64  `json:"score"`
	Rank        int64  `json:"rank"`
}

// NameResolver maps player ids to display names for ranked rows.
type NameResolver interface {
	DisplayNames(ctx context.Context, playerIDs []string) (map[string]string, error)
}

// SnapshotStore persists the pre-reset ordering as immutable rows keyed by
// (board, resetAt).
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, board Board, resetAt time.Time, rows []Entry) error
}

// Engine ranks players per board using Redis sorted sets. Increments are
// atomic at the store level and commutative, so they need no lock lease and
// may land out of order relative to other per-player state changes.
//
// Ties are broken by insertion recency: the player who first entered the
// board earlier ranks higher. A companion sorted set records each player's
// entrant sequence for that purpose.
type Engine struct {
	rdb     *redis.Client
	log     zerolog.Logger
	names   NameResolver
	metrics *observability.Metrics
}

func NewEngine(rdb *redis.Client, log zerolog.Logger, names NameResolver, metrics *observability.Metrics) *Engine {
	return &Engine{rdb: rdb, log: log, names: names, metrics: metrics}
}

func boardKey(b Board) string {
	return "bg.leaderboard2:" + string(b)
}

func entrantKey(b Board) string {
	return "bg.leaderboard2:" + string(b) + ":entrants"
}

func entrantSeqKey(b Board) string {
	return "bg.leaderboard2:" + string(b) + ":entrantseq"
}

// Increment applies a score delta for one player. Negative deltas are
// allowed (gold-change boards go down on losses).
func (e *Engine) Increment(ctx context.Context, b Board, playerID string, delta int64) error {
	if _, ok := knownBoards[b]; !ok {
		return fmt.Errorf("increment %s: %w", b, ErrUnknownBoard)
	}

	// First-entry bookkeeping for the tie-break order. ZADD NX makes the
	// sequence sticky: only the first increment ever records one.
	if err := e.rdb.ZScore(ctx, entrantKey(b), playerID).Err(); err != nil {
		if !errors.Is(err, redis.Nil) {
			return fmt.Errorf("increment %s: %w", b, err)
		}
		seq, err := e.rdb.Incr(ctx, entrantSeqKey(b)).Result()
		if err != nil {
			return fmt.Errorf("increment %s: %w", b, err)
		}
		if err := e.rdb.ZAddNX(ctx, entrantKey(b), redis.Z{Score: float64(seq), Member: playerID}).Err(); err != nil {
			return fmt.Errorf("increment %s: %w", b, err)
		}
	}

	if err := e.rdb.ZIncrBy(ctx, boardKey(b), float64(delta), playerID).Err(); err != nil {
		return fmt.Errorf("increment %s: %w", b, err)
	}
	if e.metrics != nil {
		e.metrics.BoardIncrements.WithLabelValues(string(b)).Inc()
	}
	return nil
}

// fullOrdering returns the whole board, descending by score, ties broken by
// entrant sequence, with ranks assigned.
func (e *Engine) fullOrdering(ctx context.Context, b Board) ([]Entry, error) {
	scored, err := e.rdb.ZRevRangeWithScores(ctx, boardKey(b), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("range %s: %w", b, err)
	}
	if len(scored) == 0 {
		return nil, nil
	}

	entrants, err := e.rdb.ZRangeWithScores(ctx, entrantKey(b), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("entrants %s: %w", b, err)
	}
	seqOf := make(map[string]float64, len(entrants))
	for _, z := range entrants {
		seqOf[z.Member.(string)] = z.Score
	}

	rows := make([]Entry, 0, len(scored))
	for _, z := range scored {
		rows = append(rows, Entry{
			PlayerID: z.Member.(string),
			Score:    int64(z.Score),
		})
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Score != rows[j].Score {
			return rows[i].Score > rows[j].Score
		}
		return seqOf[rows[i].PlayerID] < seqOf[rows[j].PlayerID]
	})
	for i := range rows {
		rows[i].Rank = int64(i + 1)
	}
	return rows, nil
}

// TopRange returns rows [from, to) of the board, descending by score.
func (e *Engine) TopRange(ctx context.Context, b Board, from, to int) ([]Entry, error) {
	if _, ok := knownBoards[b]; !ok {
		return nil, fmt.Errorf("top range %s: %w", b, ErrUnknownBoard)
	}
	if e.metrics != nil {
		e.metrics.BoardQueries.WithLabelValues("top_range").Inc()
	}

	rows, err := e.fullOrdering(ctx, b)
	if err != nil {
		return nil, err
	}
	if from < 0 {
		from = 0
	}
	if from >= len(rows) {
		return nil, nil
	}
	if to > len(rows) {
		to = len(rows)
	}
	window := rows[from:to]

	if e.names != nil && len(window) > 0 {
		ids := make([]string, len(window))
		for i, r := range window {
			ids[i] = r.PlayerID
		}
		names, err := e.names.DisplayNames(ctx, ids)
		if err != nil {
			// Names are cosmetic; serve the ranking anyway.
			e.log.Warn().Err(err).Str("board", string(b)).Msg("display name resolution failed")
		} else {
			for i := range window {
				window[i].DisplayName = names[window[i].PlayerID]
			}
		}
	}
	return window, nil
}

// RankOf returns one player's entry; an absent player gets score 0 and
// rank 0 (unranked).
func (e *Engine) RankOf(ctx context.Context, b Board, playerID string) (Entry, error) {
	if _, ok := knownBoards[b]; !ok {
		return Entry{}, fmt.Errorf("rank of %s: %w", b, ErrUnknownBoard)
	}
	if e.metrics != nil {
		e.metrics.BoardQueries.WithLabelValues("rank_of").Inc()
	}

	rank, err := e.rdb.ZRevRank(ctx, boardKey(b), playerID).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{PlayerID: playerID}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("rank of %s: %w", b, err)
	}
	score, err := e.rdb.ZScore(ctx, boardKey(b), playerID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("rank of %s: %w", b, err)
	}
	return Entry{PlayerID: playerID, Score: int64(score), Rank: rank + 1}, nil
}

// Size returns the count of distinct players currently on the board.
func (e *Engine) Size(ctx context.Context, b Board) (int64, error) {
	if _, ok := knownBoards[b]; !ok {
		return 0, fmt.Errorf("size %s: %w", b, ErrUnknownBoard)
	}
	if e.metrics != nil {
		e.metrics.BoardQueries.WithLabelValues("size").Inc()
	}
	n, err := e.rdb.ZCard(ctx, boardKey(b)).Result()
	if err != nil {
		return 0, fmt.Errorf("size %s: %w", b, err)
	}
	return n, nil
}

// ResetAndSnapshot captures the full pre-reset ordering, persists it as an
// immutable snapshot, then clears the live set and its tie-break state.
func (e *Engine) ResetAndSnapshot(ctx context.Context, b Board, store SnapshotStore, resetAt time.Time) ([]Entry, error) {
	if _, ok := knownBoards[b]; !ok {
		return nil, fmt.Errorf("reset %s: %w", b, ErrUnknownBoard)
	}

	rows, err := e.fullOrdering(ctx, b)
	if err != nil {
		return nil, err
	}

	if e.names != nil && len(rows) > 0 {
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.PlayerID
		}
		if names, err := e.names.DisplayNames(ctx, ids); err == nil {
			for i := range rows {
				rows[i].DisplayName = names[rows[i].PlayerID]
			}
		}
	}

	if store != nil {
		if err := store.SaveSnapshot(ctx, b, resetAt, rows); err != nil {
			// Do not clear a board whose snapshot failed to persist; the
			// scheduler retries on its next tick.
			return nil, fmt.Errorf("snapshot %s: %w", b, err)
		}
	}

	pipe := e.rdb.TxPipeline()
	pipe.Del(ctx, boardKey(b))
	pipe.Del(ctx, entrantKey(b))
	pipe.Del(ctx, entrantSeqKey(b))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("clear %s: %w", b, err)
	}

	if e.metrics != nil {
		e.metrics.BoardResets.WithLabelValues(string(b)).Inc()
		e.metrics.SnapshotRows.WithLabelValues(string(b)).Set(float64(len(rows)))
	}
	e.log.Info().Str("board", string(b)).Int("rows", len(rows)).Time("reset_at", resetAt).Msg("board reset with snapshot")
	return rows, nil
}
