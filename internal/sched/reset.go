package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"bestguess/internal/leaderboard"
)

// ResetScheduler clears the periodic leaderboards on their calendar
// boundaries: daily boards every day and weekly boards every Sunday, both at
// the configured boundary hour. Each reset snapshots before clearing, so a
// crashed run leaves the board intact for the next tick.
type ResetScheduler struct {
	engine    *leaderboard.Engine
	snapshots leaderboard.SnapshotStore
	log       zerolog.Logger

	boundaryHour int
	location     *time.Location
	sched        gocron.Scheduler
}

func NewResetScheduler(engine *leaderboard.Engine, snapshots leaderboard.SnapshotStore, boundaryHour int, location *time.Location, log zerolog.Logger) (*ResetScheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithLocation(location))
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	return &ResetScheduler{
		engine:       engine,
		snapshots:    snapshots,
		log:          log.With().Str("component", "sched").Logger(),
		boundaryHour: boundaryHour,
		location:     location,
		sched:        sched,
	}, nil
}

// Start registers the reset jobs and begins ticking.
func (rs *ResetScheduler) Start(ctx context.Context) error {
	at := gocron.NewAtTimes(gocron.NewAtTime(uint(rs.boundaryHour), 0, 0))

	_, err := rs.sched.NewJob(
		gocron.DailyJob(1, at),
		gocron.NewTask(func() { rs.runResets(ctx, "daily", leaderboard.DailyBoards()) }),
	)
	if err != nil {
		return fmt.Errorf("register daily reset: %w", err)
	}

	_, err = rs.sched.NewJob(
		gocron.WeeklyJob(1, gocron.NewWeekdays(time.Sunday), at),
		gocron.NewTask(func() { rs.runResets(ctx, "weekly", leaderboard.WeeklyBoards()) }),
	)
	if err != nil {
		return fmt.Errorf("register weekly reset: %w", err)
	}

	rs.sched.Start()
	rs.log.Info().Int("boundary_hour", rs.boundaryHour).Str("tz", rs.location.String()).Msg("reset scheduler started")
	return nil
}

// Stop shuts the scheduler down, waiting for a running job to finish.
func (rs *ResetScheduler) Stop() error {
	return rs.sched.Shutdown()
}

func (rs *ResetScheduler) runResets(ctx context.Context, period string, boards []leaderboard.Board) {
	resetAt := time.Now().In(rs.location)
	for _, b := range boards {
		rows, err := rs.engine.ResetAndSnapshot(ctx, b, rs.snapshots, resetAt)
		if err != nil {
			rs.log.Error().Err(err).Str("board", string(b)).Str("period", period).Msg("board reset failed")
			continue
		}
		rs.log.Info().Str("board", string(b)).Str("period", period).Int("rows", len(rows)).Msg("board reset complete")
	}
}
