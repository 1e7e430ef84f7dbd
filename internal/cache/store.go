package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bestguess/internal/lock"
	"bestguess/internal/observability"
)

// ErrStateNotFound is returned when a player has no document in the cache or
// the durable store.
var ErrStateNotFound = errors.New("player state not found")

// Durable is the write-behind home of player documents. The cache is the
// source of truth while a document is hot; the durable store backfills cache
// misses and receives every write-back.
type Durable interface {
	LoadState(ctx context.Context, playerID string) (*PlayerState, error)
	SaveState(ctx context.Context, state *PlayerState) error
}

// Store holds each player's mutable document in the shared cache and runs
// all read-modify-write cycles under that player's lock lease.
type Store struct {
	rdb     *redis.Client
	locks   *lock.Manager
	durable Durable
	catalog *Catalog
	log     zerolog.Logger
	metrics *observability.Metrics

	lockTTL time.Duration
	now     func() time.Time
}

type StoreOption func(*Store)

// WithLockTTL overrides the lease TTL used for mutation cycles.
func WithLockTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.lockTTL = ttl }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(rdb *redis.Client, locks *lock.Manager, durable Durable, catalog *Catalog, log zerolog.Logger, metrics *observability.Metrics, opts ...StoreOption) *Store {
	s := &Store{
		rdb:     rdb,
		locks:   locks,
		durable: durable,
		catalog: catalog,
		log:     log.With().Str("component", "cache").Logger(),
		metrics: metrics,
		lockTTL: 10 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func stateKey(playerID string) string {
	return "bg.userdata:player:" + playerID
}

func lockResource(playerID string) string {
	return "player:" + playerID
}

// load fetches the document from the cache, falling back to the durable
// store on a miss and repopulating the cache from it.
func (s *Store) load(ctx context.Context, playerID string) (*PlayerState, error) {
	raw, err := s.rdb.Get(ctx, stateKey(playerID)).Bytes()
	if err == nil {
		var state PlayerState
		if err := json.Unmarshal(raw, &state); err != nil {
			return nil, fmt.Errorf("decode state %s: %w", playerID, err)
		}
		if s.metrics != nil {
			s.metrics.CacheReads.Inc()
		}
		return &state, nil
	}
	if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read state %s: %w", playerID, err)
	}

	if s.durable == nil {
		return nil, ErrStateNotFound
	}
	state, err := s.durable.LoadState(ctx, playerID)
	if err != nil {
		return nil, err
	}
	if err := s.write(ctx, state); err != nil {
		return nil, err
	}
	s.log.Debug().Str("player_id", playerID).Msg("state backfilled from durable store")
	return state, nil
}

func (s *Store) write(ctx context.Context, state *PlayerState) error {
	state.UpdatedAt = s.now()
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", state.PlayerID, err)
	}
	if err := s.rdb.Set(ctx, stateKey(state.PlayerID), raw, 0).Err(); err != nil {
		return fmt.Errorf("write state %s: %w", state.PlayerID, err)
	}
	if s.metrics != nil {
		s.metrics.CacheWrites.Inc()
	}
	return nil
}

// Read returns a copy of the player's document with lazy period resets
// applied to the view. A reset observed here is materialized through the
// next mutation, not by the read itself.
func (s *Store) Read(ctx context.Context, playerID string) (*PlayerState, error) {
	state, err := s.load(ctx, playerID)
	if err != nil {
		return nil, err
	}
	state.ApplyPeriodResets(s.now(), s.catalog.Params.BoundaryHour)
	return state, nil
}

// GetOrCreate returns the player's document, creating and persisting a fresh
// one on first login.
func (s *Store) GetOrCreate(ctx context.Context, playerID, displayName string) (*PlayerState, error) {
	state, err := s.Read(ctx, playerID)
	if err == nil {
		return state, nil
	}
	if !errors.Is(err, ErrStateNotFound) {
		return nil, err
	}

	lease, err := s.locks.Acquire(ctx, lockResource(playerID), s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer s.release(lease)

	// Re-check under the lock; a concurrent login may have won.
	if state, err := s.load(ctx, playerID); err == nil {
		return state, nil
	} else if !errors.Is(err, ErrStateNotFound) {
		return nil, err
	}

	state = NewPlayerState(playerID, displayName, s.catalog, s.now())
	if err := s.write(ctx, state); err != nil {
		return nil, err
	}
	if s.durable != nil {
		if err := s.durable.SaveState(ctx, state); err != nil {
			s.log.Error().Err(err).Str("player_id", playerID).Msg("durable save of new state failed")
		}
	}
	s.log.Info().Str("player_id", playerID).Msg("player state created")
	return state, nil
}

// Mutate runs one lock-guarded read-modify-write cycle: acquire the player's
// lease, load, apply lazy resets, run fn, write back, release. The returned
// document reflects the committed state. fn returning an error aborts the
// cycle without a write.
func (s *Store) Mutate(ctx context.Context, playerID, op string, fn func(*PlayerState) error) (*PlayerState, error) {
	start := s.now()
	lease, err := s.locks.Acquire(ctx, lockResource(playerID), s.lockTTL)
	if err != nil {
		return nil, err
	}
	defer s.release(lease)

	state, err := s.load(ctx, playerID)
	if err != nil {
		return nil, err
	}

	daily, weekly := state.ApplyPeriodResets(s.now(), s.catalog.Params.BoundaryHour)
	if s.metrics != nil {
		if daily {
			s.metrics.PeriodResets.WithLabelValues("daily").Inc()
		}
		if weekly {
			s.metrics.PeriodResets.WithLabelValues("weekly").Inc()
		}
	}

	if err := fn(state); err != nil {
		// A failed mutation still materializes any reset it observed.
		if daily || weekly {
			if werr := s.write(ctx, state); werr != nil {
				s.log.Error().Err(werr).Str("player_id", playerID).Msg("write-back of period reset failed")
			}
		}
		return nil, err
	}

	if err := s.write(ctx, state); err != nil {
		return nil, err
	}
	if s.durable != nil {
		if err := s.durable.SaveState(ctx, state); err != nil {
			// The cache holds the committed copy; durable lag is recovered
			// by the next successful save.
			s.log.Error().Err(err).Str("player_id", playerID).Msg("durable write-back failed")
		}
	}

	if s.metrics != nil {
		s.metrics.CacheMutations.WithLabelValues(op).Inc()
		s.metrics.CacheMutationDur.WithLabelValues(op).Observe(s.now().Sub(start).Seconds())
	}
	return state, nil
}

// Earn credits currency under the player's lease.
func (s *Store) Earn(ctx context.Context, playerID string, c Currency, amount int64) (*PlayerState, error) {
	return s.Mutate(ctx, playerID, "earn", func(state *PlayerState) error {
		state.Earn(c, amount)
		return nil
	})
}

// Spend debits currency under the player's lease, rejecting overdrafts.
// Gem spending advances the gem-consumption achievements.
func (s *Store) Spend(ctx context.Context, playerID string, c Currency, amount int64) (*PlayerState, error) {
	return s.Mutate(ctx, playerID, "spend", func(state *PlayerState) error {
		if err := state.Spend(c, amount); err != nil {
			return err
		}
		if c == CurrencyGem && amount > 0 {
			state.UpdateAchievementProgress(s.catalog, AchievementTypeGemConsumption, amount)
		}
		return nil
	})
}

// ApplySettlement applies one settled round under the player's lease and
// returns the leaderboard increments the caller owes.
func (s *Store) ApplySettlement(ctx context.Context, playerID string, won bool, amount int64) (SettlementOutcome, error) {
	var out SettlementOutcome
	_, err := s.Mutate(ctx, playerID, "settlement", func(state *PlayerState) error {
		out = state.ApplySettlement(s.catalog, won, amount)
		return nil
	})
	return out, err
}

func (s *Store) release(lease *lock.Lease) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.locks.Release(ctx, lease); err != nil && !errors.Is(err, lock.ErrNotHeld) {
		s.log.Warn().Err(err).Str("key", lease.Key()).Msg("lease release failed")
	}
}
