package lock

import (
	"bestguess/internal/observability"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	mathrand "math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Manager hands out short-lived exclusive leases over a shared key namespace.
// A lease is a Redis key written with SET NX PX; it expires server-side if the
// holder crashes before calling Release. Acquisition retries a bounded number
// of times with jittered backoff, then fails with ErrLockTimeout.
type Manager struct {
	rdb     *redis.Client
	log     zerolog.Logger
	metrics *observability.Metrics

	retryCount int
	retryDelay time.Duration
	jitter     time.Duration
}

var (
	// ErrLockTimeout is returned when acquisition exhausts its retry budget.
	// Retryable by the caller.
	ErrLockTimeout = errors.New("lock acquisition timed out")

	// ErrNotHeld is returned by Release when the lease already expired or was
	// taken over by another holder.
	ErrNotHeld = errors.New("lease no longer held")
)

// releaseScript deletes the lease only if the stored token still matches,
// so a holder whose lease expired cannot delete a successor's lease.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Option configures a Manager.
type Option func(*Manager)

// WithRetry overrides the default retry budget (5 attempts, 500ms delay,
// up to 200ms of jitter).
func WithRetry(count int, delay, jitter time.Duration) Option {
	return func(m *Manager) {
		m.retryCount = count
		m.retryDelay = delay
		m.jitter = jitter
	}
}

// WithMetrics attaches lock metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

func NewManager(rdb *redis.Client, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		rdb:        rdb,
		log:        log,
		retryCount: 5,
		retryDelay: 500 * time.Millisecond,
		jitter:     200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease is a held lock. Release it exactly once; letting it expire is safe
// but keeps contenders waiting until the TTL runs out.
type Lease struct {
	key        string
	token      string
	mgr        *Manager
	acquiredAt time.Time
}

// Key returns the resource key this lease protects.
func (l *Lease) Key() string {
	return l.key
}

func lockKey(resource string) string {
	return "bg.locks:" + resource
}

func newToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// Acquire takes an exclusive lease on resource with the given TTL.
// Contenders for the same resource serialize; different resources proceed
// independently. Failure is always reported, never swallowed.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lease, error) {
	key := lockKey(resource)
	token := newToken()

	for attempt := 0; attempt <= m.retryCount; attempt++ {
		if attempt > 0 && m.metrics != nil {
			m.metrics.LockRetries.Inc()
		}

		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock %s: %w", resource, err)
		}
		if ok {
			if m.metrics != nil {
				m.metrics.LockAcquired.Inc()
			}
			return &Lease{key: key, token: token, mgr: m, acquiredAt: time.Now()}, nil
		}

		if attempt == m.retryCount {
			break
		}

		delay := m.retryDelay
		if m.jitter > 0 {
			delay += time.Duration(mathrand.Int63n(int64(m.jitter)))
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", resource, ctx.Err())
		case <-time.After(delay):
		}
	}

	if m.metrics != nil {
		m.metrics.LockTimeouts.Inc()
	}
	m.log.Warn().Str("resource", resource).Int("attempts", m.retryCount+1).Msg("lock acquisition exhausted retries")
	return nil, fmt.Errorf("lock %s: %w", resource, ErrLockTimeout)
}

// Release gives the lease back. Returns ErrNotHeld if the lease had already
// expired server-side.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	if m.metrics != nil {
		m.metrics.LockHoldSeconds.Observe(time.Since(lease.acquiredAt).Seconds())
	}

	n, err := releaseScript.Run(ctx, m.rdb, []string{lease.key}, lease.token).Int()
	if err != nil {
		return fmt.Errorf("release %s: %w", lease.key, err)
	}
	if n == 0 {
		m.log.Warn().Str("key", lease.key).Msg("lease expired before release")
		return ErrNotHeld
	}
	return nil
}
