package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"bestguess/internal/observability"
)

// LogSubscriber is the slice of the node client the listener needs.
// *ethclient.Client satisfies it.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Dial connects to a node over a subscription-capable transport.
func Dial(ctx context.Context, wsURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain ws: %w", err)
	}
	return client, nil
}

// Reconciler receives the idempotency key of every observed contract event.
type Reconciler interface {
	ReconcileConsumedKey(ctx context.Context, itx string) error
}

// Listener holds one persistent subscription to the escrow contract. Any
// transport failure tears the subscription down, waits a fixed delay, and
// attaches a fresh one; this repeats for the life of the process and is
// never surfaced to request handlers.
type Listener struct {
	sub        LogSubscriber
	address    common.Address
	reconciler Reconciler
	log        zerolog.Logger
	metrics    *observability.Metrics
	health     *observability.HealthChecker

	placedTopic  common.Hash
	settledTopic common.Hash

	reconnectDelay time.Duration
}

type ListenerOption func(*Listener)

// WithReconnectDelay overrides the pause between subscription attempts.
func WithReconnectDelay(d time.Duration) ListenerOption {
	return func(l *Listener) { l.reconnectDelay = d }
}

func NewListener(sub LogSubscriber, address common.Address, reconciler Reconciler, log zerolog.Logger, metrics *observability.Metrics, health *observability.HealthChecker, opts ...ListenerOption) (*Listener, error) {
	parsed, err := EscrowABI()
	if err != nil {
		return nil, err
	}
	l := &Listener{
		sub:            sub,
		address:        address,
		reconciler:     reconciler,
		log:            log.With().Str("component", "listener").Logger(),
		metrics:        metrics,
		health:         health,
		placedTopic:    parsed.Events["BetGame"].ID,
		settledTopic:   parsed.Events["GameEnded"].ID,
		reconnectDelay: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Run blocks until ctx is canceled, holding the subscription alive across
// node failures. Intended to run as one long-lived goroutine owned by the
// process lifecycle.
func (l *Listener) Run(ctx context.Context) {
	for {
		if err := l.runOnce(ctx); err != nil {
			l.log.Warn().Err(err).Dur("retry_in", l.reconnectDelay).Msg("subscription lost")
		}
		l.setAttached(false)

		select {
		case <-ctx.Done():
			l.log.Info().Msg("listener stopped")
			return
		case <-time.After(l.reconnectDelay):
		}
		if l.metrics != nil {
			l.metrics.ListenerReconnects.Inc()
		}
	}
}

// runOnce attaches one subscription and pumps it until it dies or ctx ends.
// A nil return means ctx canceled.
func (l *Listener) runOnce(ctx context.Context) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{l.address},
		Topics:    [][]common.Hash{{l.placedTopic, l.settledTopic}},
	}
	logs := make(chan types.Log, 64)

	sub, err := l.sub.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	l.setAttached(true)
	l.log.Info().Str("contract", l.address.Hex()).Msg("contract subscription attached")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			return err
		case lg := <-logs:
			l.handle(ctx, lg)
		}
	}
}

func (l *Listener) handle(ctx context.Context, lg types.Log) {
	if len(lg.Topics) == 0 {
		return
	}

	var ev Event
	switch lg.Topics[0] {
	case l.placedTopic:
		ev = eventFromLog(EventPlaced, lg)
	case l.settledTopic:
		ev = eventFromLog(EventSettled, lg)
	default:
		return
	}

	if l.metrics != nil {
		l.metrics.ListenerEvents.WithLabelValues(string(ev.Kind)).Inc()
	}
	l.log.Debug().
		Str("event", string(ev.Kind)).
		Str("itx", ev.Itx).
		Str("tx_hash", ev.TxHash).
		Uint64("block", ev.BlockNumber).
		Msg("contract event observed")

	if ev.Itx == "" {
		return
	}
	if err := l.reconciler.ReconcileConsumedKey(ctx, ev.Itx); err != nil {
		// Reconciliation failures only delay convergence; the pending-key
		// recovery path retries from the player side.
		l.log.Error().Err(err).Str("itx", ev.Itx).Msg("event reconciliation failed")
	}
}

func (l *Listener) setAttached(attached bool) {
	if l.health != nil {
		l.health.SetChainAttached(attached)
	}
	if l.metrics != nil {
		if attached {
			l.metrics.ListenerAttached.Set(1)
		} else {
			l.metrics.ListenerAttached.Set(0)
		}
	}
}
