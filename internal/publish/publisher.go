package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"bestguess/internal/observability"
	"bestguess/internal/settle"
)

// SettlementPublisher fans confirmed settlements out on JetStream for
// downstream consumers (notification service, analytics). Publishing is
// best-effort: a failed publish only costs the notification, never the
// settlement itself.
// Subjects follow the pattern: bg.settlements.{round_id}
type SettlementPublisher struct {
	js      jetstream.JetStream
	queue   chan settle.SettlementEvent
	log     zerolog.Logger
	metrics *observability.Metrics
}

func NewSettlementPublisher(js jetstream.JetStream, queueSize int, log zerolog.Logger, metrics *observability.Metrics) *SettlementPublisher {
	return &SettlementPublisher{
		js:      js,
		queue:   make(chan settle.SettlementEvent, queueSize),
		log:     log.With().Str("component", "publisher").Logger(),
		metrics: metrics,
	}
}

// PublishSettlement enqueues one event for the publish loop. Returns an
// error only when the queue is full; the event is then dropped.
func (sp *SettlementPublisher) PublishSettlement(ctx context.Context, ev settle.SettlementEvent) error {
	select {
	case sp.queue <- ev:
		return nil
	default:
		if sp.metrics != nil {
			sp.metrics.PublishDrops.Inc()
		}
		return fmt.Errorf("publish queue full, dropped round %s", ev.RoundID)
	}
}

// Run drains the queue until ctx is canceled.
func (sp *SettlementPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-sp.queue:
			if err := sp.publish(ctx, ev); err != nil {
				// Non-fatal: consumers can reconcile from the ledger.
				sp.log.Warn().Err(err).Str("round_id", ev.RoundID).Msg("outbound publish failed")
			}
		}
	}
}

func (sp *SettlementPublisher) publish(ctx context.Context, ev settle.SettlementEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("bg.settlements.%s", ev.RoundID)
	if _, err := sp.js.Publish(ctx, subject, data); err != nil {
		return err
	}
	if sp.metrics != nil {
		sp.metrics.PublishedEvents.Inc()
	}
	return nil
}

// EnsureSettlementStream creates the outbound settlements stream.
func EnsureSettlementStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "BG_SETTLEMENTS",
		Subjects:  []string{"bg.settlements.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create settlements stream: %w", err)
	}
	log.Info().Str("stream", "BG_SETTLEMENTS").Msg("ensured outbound stream")
	return nil
}
