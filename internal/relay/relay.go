// Package relay ships committed outbox events to the message broker.
package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"qms/dispatch-service/internal/store"
)

type Outbox interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, eventIDs []string) error
}

type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
}

type Relay struct {
	outbox    Outbox
	publisher Publisher
	batchSize int
	logger    zerolog.Logger
	running   int32
}

func New(outbox Outbox, publisher Publisher, batchSize int, logger zerolog.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Relay{
		outbox:    outbox,
		publisher: publisher,
		batchSize: batchSize,
		logger:    logger.With().Str("component", "relay").Logger(),
	}
}

// RunOnce publishes one batch in creation order. It stops at the first
// publish failure so later events are never delivered ahead of earlier ones;
// everything published before the failure is still marked.
func (r *Relay) RunOnce(ctx context.Context) (int, error) {
	if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
		return 0, nil
	}
	defer atomic.StoreInt32(&r.running, 0)

	events, err := r.outbox.ListPendingOutbox(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}
	published := make([]string, 0, len(events))
	var publishErr error
	for _, event := range events {
		if err := r.publisher.Publish(ctx, event); err != nil {
			publishErr = err
			r.logger.Warn().Err(err).Str("event_id", event.EventID).Str("type", event.Type).Msg("publish failed")
			break
		}
		published = append(published, event.EventID)
	}
	if len(published) > 0 {
		if err := r.outbox.MarkOutboxPublished(ctx, published); err != nil {
			return 0, err
		}
	}
	return len(published), publishErr
}

// Start polls the outbox every interval until ctx is cancelled.
func (r *Relay) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			count, err := r.RunOnce(runCtx)
			cancel()
			if err != nil {
				r.logger.Error().Err(err).Int("published", count).Msg("relay batch failed")
				continue
			}
			if count > 0 {
				r.logger.Debug().Int("published", count).Msg("relay batch published")
			}
		}
	}
}
