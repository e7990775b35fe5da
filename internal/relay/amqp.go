package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"qms/dispatch-service/internal/store"
)

const maxBackoff = 30 * time.Second

type dialFunc func(url string) (*amqp.Connection, error)

// AMQPPublisher publishes outbox events to a durable topic exchange using the
// event type as routing key. The connection is opened lazily and redialed
// with exponential backoff after a failure.
type AMQPPublisher struct {
	url      string
	exchange string
	logger   zerolog.Logger
	dial     dialFunc
	now      func() time.Time

	mu          sync.Mutex
	conn        *amqp.Connection
	channel     *amqp.Channel
	backoff     time.Duration
	nextAttempt time.Time
}

func NewAMQPPublisher(url, exchange string, logger zerolog.Logger) *AMQPPublisher {
	return &AMQPPublisher{
		url:      url,
		exchange: exchange,
		logger:   logger.With().Str("component", "amqp").Logger(),
		dial:     amqp.Dial,
		now:      time.Now,
		backoff:  time.Second,
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.ensureChannel()
	if err != nil {
		return err
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.EventID, err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Type:         event.Type,
		Timestamp:    event.CreatedAt.UTC(),
		Body:         body,
	}
	if err := ch.PublishWithContext(ctx, p.exchange, event.Type, false, false, msg); err != nil {
		p.resetLocked()
		return fmt.Errorf("publish %s: %w", event.Type, err)
	}
	return nil
}

func (p *AMQPPublisher) ensureChannel() (*amqp.Channel, error) {
	if p.channel != nil && !p.channel.IsClosed() {
		return p.channel, nil
	}
	p.resetLocked()
	now := p.now()
	if now.Before(p.nextAttempt) {
		return nil, fmt.Errorf("broker unavailable, retrying after %s", p.nextAttempt.Sub(now).Round(time.Millisecond))
	}

	conn, err := p.dial(p.url)
	if err != nil {
		p.deferRetry(now)
		return nil, fmt.Errorf("dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		p.deferRetry(now)
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		p.deferRetry(now)
		return nil, fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}

	p.conn = conn
	p.channel = ch
	p.backoff = time.Second
	p.nextAttempt = time.Time{}
	p.logger.Info().Str("exchange", p.exchange).Msg("connected to broker")
	return ch, nil
}

func (p *AMQPPublisher) deferRetry(now time.Time) {
	p.nextAttempt = now.Add(p.backoff)
	p.logger.Warn().Dur("backoff", p.backoff).Msg("broker connection failed")
	if p.backoff < maxBackoff {
		p.backoff *= 2
		if p.backoff > maxBackoff {
			p.backoff = maxBackoff
		}
	}
}

func (p *AMQPPublisher) resetLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}
