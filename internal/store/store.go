package store

import (
	"context"
	"encoding/json"
	"time"

	"qms/dispatch-service/internal/models"
)

const DefaultListingLimit = 20

type IssueTicketInput struct {
	RequestID string
	CreatedAt time.Time
}

type ClaimNextInput struct {
	RequestID string
	CounterID string
	CalledAt  time.Time
	// CompleteOnAdvance marks the counter's CALLED ticket SERVED when the
	// claim succeeds instead of failing with ErrCounterBusy.
	CompleteOnAdvance bool
}

type TicketActionInput struct {
	CounterID   string
	QueueNumber int64
	OccurredAt  time.Time
}

// TicketFilter selects tickets for listings and lookups. A zero QueueNumber
// and empty CounterName match every ticket.
type TicketFilter struct {
	QueueNumber int64
	CounterName string
	Statuses    []models.Status
	Limit       int
}

type TicketStore interface {
	IssueTicket(ctx context.Context, input IssueTicketInput) (models.Ticket, bool, error)
	ClaimNext(ctx context.Context, input ClaimNextInput) (models.Ticket, bool, error)
	SkipTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	ReleaseTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	ServeTicket(ctx context.Context, input TicketActionInput) (models.Ticket, error)
	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
	ListCounters(ctx context.Context, activeOnly bool) ([]models.Counter, error)
	CurrentQueues(ctx context.Context) ([]models.CurrentQueue, error)
	SearchTickets(ctx context.Context, filter TicketFilter) ([]models.Ticket, error)
	Metrics(ctx context.Context) (models.QueueMetrics, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
	AutoSkip(ctx context.Context, grace time.Duration, batchSize int) (int, error)
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, eventIDs []string) error
}

type OutboxEvent struct {
	EventID   string          `json:"event_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// NormalizeLimit clamps a listing limit to (0, 100].
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListingLimit
	}
	if limit > 100 {
		return 100
	}
	return limit
}
