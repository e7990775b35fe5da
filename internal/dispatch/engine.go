// Package dispatch runs the ticket state machine on top of a TicketStore and
// keeps the cached queue projections consistent with committed transitions.
package dispatch

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

const (
	KeyCurrent = "queues:current"
	KeyAll     = "queues:all"
	KeyMetrics = "queues:metrics"
)

// Projections caches read models. Invalidate must drop every projection a
// ticket transition can change.
type Projections interface {
	Load(ctx context.Context, key string, dest interface{}, fill func(context.Context) (interface{}, error)) error
	Invalidate(ctx context.Context) error
}

type Options struct {
	CompleteOnAdvance bool
	ListingLimit      int
}

type Engine struct {
	store             store.TicketStore
	projections       Projections
	logger            zerolog.Logger
	tracer            trace.Tracer
	completeOnAdvance bool
	listingLimit      int
	now               func() time.Time
}

func NewEngine(st store.TicketStore, projections Projections, logger zerolog.Logger, options Options) *Engine {
	limit := options.ListingLimit
	if limit <= 0 {
		limit = store.DefaultListingLimit
	}
	return &Engine{
		store:             st,
		projections:       projections,
		logger:            logger.With().Str("component", "dispatch").Logger(),
		tracer:            otel.Tracer("qms/dispatch"),
		completeOnAdvance: options.CompleteOnAdvance,
		listingLimit:      limit,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (e *Engine) Issue(ctx context.Context, requestID string) (models.Ticket, bool, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.issue")
	defer span.End()

	ticket, created, err := e.store.IssueTicket(ctx, store.IssueTicketInput{
		RequestID: requestID,
		CreatedAt: e.now(),
	})
	if err != nil {
		e.finish(span, "issue", err)
		return models.Ticket{}, false, err
	}
	if created {
		e.invalidate(ctx)
		e.logger.Info().Int64("queue_number", ticket.QueueNumber).Str("issue_day", ticket.IssueDay).Msg("ticket issued")
	}
	span.SetAttributes(attribute.Int64("queue_number", ticket.QueueNumber))
	return ticket, created, nil
}

// ClaimNext assigns the oldest waiting ticket to the counter and calls it.
func (e *Engine) ClaimNext(ctx context.Context, counterID, requestID string) (models.Ticket, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch.claim_next", trace.WithAttributes(attribute.String("counter_id", counterID)))
	defer span.End()

	ticket, created, err := e.store.ClaimNext(ctx, store.ClaimNextInput{
		RequestID:         requestID,
		CounterID:         counterID,
		CalledAt:          e.now(),
		CompleteOnAdvance: e.completeOnAdvance,
	})
	if err != nil {
		e.finish(span, "claim_next", err, counterID)
		return models.Ticket{}, err
	}
	if created {
		e.invalidate(ctx)
		e.logger.Info().Str("counter_id", counterID).Int64("queue_number", ticket.QueueNumber).Msg("ticket called")
	}
	span.SetAttributes(attribute.Int64("queue_number", ticket.QueueNumber))
	return ticket, nil
}

func (e *Engine) Skip(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error) {
	return e.act(ctx, store.ActionSkip, counterID, queueNumber, e.store.SkipTicket)
}

func (e *Engine) Release(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error) {
	return e.act(ctx, store.ActionRelease, counterID, queueNumber, e.store.ReleaseTicket)
}

func (e *Engine) Serve(ctx context.Context, counterID string, queueNumber int64) (models.Ticket, error) {
	return e.act(ctx, store.ActionServe, counterID, queueNumber, e.store.ServeTicket)
}

func (e *Engine) act(ctx context.Context, action, counterID string, queueNumber int64, apply func(context.Context, store.TicketActionInput) (models.Ticket, error)) (models.Ticket, error) {
	ctx, span := e.tracer.Start(ctx, "dispatch."+action, trace.WithAttributes(
		attribute.String("counter_id", counterID),
		attribute.Int64("queue_number", queueNumber),
	))
	defer span.End()

	ticket, err := apply(ctx, store.TicketActionInput{
		CounterID:   counterID,
		QueueNumber: queueNumber,
		OccurredAt:  e.now(),
	})
	if err != nil {
		e.finish(span, action, err, counterID)
		return models.Ticket{}, err
	}
	e.invalidate(ctx)
	e.logger.Info().
		Str("action", action).
		Str("counter_id", counterID).
		Int64("queue_number", queueNumber).
		Str("status", string(ticket.Status)).
		Msg("ticket transition")
	return ticket, nil
}

// AutoSkip skips tickets left CALLED longer than grace.
func (e *Engine) AutoSkip(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	count, err := e.store.AutoSkip(ctx, grace, batchSize)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		e.invalidate(ctx)
		e.logger.Info().Int("count", count).Msg("auto skip processed tickets")
	}
	return count, nil
}

func (e *Engine) CurrentQueues(ctx context.Context) ([]models.CurrentQueue, error) {
	var queues []models.CurrentQueue
	err := e.load(ctx, KeyCurrent, &queues, func(ctx context.Context) (interface{}, error) {
		return e.store.CurrentQueues(ctx)
	})
	return queues, err
}

// RecentTickets is the default listing: the latest displayable tickets.
func (e *Engine) RecentTickets(ctx context.Context) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := e.load(ctx, KeyAll, &tickets, func(ctx context.Context) (interface{}, error) {
		return e.store.SearchTickets(ctx, store.TicketFilter{
			Statuses: models.DisplayableStatuses(),
			Limit:    e.listingLimit,
		})
	})
	return tickets, err
}

func (e *Engine) Metrics(ctx context.Context) (models.QueueMetrics, error) {
	var metrics models.QueueMetrics
	err := e.load(ctx, KeyMetrics, &metrics, func(ctx context.Context) (interface{}, error) {
		return e.store.Metrics(ctx)
	})
	return metrics, err
}

func (e *Engine) Counters(ctx context.Context, activeOnly bool) ([]models.Counter, error) {
	return e.store.ListCounters(ctx, activeOnly)
}

// TicketHistory returns the ticket's events after checking the hash chain.
func (e *Engine) TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	events, err := e.store.ListTicketEvents(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if err := store.VerifyChain(events); err != nil {
		e.logger.Error().Err(err).Str("ticket_id", ticketID).Msg("ticket history failed verification")
		return nil, err
	}
	return events, nil
}

func (e *Engine) load(ctx context.Context, key string, dest interface{}, fill func(context.Context) (interface{}, error)) error {
	if e.projections == nil {
		value, err := fill(ctx)
		if err != nil {
			return err
		}
		return assign(dest, value)
	}
	return e.projections.Load(ctx, key, dest, fill)
}

func assign(dest, value interface{}) error {
	target := reflect.ValueOf(dest)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		return fmt.Errorf("dispatch: destination must be a non-nil pointer")
	}
	source := reflect.ValueOf(value)
	if !source.IsValid() {
		target.Elem().Set(reflect.Zero(target.Elem().Type()))
		return nil
	}
	if !source.Type().AssignableTo(target.Elem().Type()) {
		return fmt.Errorf("dispatch: cannot assign %s to %s", source.Type(), target.Elem().Type())
	}
	target.Elem().Set(source)
	return nil
}

// invalidate runs only after a committed transition. A failed invalidation
// leaves projections to expire by TTL.
func (e *Engine) invalidate(ctx context.Context) {
	if e.projections == nil {
		return
	}
	if err := e.projections.Invalidate(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("projection invalidation failed")
	}
}

func (e *Engine) finish(span trace.Span, action string, err error, counterID ...string) {
	outcome := Classify(err)
	span.SetAttributes(attribute.String("outcome", outcome.String()))
	event := e.logger.Info()
	switch outcome {
	case OutcomeConflict:
		event = e.logger.Warn()
	case OutcomeFailure:
		event = e.logger.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if len(counterID) > 0 {
		event = event.Str("counter_id", counterID[0])
	}
	event.Err(err).Str("action", action).Str("outcome", outcome.String()).Msg("dispatch operation not applied")
}
