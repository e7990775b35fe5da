// Package lookup resolves a visitor query to the tickets it may see.
package lookup

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

var ErrEmptyQuery = errors.New("empty lookup query")

type Searcher interface {
	SearchTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
}

// Query is either an exact queue number or a counter name fragment.
type Query struct {
	QueueNumber int64
	CounterName string
}

func (q Query) IsNumber() bool {
	return q.CounterName == ""
}

func ParseQuery(raw string) (Query, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Query{}, ErrEmptyQuery
	}
	if number, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
		return Query{QueueNumber: number}, nil
	}
	return Query{CounterName: trimmed}, nil
}

type Result struct {
	Query   Query           `json:"-"`
	Tickets []models.Ticket `json:"tickets"`
}

// Found is false for the NotFound outcome, which is not an error.
func (r Result) Found() bool {
	return len(r.Tickets) > 0
}

type Service struct {
	searcher Searcher
	limit    int
}

func NewService(searcher Searcher, limit int) *Service {
	return &Service{searcher: searcher, limit: store.NormalizeLimit(limit)}
}

func (s *Service) Lookup(ctx context.Context, raw string) (Result, error) {
	query, err := ParseQuery(raw)
	if err != nil {
		return Result{}, err
	}
	// queue numbers start at 1
	if query.IsNumber() && query.QueueNumber <= 0 {
		return Result{Query: query}, nil
	}
	tickets, err := s.searcher.SearchTickets(ctx, store.TicketFilter{
		QueueNumber: query.QueueNumber,
		CounterName: query.CounterName,
		Statuses:    models.DisplayableStatuses(),
		Limit:       s.limit,
	})
	if err != nil {
		return Result{}, err
	}

	visible := tickets[:0]
	for _, ticket := range tickets {
		if ticket.Status.IsDisplayable() {
			visible = append(visible, ticket)
		}
	}
	return Result{Query: query, Tickets: visible}, nil
}
