package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"qms/dispatch-service/internal/cache"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

type fakeStore struct {
	issueFn    func(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error)
	claimFn    func(ctx context.Context, input store.ClaimNextInput) (models.Ticket, bool, error)
	skipFn     func(ctx context.Context, input store.TicketActionInput) (models.Ticket, error)
	releaseFn  func(ctx context.Context, input store.TicketActionInput) (models.Ticket, error)
	serveFn    func(ctx context.Context, input store.TicketActionInput) (models.Ticket, error)
	currentFn  func(ctx context.Context) ([]models.CurrentQueue, error)
	searchFn   func(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
	eventsFn   func(ctx context.Context, ticketID string) ([]store.TicketEvent, error)
	autoSkipFn func(ctx context.Context, grace time.Duration, batchSize int) (int, error)
}

func (f fakeStore) IssueTicket(ctx context.Context, input store.IssueTicketInput) (models.Ticket, bool, error) {
	if f.issueFn == nil {
		return models.Ticket{}, false, nil
	}
	return f.issueFn(ctx, input)
}

func (f fakeStore) ClaimNext(ctx context.Context, input store.ClaimNextInput) (models.Ticket, bool, error) {
	if f.claimFn == nil {
		return models.Ticket{}, false, store.ErrNoWaitingTicket
	}
	return f.claimFn(ctx, input)
}

func (f fakeStore) SkipTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	if f.skipFn == nil {
		return models.Ticket{}, nil
	}
	return f.skipFn(ctx, input)
}

func (f fakeStore) ReleaseTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	if f.releaseFn == nil {
		return models.Ticket{}, nil
	}
	return f.releaseFn(ctx, input)
}

func (f fakeStore) ServeTicket(ctx context.Context, input store.TicketActionInput) (models.Ticket, error) {
	if f.serveFn == nil {
		return models.Ticket{}, nil
	}
	return f.serveFn(ctx, input)
}

func (f fakeStore) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	return models.Counter{CounterID: counterID, IsActive: true}, nil
}

func (f fakeStore) ListCounters(ctx context.Context, activeOnly bool) ([]models.Counter, error) {
	return nil, nil
}

func (f fakeStore) CurrentQueues(ctx context.Context) ([]models.CurrentQueue, error) {
	if f.currentFn == nil {
		return nil, nil
	}
	return f.currentFn(ctx)
}

func (f fakeStore) SearchTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	if f.searchFn == nil {
		return nil, nil
	}
	return f.searchFn(ctx, filter)
}

func (f fakeStore) Metrics(ctx context.Context) (models.QueueMetrics, error) {
	return models.QueueMetrics{}, nil
}

func (f fakeStore) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	if f.eventsFn == nil {
		return nil, store.ErrTicketNotFound
	}
	return f.eventsFn(ctx, ticketID)
}

func (f fakeStore) AutoSkip(ctx context.Context, grace time.Duration, batchSize int) (int, error) {
	if f.autoSkipFn == nil {
		return 0, nil
	}
	return f.autoSkipFn(ctx, grace, batchSize)
}

func (f fakeStore) ListPendingOutbox(ctx context.Context, limit int) ([]store.OutboxEvent, error) {
	return nil, nil
}

func (f fakeStore) MarkOutboxPublished(ctx context.Context, eventIDs []string) error {
	return nil
}

type countingProjections struct {
	*cache.ProjectionCache
	invalidations int
}

func (c *countingProjections) Invalidate(ctx context.Context) error {
	c.invalidations++
	return c.ProjectionCache.Invalidate(ctx)
}

func newTestEngine(st store.TicketStore) (*Engine, *countingProjections) {
	projections := &countingProjections{
		ProjectionCache: cache.New(cache.NewMemoryBackend(), time.Minute, zerolog.Nop(), KeyCurrent, KeyAll, KeyMetrics),
	}
	return NewEngine(st, projections, zerolog.Nop(), Options{CompleteOnAdvance: true}), projections
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeOK},
		{store.ErrNoWaitingTicket, OutcomeEmpty},
		{store.ErrStateConflict, OutcomeConflict},
		{store.ErrCounterMismatch, OutcomeConflict},
		{store.ErrCounterBusy, OutcomeConflict},
		{store.ErrCounterInactive, OutcomeConflict},
		{store.ErrTicketNotFound, OutcomeConflict},
		{fmt.Errorf("wrapped: %w", store.ErrNoWaitingTicket), OutcomeEmpty},
		{errors.New("connection reset"), OutcomeFailure},
	}
	for _, tt := range cases {
		if got := Classify(tt.err); got != tt.want {
			t.Fatalf("Classify(%v)=%s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestClaimNextInvalidatesOnlyOnSuccess(t *testing.T) {
	results := []error{nil, store.ErrNoWaitingTicket, store.ErrCounterInactive, errors.New("db down")}
	call := 0
	var seen store.ClaimNextInput
	engine, projections := newTestEngine(fakeStore{
		claimFn: func(_ context.Context, input store.ClaimNextInput) (models.Ticket, bool, error) {
			seen = input
			err := results[call]
			call++
			if err != nil {
				return models.Ticket{}, false, err
			}
			return models.Ticket{QueueNumber: 7, Status: models.StatusCalled}, true, nil
		},
	})
	ctx := context.Background()

	ticket, err := engine.ClaimNext(ctx, "counter-1", "req-1")
	if err != nil || ticket.QueueNumber != 7 {
		t.Fatalf("claim: %+v, %v", ticket, err)
	}
	if seen.CounterID != "counter-1" || seen.RequestID != "req-1" || !seen.CompleteOnAdvance || seen.CalledAt.IsZero() {
		t.Fatalf("unexpected store input: %+v", seen)
	}
	if projections.invalidations != 1 {
		t.Fatalf("expected 1 invalidation, got %d", projections.invalidations)
	}

	for i := 1; i < len(results); i++ {
		if _, err := engine.ClaimNext(ctx, "counter-1", ""); !errors.Is(err, results[i]) {
			t.Fatalf("expected %v, got %v", results[i], err)
		}
	}
	if projections.invalidations != 1 {
		t.Fatalf("failed claims must not invalidate, got %d", projections.invalidations)
	}
}

func TestClaimNextReplayDoesNotInvalidate(t *testing.T) {
	engine, projections := newTestEngine(fakeStore{
		claimFn: func(context.Context, store.ClaimNextInput) (models.Ticket, bool, error) {
			return models.Ticket{QueueNumber: 3, Status: models.StatusCalled}, false, nil
		},
	})
	if _, err := engine.ClaimNext(context.Background(), "counter-1", "req-1"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if projections.invalidations != 0 {
		t.Fatalf("replay should not invalidate")
	}
}

func TestSkipAndReleaseInvalidate(t *testing.T) {
	engine, projections := newTestEngine(fakeStore{
		skipFn: func(_ context.Context, input store.TicketActionInput) (models.Ticket, error) {
			if input.QueueNumber != 12 || input.CounterID != "c" {
				t.Fatalf("unexpected skip input: %+v", input)
			}
			return models.Ticket{QueueNumber: 12, Status: models.StatusSkipped}, nil
		},
		releaseFn: func(context.Context, store.TicketActionInput) (models.Ticket, error) {
			return models.Ticket{}, store.ErrUnexpectedState
		},
		serveFn: func(context.Context, store.TicketActionInput) (models.Ticket, error) {
			return models.Ticket{QueueNumber: 13, Status: models.StatusServed}, nil
		},
	})
	ctx := context.Background()

	if ticket, err := engine.Skip(ctx, "c", 12); err != nil || ticket.Status != models.StatusSkipped {
		t.Fatalf("skip: %+v, %v", ticket, err)
	}
	if _, err := engine.Release(ctx, "c", 12); Classify(err) != OutcomeConflict {
		t.Fatalf("expected conflict on release, got %v", err)
	}
	if _, err := engine.Serve(ctx, "c", 13); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if projections.invalidations != 2 {
		t.Fatalf("expected 2 invalidations, got %d", projections.invalidations)
	}
}

func TestCurrentQueuesServedFromCacheUntilTransition(t *testing.T) {
	loads := 0
	engine, _ := newTestEngine(fakeStore{
		currentFn: func(context.Context) ([]models.CurrentQueue, error) {
			loads++
			return []models.CurrentQueue{{CounterID: "c", QueueNumber: int64(loads), Status: models.StatusCalled}}, nil
		},
		skipFn: func(context.Context, store.TicketActionInput) (models.Ticket, error) {
			return models.Ticket{Status: models.StatusSkipped}, nil
		},
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		queues, err := engine.CurrentQueues(ctx)
		if err != nil || len(queues) != 1 || queues[0].QueueNumber != 1 {
			t.Fatalf("current queues: %+v, %v", queues, err)
		}
	}
	if _, err := engine.Skip(ctx, "c", 1); err != nil {
		t.Fatalf("skip: %v", err)
	}
	queues, err := engine.CurrentQueues(ctx)
	if err != nil || queues[0].QueueNumber != 2 {
		t.Fatalf("expected reload after skip: %+v, %v", queues, err)
	}
}

func TestPollOverlappingSkipDoesNotCacheCalledTicket(t *testing.T) {
	var mu sync.Mutex
	status := models.StatusCalled
	entered := make(chan struct{})
	release := make(chan struct{})
	first := true
	engine, _ := newTestEngine(fakeStore{
		currentFn: func(context.Context) ([]models.CurrentQueue, error) {
			mu.Lock()
			read := status
			block := first
			first = false
			mu.Unlock()
			if block {
				close(entered)
				<-release
			}
			return []models.CurrentQueue{{CounterID: "c", QueueNumber: 1, Status: read}}, nil
		},
		skipFn: func(context.Context, store.TicketActionInput) (models.Ticket, error) {
			mu.Lock()
			defer mu.Unlock()
			status = models.StatusSkipped
			return models.Ticket{QueueNumber: 1, Status: models.StatusSkipped}, nil
		},
	})
	ctx := context.Background()

	polled := make(chan error, 1)
	go func() {
		_, err := engine.CurrentQueues(ctx)
		polled <- err
	}()
	<-entered
	if _, err := engine.Skip(ctx, "c", 1); err != nil {
		t.Fatalf("skip: %v", err)
	}
	close(release)
	if err := <-polled; err != nil {
		t.Fatalf("poll: %v", err)
	}

	queues, err := engine.CurrentQueues(ctx)
	if err != nil || len(queues) != 1 || queues[0].Status != models.StatusSkipped {
		t.Fatalf("expected SKIPPED after the skip committed, got %+v, %v", queues, err)
	}
}

func TestRecentTicketsWithoutProjections(t *testing.T) {
	var seen store.TicketFilter
	engine := NewEngine(fakeStore{
		searchFn: func(_ context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
			seen = filter
			return []models.Ticket{{QueueNumber: 1, Status: models.StatusCalled}}, nil
		},
	}, nil, zerolog.Nop(), Options{})

	tickets, err := engine.RecentTickets(context.Background())
	if err != nil || len(tickets) != 1 {
		t.Fatalf("recent: %+v, %v", tickets, err)
	}
	if seen.Limit != store.DefaultListingLimit || len(seen.Statuses) != 4 {
		t.Fatalf("unexpected filter: %+v", seen)
	}
}

func TestTicketHistoryRejectsBrokenChain(t *testing.T) {
	engine, _ := newTestEngine(fakeStore{
		eventsFn: func(context.Context, string) ([]store.TicketEvent, error) {
			return []store.TicketEvent{{TicketID: "t", TicketSeq: 1, Type: "ticket.issued", Hash: "bogus"}}, nil
		},
	})
	if _, err := engine.TicketHistory(context.Background(), "t"); !errors.Is(err, store.ErrEventChainBroken) {
		t.Fatalf("expected ErrEventChainBroken, got %v", err)
	}
}

func TestAutoSkipInvalidatesWhenTicketsMoved(t *testing.T) {
	counts := []int{0, 2}
	call := 0
	engine, projections := newTestEngine(fakeStore{
		autoSkipFn: func(context.Context, time.Duration, int) (int, error) {
			n := counts[call]
			call++
			return n, nil
		},
	})
	ctx := context.Background()
	for range counts {
		if _, err := engine.AutoSkip(ctx, time.Minute, 10); err != nil {
			t.Fatalf("auto skip: %v", err)
		}
	}
	if projections.invalidations != 1 {
		t.Fatalf("expected 1 invalidation, got %d", projections.invalidations)
	}
}
