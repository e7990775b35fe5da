package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/httpapi"
	"qms/dispatch-service/internal/lookup"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/sqlite"
)

type testServer struct {
	client *Client
	store  *sqlite.Store
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	st, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	engine := dispatch.NewEngine(st, nil, zerolog.Nop(), dispatch.Options{})
	handler := httpapi.NewHandler(engine, lookup.NewService(st, 20), zerolog.Nop())
	server := httptest.NewServer(httpapi.LoggingMiddleware(zerolog.Nop())(handler.Routes()))
	t.Cleanup(func() {
		server.Close()
		_ = st.Close()
	})
	return testServer{client: New(server.URL, 2*time.Second), store: st}
}

func (s testServer) counter(t *testing.T, name string, active bool) string {
	t.Helper()
	counter, err := s.store.CreateCounter(context.Background(), name, active)
	if err != nil {
		t.Fatalf("create counter: %v", err)
	}
	return counter.CounterID
}

func TestClaimSkipLookupRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	counterA := srv.counter(t, "Counter A", true)

	for i := 0; i < 2; i++ {
		if _, err := srv.client.Issue(ctx, ""); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}

	ticket, err := srv.client.ClaimNext(ctx, counterA, "")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if ticket.QueueNumber != 1 || ticket.Status != models.StatusCalled {
		t.Fatalf("unexpected claim result: %+v", ticket)
	}

	skipped, err := srv.client.Skip(ctx, counterA, 1)
	if err != nil || skipped.Status != models.StatusSkipped {
		t.Fatalf("skip: %+v, %v", skipped, err)
	}

	_, err = srv.client.Skip(ctx, counterA, 1)
	if !errors.Is(err, store.ErrStateConflict) || dispatch.Classify(err) != dispatch.OutcomeConflict {
		t.Fatalf("expected conflict on repeated skip, got %v", err)
	}

	next, err := srv.client.ClaimNext(ctx, counterA, "")
	if err != nil || next.QueueNumber != 2 {
		t.Fatalf("expected ticket 2 after skip, got %+v, %v", next, err)
	}

	found, err := srv.client.Lookup(ctx, "1")
	if err != nil || len(found) != 1 || found[0].Status != models.StatusSkipped {
		t.Fatalf("lookup 1: %+v, %v", found, err)
	}
	byName, err := srv.client.Lookup(ctx, "counter a")
	if err != nil || len(byName) != 2 {
		t.Fatalf("lookup by name: %+v, %v", byName, err)
	}

	history, err := srv.client.TicketHistory(ctx, skipped.TicketID)
	if err != nil || len(history) == 0 {
		t.Fatalf("history: %d events, %v", len(history), err)
	}
	if err := store.VerifyChain(history); err != nil {
		t.Fatalf("history should verify client side: %v", err)
	}
}

func TestEmptyPoolAndInactiveCounter(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	active := srv.counter(t, "Counter A", true)
	inactive := srv.counter(t, "Counter B", false)

	if _, err := srv.client.ClaimNext(ctx, active, ""); !errors.Is(err, store.ErrNoWaitingTicket) {
		t.Fatalf("expected empty pool, got %v", err)
	}
	if dispatch.Classify(store.ErrNoWaitingTicket) != dispatch.OutcomeEmpty {
		t.Fatalf("empty pool must classify as empty")
	}

	if _, err := srv.client.Issue(ctx, ""); err != nil {
		t.Fatalf("issue: %v", err)
	}
	_, err := srv.client.ClaimNext(ctx, inactive, "")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict || !errors.Is(err, store.ErrCounterInactive) {
		t.Fatalf("expected counter inactive, got %v", err)
	}

	counters, err := srv.client.Counters(ctx, true)
	if err != nil || len(counters) != 1 || counters[0].CounterID != active {
		t.Fatalf("active counters: %+v, %v", counters, err)
	}
	all, err := srv.client.Counters(ctx, false)
	if err != nil || len(all) != 2 {
		t.Fatalf("all counters: %+v, %v", all, err)
	}
}

func TestReleaseTwiceFailsAndHidesTicket(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	counterA := srv.counter(t, "Counter A", true)
	if _, err := srv.client.Issue(ctx, ""); err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := srv.client.ClaimNext(ctx, counterA, ""); err != nil {
		t.Fatalf("claim: %v", err)
	}

	released, err := srv.client.Release(ctx, counterA, 1)
	if err != nil || released.Status != models.StatusReleased || released.CounterID != nil {
		t.Fatalf("release: %+v, %v", released, err)
	}
	if _, err := srv.client.Release(ctx, counterA, 1); dispatch.Classify(err) != dispatch.OutcomeConflict {
		t.Fatalf("expected conflict on second release, got %v", err)
	}

	found, err := srv.client.Lookup(ctx, "1")
	if err != nil || len(found) != 0 {
		t.Fatalf("released ticket should not be found: %+v, %v", found, err)
	}
	recent, err := srv.client.RecentTickets(ctx)
	if err != nil || len(recent) != 0 {
		t.Fatalf("released ticket should not be listed: %+v, %v", recent, err)
	}

	queues, err := srv.client.CurrentQueues(ctx)
	if err != nil || len(queues) != 1 || queues[0].QueueNumber != 0 {
		t.Fatalf("counter should have no current ticket: %+v, %v", queues, err)
	}
	metrics, err := srv.client.Metrics(ctx)
	if err != nil || metrics.Released != 1 || metrics.ActiveCounters != 1 {
		t.Fatalf("metrics: %+v, %v", metrics, err)
	}
}

func TestAPIErrorWithoutJSONBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := New(server.URL, time.Second).CurrentQueues(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadGateway || apiErr.Message != "gateway down" {
		t.Fatalf("unexpected error: %v", err)
	}
	if dispatch.Classify(err) != dispatch.OutcomeFailure {
		t.Fatalf("transport failures must classify as failure")
	}
}
