package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

const counterA = "counter-a"

type fakeAPI struct {
	mu           sync.Mutex
	counters     []models.Counter
	queues       []models.CurrentQueue
	claimTicket  models.Ticket
	claimErr     error
	skipErr      error
	currentCalls int
	recentCalls  int
	skipCalls    int
	requestIDs   []string
	// currentHook runs after CurrentQueues has read its result.
	currentHook func(call int)
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		counters: []models.Counter{{CounterID: counterA, Name: "Counter A", IsActive: true}},
		queues:   []models.CurrentQueue{{CounterID: counterA, CounterName: "Counter A"}},
	}
}

func (f *fakeAPI) ClaimNext(_ context.Context, counterID, requestID string) (models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestIDs = append(f.requestIDs, requestID)
	if f.claimErr != nil {
		return models.Ticket{}, f.claimErr
	}
	ticket := f.claimTicket
	f.queues = []models.CurrentQueue{{CounterID: counterID, CounterName: "Counter A", QueueNumber: ticket.QueueNumber, Status: ticket.Status, TicketID: ticket.TicketID}}
	return ticket, nil
}

func (f *fakeAPI) Skip(_ context.Context, counterID string, queueNumber int64) (models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipCalls++
	if f.skipErr != nil {
		return models.Ticket{}, f.skipErr
	}
	return models.Ticket{QueueNumber: queueNumber, Status: models.StatusSkipped, CounterID: &counterID}, nil
}

func (f *fakeAPI) Release(_ context.Context, counterID string, queueNumber int64) (models.Ticket, error) {
	return models.Ticket{QueueNumber: queueNumber, Status: models.StatusReleased}, nil
}

func (f *fakeAPI) Serve(_ context.Context, counterID string, queueNumber int64) (models.Ticket, error) {
	return models.Ticket{QueueNumber: queueNumber, Status: models.StatusServed, CounterID: &counterID}, nil
}

func (f *fakeAPI) CurrentQueues(context.Context) ([]models.CurrentQueue, error) {
	f.mu.Lock()
	f.currentCalls++
	call := f.currentCalls
	queues := append([]models.CurrentQueue(nil), f.queues...)
	hook := f.currentHook
	f.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	return queues, nil
}

func (f *fakeAPI) RecentTickets(context.Context) ([]models.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recentCalls++
	return []models.Ticket{}, nil
}

func (f *fakeAPI) Metrics(context.Context) (models.QueueMetrics, error) {
	return models.QueueMetrics{}, nil
}

func (f *fakeAPI) Counters(_ context.Context, activeOnly bool) ([]models.Counter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Counter(nil), f.counters...), nil
}

func (f *fakeAPI) calls() (current, recent int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentCalls, f.recentCalls
}

func (f *fakeAPI) setQueues(queues ...models.CurrentQueue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queues = queues
}

func newTestSession(t *testing.T, api *fakeAPI, opts Options) *Session {
	t.Helper()
	if opts.PollInterval == 0 {
		opts.PollInterval = time.Hour
	}
	if opts.RefetchDelay == 0 {
		opts.RefetchDelay = 20 * time.Millisecond
	}
	s := New(api, NewViews(time.Minute, zerolog.Nop()), zerolog.Nop(), opts)
	t.Cleanup(s.Close)
	return s
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func selectCounter(t *testing.T, s *Session, api *fakeAPI) {
	t.Helper()
	if err := s.Select(context.Background(), counterA); err != nil {
		t.Fatalf("select: %v", err)
	}
	waitFor(t, "first poll", func() bool { return !s.Snapshot().RefreshedAt.IsZero() })
}

func TestSelectRequiresActiveCounter(t *testing.T) {
	api := newFakeAPI()
	s := newTestSession(t, api, Options{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := s.Snapshot().ActiveCounters; len(got) != 1 {
		t.Fatalf("expected active counters loaded, got %+v", got)
	}
	if err := s.Select(context.Background(), "counter-b"); !errors.Is(err, ErrCounterUnavailable) {
		t.Fatalf("expected ErrCounterUnavailable, got %v", err)
	}
	if _, err := s.ClaimNext(context.Background()); !errors.Is(err, ErrNoCounterSelected) {
		t.Fatalf("expected ErrNoCounterSelected, got %v", err)
	}
}

func TestPollingStopsOnDeselect(t *testing.T) {
	api := newFakeAPI()
	s := newTestSession(t, api, Options{PollInterval: 10 * time.Millisecond})
	selectCounter(t, s, api)

	waitFor(t, "several polls", func() bool {
		current, _ := api.calls()
		return current >= 3
	})
	s.Deselect()
	stopped, _ := api.calls()
	time.Sleep(60 * time.Millisecond)
	if current, _ := api.calls(); current > stopped+1 {
		t.Fatalf("polling continued after deselect: %d -> %d", stopped, current)
	}
	if s.Snapshot().Selected() {
		t.Fatalf("expected no counter selected")
	}
}

func TestClaimAppliesTicketInvalidatesAndRefetches(t *testing.T) {
	api := newFakeAPI()
	counterID := counterA
	api.claimTicket = models.Ticket{TicketID: "t7", QueueNumber: 7, Status: models.StatusCalled, CounterID: &counterID}
	s := newTestSession(t, api, Options{})
	selectCounter(t, s, api)
	ctx := context.Background()

	if _, err := s.RecentTickets(ctx); err != nil {
		t.Fatalf("recent: %v", err)
	}
	if _, err := s.RecentTickets(ctx); err != nil {
		t.Fatalf("recent: %v", err)
	}
	if _, recent := api.calls(); recent != 1 {
		t.Fatalf("expected cached listing, got %d calls", recent)
	}

	result, err := s.ClaimNext(ctx)
	if err != nil || result.Outcome != dispatch.OutcomeOK {
		t.Fatalf("claim: %+v, %v", result, err)
	}
	snapshot := s.Snapshot()
	if snapshot.Current.QueueNumber != 7 || snapshot.Current.Status != models.StatusCalled || !snapshot.CanSkip() {
		t.Fatalf("expected claimed ticket applied at once, got %+v", snapshot.Current)
	}
	if snapshot.Busy {
		t.Fatalf("busy flag should be cleared")
	}

	if _, err := s.RecentTickets(ctx); err != nil {
		t.Fatalf("recent: %v", err)
	}
	if _, recent := api.calls(); recent != 2 {
		t.Fatalf("expected listing refetched after invalidation, got %d calls", recent)
	}

	waitFor(t, "delayed refetch", func() bool {
		current, _ := api.calls()
		return current == 2
	})
	if got := s.Snapshot().Current.QueueNumber; got != 7 {
		t.Fatalf("refetch should keep ticket 7, got %d", got)
	}
}

func TestPollStartedBeforeClaimIsDropped(t *testing.T) {
	api := newFakeAPI()
	counterID := counterA
	api.claimTicket = models.Ticket{QueueNumber: 3, Status: models.StatusCalled, CounterID: &counterID}
	entered := make(chan struct{})
	gate := make(chan struct{})
	api.currentHook = func(call int) {
		if call == 1 {
			close(entered)
			<-gate
		}
	}
	s := newTestSession(t, api, Options{RefetchDelay: time.Hour})
	if err := s.Select(context.Background(), counterA); err != nil {
		t.Fatalf("select: %v", err)
	}
	<-entered

	if _, err := s.ClaimNext(context.Background()); err != nil {
		t.Fatalf("claim: %v", err)
	}
	close(gate)
	time.Sleep(50 * time.Millisecond)

	if got := s.Snapshot().Current; got.QueueNumber != 3 || got.Status != models.StatusCalled {
		t.Fatalf("stale poll overwrote the claimed ticket: %+v", got)
	}
}

func TestEmptyClaimDoesNotInvalidate(t *testing.T) {
	api := newFakeAPI()
	api.claimErr = store.ErrNoWaitingTicket
	s := newTestSession(t, api, Options{})
	selectCounter(t, s, api)
	ctx := context.Background()

	if _, err := s.RecentTickets(ctx); err != nil {
		t.Fatalf("recent: %v", err)
	}
	result, err := s.ClaimNext(ctx)
	if result.Outcome != dispatch.OutcomeEmpty || !errors.Is(err, store.ErrNoWaitingTicket) {
		t.Fatalf("expected empty outcome, got %+v, %v", result, err)
	}
	if msg := s.Snapshot().Message; msg != "no waiting ticket" {
		t.Fatalf("unexpected message %q", msg)
	}
	if _, err := s.RecentTickets(ctx); err != nil {
		t.Fatalf("recent: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	current, recent := api.calls()
	if recent != 1 || current != 1 {
		t.Fatalf("empty outcome must not invalidate or refetch: current=%d recent=%d", current, recent)
	}
}

func TestFailedClaimInvitesRetry(t *testing.T) {
	api := newFakeAPI()
	api.claimErr = errors.New("connection refused")
	s := newTestSession(t, api, Options{})
	selectCounter(t, s, api)

	result, err := s.ClaimNext(context.Background())
	if err == nil || result.Outcome != dispatch.OutcomeFailure {
		t.Fatalf("expected failure, got %+v, %v", result, err)
	}
	if msg := s.Snapshot().Message; !strings.Contains(msg, "retry") {
		t.Fatalf("unexpected message %q", msg)
	}
	if _, err := s.ClaimNext(context.Background()); err == nil {
		t.Fatalf("expected second failure")
	}
	api.mu.Lock()
	ids := append([]string(nil), api.requestIDs...)
	api.mu.Unlock()
	if len(ids) != 2 || ids[0] == ids[1] {
		t.Fatalf("each manual attempt carries its own request id: %v", ids)
	}
}

func TestSkipConflictRefreshesImmediately(t *testing.T) {
	api := newFakeAPI()
	api.setQueues(models.CurrentQueue{CounterID: counterA, CounterName: "Counter A", QueueNumber: 5, Status: models.StatusCalled})
	api.skipErr = store.ErrUnexpectedState
	s := newTestSession(t, api, Options{})
	selectCounter(t, s, api)

	api.setQueues(models.CurrentQueue{CounterID: counterA, CounterName: "Counter A", QueueNumber: 5, Status: models.StatusServed})
	result, err := s.Skip(context.Background())
	if result.Outcome != dispatch.OutcomeConflict || !errors.Is(err, store.ErrStateConflict) {
		t.Fatalf("expected conflict, got %+v, %v", result, err)
	}
	if current, _ := api.calls(); current != 2 {
		t.Fatalf("expected refresh after conflict, got %d polls", current)
	}
	snapshot := s.Snapshot()
	if snapshot.Current.Status != models.StatusServed || snapshot.CanSkip() {
		t.Fatalf("expected refreshed state, got %+v", snapshot.Current)
	}
	if !strings.Contains(snapshot.Message, "already handled") {
		t.Fatalf("unexpected message %q", snapshot.Message)
	}
}

func TestSkipOnlyOfferedForCalledTicket(t *testing.T) {
	api := newFakeAPI()
	api.setQueues(models.CurrentQueue{CounterID: counterA, CounterName: "Counter A", QueueNumber: 5, Status: models.StatusSkipped})
	s := newTestSession(t, api, Options{})
	if _, err := s.Skip(context.Background()); !errors.Is(err, ErrNoCounterSelected) {
		t.Fatalf("expected ErrNoCounterSelected, got %v", err)
	}
	selectCounter(t, s, api)

	if _, err := s.Skip(context.Background()); !errors.Is(err, ErrNothingToSkip) {
		t.Fatalf("expected ErrNothingToSkip, got %v", err)
	}
	if _, err := s.Release(context.Background(), 0); !errors.Is(err, ErrNothingToRelease) {
		t.Fatalf("expected ErrNothingToRelease, got %v", err)
	}
	api.mu.Lock()
	skips := api.skipCalls
	api.mu.Unlock()
	if skips != 0 {
		t.Fatalf("skip must not reach the service")
	}
}

func TestReleaseClearsCurrentTicket(t *testing.T) {
	api := newFakeAPI()
	api.setQueues(models.CurrentQueue{CounterID: counterA, CounterName: "Counter A", QueueNumber: 9, Status: models.StatusCalled})
	s := newTestSession(t, api, Options{})
	selectCounter(t, s, api)

	result, err := s.Release(context.Background(), 0)
	if err != nil || result.Ticket.QueueNumber != 9 {
		t.Fatalf("release: %+v, %v", result, err)
	}
	if current := s.Snapshot().Current; current.QueueNumber != 0 || current.Status != "" {
		t.Fatalf("expected no current ticket after release, got %+v", current)
	}
}

func TestSessionsShareViewInvalidation(t *testing.T) {
	api := newFakeAPI()
	counterID := counterA
	api.claimTicket = models.Ticket{QueueNumber: 1, Status: models.StatusCalled, CounterID: &counterID}
	views := NewViews(time.Minute, zerolog.Nop())
	operator := New(api, views, zerolog.Nop(), Options{PollInterval: time.Hour, RefetchDelay: 10 * time.Millisecond})
	board := New(api, views, zerolog.Nop(), Options{PollInterval: time.Hour})
	t.Cleanup(operator.Close)
	t.Cleanup(board.Close)
	selectCounter(t, operator, api)
	ctx := context.Background()

	if _, err := board.RecentTickets(ctx); err != nil {
		t.Fatalf("recent: %v", err)
	}
	if _, err := operator.ClaimNext(ctx); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := board.RecentTickets(ctx); err != nil {
		t.Fatalf("recent: %v", err)
	}
	if _, recent := api.calls(); recent != 2 {
		t.Fatalf("board should observe invalidation, got %d calls", recent)
	}
}

func TestSubscribeAndClose(t *testing.T) {
	api := newFakeAPI()
	s := New(api, NewViews(time.Minute, zerolog.Nop()), zerolog.Nop(), Options{PollInterval: time.Hour})
	updates, unsubscribe := s.Subscribe()
	defer unsubscribe()

	if err := s.Select(context.Background(), counterA); err != nil {
		t.Fatalf("select: %v", err)
	}
	select {
	case snapshot := <-updates:
		if snapshot.CounterID == "" && len(snapshot.ActiveCounters) == 0 {
			t.Fatalf("unexpected empty snapshot")
		}
	case <-time.After(time.Second):
		t.Fatalf("no snapshot delivered")
	}

	s.Close()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-updates:
			if !ok {
				if _, err := s.ClaimNext(context.Background()); !errors.Is(err, ErrClosed) {
					t.Fatalf("expected ErrClosed, got %v", err)
				}
				return
			}
		case <-deadline:
			t.Fatalf("subscriber channel not closed")
		}
	}
}
