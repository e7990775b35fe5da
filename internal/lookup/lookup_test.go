package lookup

import (
	"context"
	"errors"
	"testing"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

type fakeSearcher struct {
	searchFn func(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error)
}

func (f fakeSearcher) SearchTickets(ctx context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
	return f.searchFn(ctx, filter)
}

func TestParseQuery(t *testing.T) {
	cases := []struct {
		raw    string
		number int64
		name   string
		err    error
	}{
		{"12", 12, "", nil},
		{" 7 ", 7, "", nil},
		{"Counter 3", 0, "Counter 3", nil},
		{"loket", 0, "loket", nil},
		{"12a", 0, "12a", nil},
		{"", 0, "", ErrEmptyQuery},
		{"   ", 0, "", ErrEmptyQuery},
		{"0", 0, "", nil},
		{"-3", -3, "", nil},
	}
	for _, tt := range cases {
		got, err := ParseQuery(tt.raw)
		if !errors.Is(err, tt.err) {
			t.Fatalf("ParseQuery(%q) err=%v, want %v", tt.raw, err, tt.err)
		}
		if got.QueueNumber != tt.number || got.CounterName != tt.name {
			t.Fatalf("ParseQuery(%q)=%+v", tt.raw, got)
		}
	}
}

func TestLookupPassesDisplayableFilter(t *testing.T) {
	var seen store.TicketFilter
	svc := NewService(fakeSearcher{searchFn: func(_ context.Context, filter store.TicketFilter) ([]models.Ticket, error) {
		seen = filter
		return []models.Ticket{{QueueNumber: 12, Status: models.StatusServed}}, nil
	}}, 0)

	result, err := svc.Lookup(context.Background(), "12")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !result.Found() || result.Tickets[0].QueueNumber != 12 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if seen.QueueNumber != 12 || seen.CounterName != "" || seen.Limit != store.DefaultListingLimit {
		t.Fatalf("unexpected filter: %+v", seen)
	}
	if len(seen.Statuses) != len(models.DisplayableStatuses()) {
		t.Fatalf("expected displayable statuses, got %v", seen.Statuses)
	}
}

func TestLookupHidesWaitingAndReleased(t *testing.T) {
	svc := NewService(fakeSearcher{searchFn: func(context.Context, store.TicketFilter) ([]models.Ticket, error) {
		return []models.Ticket{
			{QueueNumber: 1, Status: models.StatusWaiting},
			{QueueNumber: 2, Status: models.StatusReleased},
		}, nil
	}}, 20)

	result, err := svc.Lookup(context.Background(), "Counter")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if result.Found() {
		t.Fatalf("expected NotFound, got %+v", result.Tickets)
	}
}

func TestLookupNonPositiveNumberIsNotFound(t *testing.T) {
	svc := NewService(fakeSearcher{searchFn: func(context.Context, store.TicketFilter) ([]models.Ticket, error) {
		t.Fatalf("store should not be searched for a non-positive number")
		return nil, nil
	}}, 20)
	for _, raw := range []string{"0", "-3"} {
		result, err := svc.Lookup(context.Background(), raw)
		if err != nil {
			t.Fatalf("lookup %q: %v", raw, err)
		}
		if result.Found() || !result.Query.IsNumber() {
			t.Fatalf("lookup %q: expected NotFound, got %+v", raw, result)
		}
	}
}

func TestLookupSearchError(t *testing.T) {
	boom := errors.New("boom")
	svc := NewService(fakeSearcher{searchFn: func(context.Context, store.TicketFilter) ([]models.Ticket, error) {
		return nil, boom
	}}, 20)
	if _, err := svc.Lookup(context.Background(), "3"); !errors.Is(err, boom) {
		t.Fatalf("expected search error, got %v", err)
	}
}
