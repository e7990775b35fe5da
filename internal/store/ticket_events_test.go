package store

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"qms/dispatch-service/internal/models"
)

func buildChain(t *testing.T, ticketID string, tickets ...models.Ticket) []TicketEvent {
	t.Helper()
	var events []TicketEvent
	prev := ""
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, ticket := range tickets {
		payload, err := NewEventPayload(ticket)
		if err != nil {
			t.Fatalf("payload: %v", err)
		}
		createdAt := base.Add(time.Duration(i) * time.Minute)
		eventType := "ticket." + string(ticket.Status)
		hash := ComputeTicketEventHash(prev, ticketID, eventType, payload, createdAt, i+1)
		events = append(events, TicketEvent{
			TicketID:  ticketID,
			TicketSeq: i + 1,
			Type:      eventType,
			Payload:   json.RawMessage(payload),
			CreatedAt: createdAt,
			PrevHash:  prev,
			Hash:      hash,
		})
		prev = hash
	}
	return events
}

func TestVerifyChainAndRehydrate(t *testing.T) {
	counter := "counter-1"
	created := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	called := created.Add(time.Minute)
	events := buildChain(t, "t-1",
		models.Ticket{TicketID: "t-1", QueueNumber: 12, IssueDay: "2024-05-01", Status: models.StatusWaiting, CreatedAt: created},
		models.Ticket{TicketID: "t-1", QueueNumber: 12, Status: models.StatusCalled, CounterID: &counter, CalledAt: &called},
		models.Ticket{TicketID: "t-1", QueueNumber: 12, Status: models.StatusReleased},
	)

	if err := VerifyChain(events); err != nil {
		t.Fatalf("verify chain: %v", err)
	}

	ticket, err := RehydrateTicket(events)
	if err != nil {
		t.Fatalf("rehydrate: %v", err)
	}
	if ticket.Status != models.StatusReleased {
		t.Fatalf("expected released, got %s", ticket.Status)
	}
	if ticket.CounterID != nil {
		t.Fatalf("expected counter cleared after release")
	}
	if ticket.QueueNumber != 12 || ticket.IssueDay != "2024-05-01" {
		t.Fatalf("unexpected identity: %+v", ticket)
	}
	if ticket.CalledAt == nil || !ticket.CalledAt.Equal(called) {
		t.Fatalf("expected called_at to survive")
	}
}

func TestVerifyChainDetectsTampering(t *testing.T) {
	events := buildChain(t, "t-2",
		models.Ticket{TicketID: "t-2", QueueNumber: 3, Status: models.StatusWaiting},
		models.Ticket{TicketID: "t-2", QueueNumber: 3, Status: models.StatusCalled},
	)
	events[0].Payload = json.RawMessage(`{"ticket_id":"t-2","queue_number":4,"status":"WAITING","counter_id":null}`)
	if err := VerifyChain(events); !errors.Is(err, ErrEventChainBroken) {
		t.Fatalf("expected ErrEventChainBroken, got %v", err)
	}
}
