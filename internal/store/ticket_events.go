package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/dispatch-service/internal/models"
)

var ErrEventChainBroken = errors.New("ticket event chain broken")

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

type EventPayload struct {
	TicketID    string        `json:"ticket_id"`
	QueueNumber int64         `json:"queue_number"`
	IssueDay    string        `json:"issue_day,omitempty"`
	Status      models.Status `json:"status"`
	CounterID   *string       `json:"counter_id"`
	CreatedAt   *time.Time    `json:"created_at,omitempty"`
	CalledAt    *time.Time    `json:"called_at,omitempty"`
	FinishedAt  *time.Time    `json:"finished_at,omitempty"`
}

func NewEventPayload(ticket models.Ticket) ([]byte, error) {
	createdAt := ticket.CreatedAt
	payload := EventPayload{
		TicketID:    ticket.TicketID,
		QueueNumber: ticket.QueueNumber,
		IssueDay:    ticket.IssueDay,
		Status:      ticket.Status,
		CounterID:   ticket.CounterID,
		CalledAt:    ticket.CalledAt,
		FinishedAt:  ticket.FinishedAt,
	}
	if !createdAt.IsZero() {
		payload.CreatedAt = &createdAt
	}
	return json.Marshal(payload)
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// VerifyChain checks sequence continuity and every hash link of one ticket's history.
func VerifyChain(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 {
			return fmt.Errorf("%w: seq %d at position %d", ErrEventChainBroken, event.TicketSeq, i)
		}
		if event.PrevHash != prev {
			return fmt.Errorf("%w: prev hash mismatch at seq %d", ErrEventChainBroken, event.TicketSeq)
		}
		want := ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq)
		if event.Hash != want {
			return fmt.Errorf("%w: hash mismatch at seq %d", ErrEventChainBroken, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var payload EventPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return models.Ticket{}, err
		}
		if payload.TicketID != "" {
			ticket.TicketID = payload.TicketID
		}
		if payload.QueueNumber != 0 {
			ticket.QueueNumber = payload.QueueNumber
		}
		if payload.IssueDay != "" {
			ticket.IssueDay = payload.IssueDay
		}
		if payload.Status != "" {
			ticket.Status = payload.Status
		}
		if payload.CreatedAt != nil {
			ticket.CreatedAt = *payload.CreatedAt
		}
		if payload.CalledAt != nil {
			ticket.CalledAt = payload.CalledAt
		}
		if payload.FinishedAt != nil {
			ticket.FinishedAt = payload.FinishedAt
		}
		ticket.CounterID = payload.CounterID
	}
	return ticket, nil
}
