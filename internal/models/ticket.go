package models

import (
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusClaimed  Status = "CLAIMED"
	StatusCalled   Status = "CALLED"
	StatusServed   Status = "SERVED"
	StatusSkipped  Status = "SKIPPED"
	StatusReleased Status = "RELEASED"
)

var allStatuses = []Status{
	StatusWaiting,
	StatusClaimed,
	StatusCalled,
	StatusServed,
	StatusSkipped,
	StatusReleased,
}

func ParseStatus(raw string) (Status, error) {
	normalized := Status(strings.ToUpper(strings.TrimSpace(raw)))
	for _, status := range allStatuses {
		if status == normalized {
			return status, nil
		}
	}
	return "", fmt.Errorf("unknown ticket status %q", raw)
}

// IsTerminal reports whether no further transition may leave the status.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusServed, StatusSkipped, StatusReleased:
		return true
	}
	return false
}

// IsDisplayable reports whether lookup and the default listing may show the status.
func (s Status) IsDisplayable() bool {
	switch s {
	case StatusClaimed, StatusCalled, StatusServed, StatusSkipped:
		return true
	}
	return false
}

// IsBound reports whether a ticket in this status must carry a counter.
func (s Status) IsBound() bool {
	return s.IsDisplayable()
}

func DisplayableStatuses() []Status {
	return []Status{StatusClaimed, StatusCalled, StatusServed, StatusSkipped}
}

type Ticket struct {
	TicketID    string     `json:"ticket_id"`
	QueueNumber int64      `json:"queue_number"`
	IssueDay    string     `json:"issue_day"`
	Status      Status     `json:"status"`
	CounterID   *string    `json:"counter_id,omitempty"`
	CounterName string     `json:"counter_name,omitempty"`
	RequestID   string     `json:"request_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CalledAt    *time.Time `json:"called_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// IssueDayOf returns the issuing epoch a ticket created at t belongs to.
func IssueDayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
