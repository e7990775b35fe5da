package store

import "qms/dispatch-service/internal/models"

const (
	ActionClaim    = "claim"
	ActionAnnounce = "announce"
	ActionSkip     = "skip"
	ActionRelease  = "release"
	ActionServe    = "serve"
)

type transition struct {
	from []models.Status
	to   models.Status
}

var transitionMap = map[string]transition{
	ActionClaim:    {from: []models.Status{models.StatusWaiting}, to: models.StatusClaimed},
	ActionAnnounce: {from: []models.Status{models.StatusClaimed}, to: models.StatusCalled},
	ActionSkip:     {from: []models.Status{models.StatusCalled}, to: models.StatusSkipped},
	ActionRelease:  {from: []models.Status{models.StatusClaimed, models.StatusCalled}, to: models.StatusReleased},
	ActionServe:    {from: []models.Status{models.StatusCalled}, to: models.StatusServed},
}

func ValidTransition(action string, fromStatus models.Status) bool {
	tr, ok := transitionMap[action]
	if !ok {
		return false
	}
	for _, status := range tr.from {
		if status == fromStatus {
			return true
		}
	}
	return false
}

// SourceStatuses lists the statuses an action may leave from.
func SourceStatuses(action string) []models.Status {
	tr, ok := transitionMap[action]
	if !ok {
		return nil
	}
	out := make([]models.Status, len(tr.from))
	copy(out, tr.from)
	return out
}

func TargetStatus(action string) (models.Status, bool) {
	tr, ok := transitionMap[action]
	if !ok {
		return "", false
	}
	return tr.to, true
}

// Apply returns the status reached by performing action on a ticket in from.
func Apply(action string, from models.Status) (models.Status, error) {
	if !ValidTransition(action, from) {
		return "", ErrInvalidTransition
	}
	to, _ := TargetStatus(action)
	return to, nil
}

// EventType names the outbox and history event written for an action.
func EventType(action string) string {
	switch action {
	case ActionClaim:
		return "ticket.claimed"
	case ActionAnnounce:
		return "ticket.called"
	case ActionSkip:
		return "ticket.skipped"
	case ActionRelease:
		return "ticket.released"
	case ActionServe:
		return "ticket.served"
	}
	return "ticket." + action
}
