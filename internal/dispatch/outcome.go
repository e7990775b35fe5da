package dispatch

import (
	"errors"

	"qms/dispatch-service/internal/store"
)

// Outcome is the caller-facing classification of an engine operation.
type Outcome int

const (
	OutcomeOK Outcome = iota
	// OutcomeEmpty is an expected "nothing to do", such as an empty pool.
	OutcomeEmpty
	// OutcomeConflict means the caller acted on stale state and should refresh.
	OutcomeConflict
	OutcomeFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeEmpty:
		return "empty"
	case OutcomeConflict:
		return "conflict"
	default:
		return "failure"
	}
}

func Classify(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, store.ErrNoWaitingTicket):
		return OutcomeEmpty
	case errors.Is(err, store.ErrStateConflict),
		errors.Is(err, store.ErrCounterInactive),
		errors.Is(err, store.ErrCounterNotFound),
		errors.Is(err, store.ErrTicketNotFound),
		errors.Is(err, store.ErrInvalidTransition):
		return OutcomeConflict
	default:
		return OutcomeFailure
	}
}
