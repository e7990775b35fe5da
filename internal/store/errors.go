package store

import (
	"errors"
	"fmt"
)

var (
	ErrNoWaitingTicket   = errors.New("no waiting ticket")
	ErrTicketNotFound    = errors.New("ticket not found")
	ErrCounterNotFound   = errors.New("counter not found")
	ErrCounterInactive   = errors.New("counter inactive")
	ErrStateConflict     = errors.New("ticket state conflict")
	ErrInvalidTransition = errors.New("invalid ticket transition")
)

var (
	ErrCounterMismatch = fmt.Errorf("%w: ticket bound to another counter", ErrStateConflict)
	ErrCounterBusy     = fmt.Errorf("%w: counter already has a called ticket", ErrStateConflict)
	ErrUnexpectedState = fmt.Errorf("%w: ticket status changed", ErrStateConflict)
)
