package store

import (
	"errors"
	"testing"

	"qms/dispatch-service/internal/models"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		action string
		from   models.Status
		valid  bool
	}{
		{ActionClaim, models.StatusWaiting, true},
		{ActionClaim, models.StatusCalled, false},
		{ActionAnnounce, models.StatusClaimed, true},
		{ActionAnnounce, models.StatusWaiting, false},
		{ActionSkip, models.StatusCalled, true},
		{ActionSkip, models.StatusClaimed, false},
		{ActionSkip, models.StatusSkipped, false},
		{ActionRelease, models.StatusClaimed, true},
		{ActionRelease, models.StatusCalled, true},
		{ActionRelease, models.StatusReleased, false},
		{ActionRelease, models.StatusWaiting, false},
		{ActionServe, models.StatusCalled, true},
		{ActionServe, models.StatusServed, false},
		{"unknown", models.StatusWaiting, false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.action, tt.from); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.action, tt.from, got, tt.valid)
		}
	}
}

func TestTerminalStatusesHaveNoExit(t *testing.T) {
	terminal := []models.Status{models.StatusServed, models.StatusSkipped, models.StatusReleased}
	for _, status := range terminal {
		for action := range transitionMap {
			if ValidTransition(action, status) {
				t.Fatalf("terminal status %s leaves via %s", status, action)
			}
		}
	}
}

func TestApply(t *testing.T) {
	to, err := Apply(ActionClaim, models.StatusWaiting)
	if err != nil || to != models.StatusClaimed {
		t.Fatalf("claim: got %q, %v", to, err)
	}
	to, err = Apply(ActionAnnounce, to)
	if err != nil || to != models.StatusCalled {
		t.Fatalf("announce: got %q, %v", to, err)
	}
	if _, err := Apply(ActionClaim, models.StatusCalled); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestConflictErrorsWrapStateConflict(t *testing.T) {
	for _, err := range []error{ErrCounterMismatch, ErrCounterBusy, ErrUnexpectedState} {
		if !errors.Is(err, ErrStateConflict) {
			t.Fatalf("%v does not wrap ErrStateConflict", err)
		}
	}
}
