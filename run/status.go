package run

import (
	"encoding/json"
	"fmt"
)

// Status of a Run
type Status string

const (
	Enqueued    Status = "enqueued"
	Running     Status = "running"
	Pausing     Status = "pausing"
	Paused      Status = "paused"
	Interrupted Status = "interrupted"
	Succeeded   Status = "succeeded"
	Errored     Status = "errored"
	Cancelling  Status = "cancelling"
	Cancelled   Status = "cancelled"
	Aborted     Status = "aborted"
)

// Statuses lists every known status
var Statuses = []Status{
	Enqueued, Running, Pausing, Paused, Interrupted,
	Succeeded, Errored, Cancelling, Cancelled, Aborted,
}

// ActiveStatuses are the statuses of runs someone is working on, or will
var ActiveStatuses = []Status{Enqueued, Running, Pausing, Paused, Cancelling}

// HeldStatuses are the statuses of runs an executor is working on
var HeldStatuses = []Status{Running, Pausing, Cancelling}

// TerminalStatuses can't be left
var TerminalStatuses = []Status{Succeeded, Errored, Cancelled, Aborted}

var transitions = map[Status][]Status{
	Enqueued:    {Running, Pausing, Paused, Cancelling, Aborted, Errored},
	Running:     {Pausing, Paused, Cancelling, Succeeded, Errored, Interrupted},
	Pausing:     {Paused, Cancelling, Succeeded, Errored, Interrupted},
	Paused:      {Enqueued, Running, Cancelling, Aborted},
	Interrupted: {Enqueued, Running, Paused, Aborted, Errored},
	Cancelling:  {Cancelled, Succeeded, Errored},
}

// IsTerminal returns true if no further transition is possible
func (s Status) IsTerminal() bool {
	return s.in(TerminalStatuses)
}

// IsActive returns true for enqueued, running and paused runs, and their in-flight forms
func (s Status) IsActive() bool {
	return s.in(ActiveStatuses)
}

// IsHeld returns true when an executor owns the run
func (s Status) IsHeld() bool {
	return s.in(HeldStatuses)
}

// IsValid returns true for known statuses
func (s Status) IsValid() bool {
	return s.in(Statuses)
}

// CanTransitionTo checks the state machine
func (s Status) CanTransitionTo(next Status) bool {
	return next.in(transitions[s])
}

func (s Status) in(statuses []Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}

// ParseStatus reads a status name
func ParseStatus(raw string) (Status, error) {
	s := Status(raw)
	if !s.IsValid() {
		return "", fmt.Errorf("Not a known status: %s", raw)
	}
	return s, nil
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var raw string
	err := json.Unmarshal(b, &raw)
	if err != nil {
		return err
	}
	*s, err = ParseStatus(raw)
	return err
}
