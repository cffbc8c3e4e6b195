package run

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrNotFound no run with this id
	ErrNotFound = errors.New("run not found")
	// ErrConflict the persisted run changed since it was loaded
	ErrConflict = errors.New("run was modified concurrently")
	// ErrInvalidTransition the state machine refuses the change
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTerminal the run is finished, it is read only
	ErrTerminal = errors.New("run is finished")
)

// TransitionError explains a refused transition
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("can't go from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Cause is used by pkg/errors
func (e *TransitionError) Cause() error {
	return ErrInvalidTransition
}

// FieldError is one validation failure
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists why a run can't be persisted
type ValidationError struct {
	Errors []FieldError
}

// Add a field error
func (v *ValidationError) Add(field, message string) {
	v.Errors = append(v.Errors, FieldError{Field: field, Message: message})
}

// FullMessages returns every message, human readable
func (v *ValidationError) FullMessages() []string {
	messages := make([]string, len(v.Errors))
	for i, e := range v.Errors {
		messages[i] = e.Message
	}
	return messages
}

func (v *ValidationError) Error() string {
	return "validation failed: " + strings.Join(v.FullMessages(), " ")
}

func (v *ValidationError) orNil() error {
	if len(v.Errors) == 0 {
		return nil
	}
	return v
}
