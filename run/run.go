package run

import (
	"fmt"
	"strings"
	"time"

	"github.com/factorysh/maintenance/task"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Run is one execution attempt of a task
type Run struct {
	ID           uuid.UUID         `json:"id"`
	TaskName     string            `json:"task_name"`
	Status       Status            `json:"status"`
	TickCount    int64             `json:"tick_count"`
	TickTotal    *int64            `json:"tick_total,omitempty"`
	Cursor       *string           `json:"cursor,omitempty"`
	Arguments    map[string]string `json:"arguments,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	TimeRunning  time.Duration     `json:"time_running"`
	ErrorClass   string            `json:"error_class,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	Backtrace    string            `json:"backtrace,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	EndedAt      *time.Time        `json:"ended_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	LockVersion  int64             `json:"lock_version"`
	// Executor is stamped by the executor moving the run to running
	Executor string `json:"executor,omitempty"`
}

// New returns an enqueued run, not persisted yet
func New(taskName string, arguments map[string]string) *Run {
	return &Run{
		TaskName:  taskName,
		Status:    Enqueued,
		Arguments: arguments,
	}
}

// Validate checks the task name and the arguments against the catalog
func (r *Run) Validate(catalog *task.Catalog) error {
	v := &ValidationError{}
	def, err := catalog.Resolve(r.TaskName)
	if err != nil {
		v.Add("task_name", err.Error())
	} else {
		for name := range r.Arguments {
			if !def.HasParameter(name) {
				v.Add("arguments", fmt.Sprintf("Argument %s is not a parameter of task %s.", name, r.TaskName))
			}
		}
	}
	if r.Status != "" && !r.Status.IsValid() {
		v.Add("status", fmt.Sprintf("Status %s is not a known status.", r.Status))
	}
	if r.TickCount < 0 {
		v.Add("tick_count", "Tick count must be greater than or equal to 0.")
	}
	if r.TickTotal != nil && *r.TickTotal < 0 {
		v.Add("tick_total", "Tick total must be greater than or equal to 0.")
	}
	return v.orNil()
}

// TransitionTo moves the run to the next status, following the state machine.
// StartedAt is set on the first start, EndedAt when the run finishes.
func (r *Run) TransitionTo(next Status, now time.Time) error {
	if !r.Status.CanTransitionTo(next) {
		return &TransitionError{From: r.Status, To: next}
	}
	r.Status = next
	if next == Running && r.StartedAt == nil {
		t := now
		r.StartedAt = &t
	}
	if next.IsTerminal() {
		t := now
		r.EndedAt = &t
	}
	return nil
}

// Fail moves the run to errored and keeps what went wrong
func (r *Run) Fail(err error, backtrace string, now time.Time) error {
	if e := r.TransitionTo(Errored, now); e != nil {
		return e
	}
	r.ErrorClass = ErrorClass(err)
	r.ErrorMessage = err.Error()
	if backtrace == "" {
		backtrace = Backtrace(err)
	}
	r.Backtrace = backtrace
	return nil
}

// IsStuck tells if a cancelling run has been waiting for its executor for too long
func (r *Run) IsStuck(now time.Time, timeout time.Duration) bool {
	return r.Status == Cancelling && now.Sub(r.UpdatedAt) > timeout
}

// Copy returns a deep copy
func (r *Run) Copy() *Run {
	c := *r
	if r.TickTotal != nil {
		v := *r.TickTotal
		c.TickTotal = &v
	}
	if r.Cursor != nil {
		v := *r.Cursor
		c.Cursor = &v
	}
	c.Arguments = copyMap(r.Arguments)
	c.Metadata = copyMap(r.Metadata)
	if r.StartedAt != nil {
		v := *r.StartedAt
		c.StartedAt = &v
	}
	if r.EndedAt != nil {
		v := *r.EndedAt
		c.EndedAt = &v
	}
	return &c
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	c := make(map[string]string, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

type causer interface {
	Cause() error
}

type unwrapper interface {
	Unwrap() error
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func root(err error) error {
	for {
		switch e := err.(type) {
		case causer:
			if e.Cause() == nil {
				return err
			}
			err = e.Cause()
		case unwrapper:
			if e.Unwrap() == nil {
				return err
			}
			err = e.Unwrap()
		default:
			return err
		}
	}
}

// ErrorClass names the type of the deepest error of the chain
func ErrorClass(err error) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", root(err)), "*")
}

// Backtrace returns the innermost stack trace recorded by pkg/errors, if any
func Backtrace(err error) string {
	var trace string
	for err != nil {
		if st, ok := err.(stackTracer); ok {
			trace = strings.TrimLeft(fmt.Sprintf("%+v", st.StackTrace()), "\n")
		}
		switch e := err.(type) {
		case causer:
			err = e.Cause()
		case unwrapper:
			err = e.Unwrap()
		default:
			err = nil
		}
	}
	return trace
}
