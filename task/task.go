package task

import (
	"context"
)

// Task is the business logic of a maintenance task
type Task interface {
	// Collection returns the work units left after cursor. A nil cursor
	// means starting from the beginning.
	Collection(ctx context.Context, cursor *string) (Enumerator, error)
	// Process does one unit of work
	Process(ctx context.Context, item Item) error
}

// Counter is implemented by tasks knowing how many units they will process
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Enumerator walks a collection, lazily
type Enumerator interface {
	// Next returns false when the collection is exhausted
	Next(ctx context.Context) (Item, bool, error)
}

// Item is one unit of work.
// Cursor is the position right after this item: resuming from it skips the item.
type Item struct {
	Cursor string
	Value  interface{}
}

// Factory builds a Task from run arguments
type Factory func(args map[string]string) (Task, error)

// Definition describes a registered task
type Definition struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Abstract    bool     `json:"abstract"`
	Parameters  []string `json:"parameters,omitempty"`
	New         Factory  `json:"-"`
}

// HasParameter tells if name is a declared parameter
func (d *Definition) HasParameter(name string) bool {
	for _, p := range d.Parameters {
		if p == name {
			return true
		}
	}
	return false
}

// Build instantiates the task
func (d *Definition) Build(args map[string]string) (Task, error) {
	if d.Abstract || d.New == nil {
		return nil, &LookupError{Name: d.Name, Err: ErrAbstractTask}
	}
	if args == nil {
		args = map[string]string{}
	}
	return d.New(args)
}
