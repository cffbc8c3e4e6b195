package store

import (
	"context"
	"time"

	"github.com/factorysh/maintenance/run"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Store kv stuff
type Store interface {
	Get([]byte) ([]byte, error)
	Put([]byte, []byte) error
	Delete([]byte) error
	// Update reads, modifies and writes a value atomically.
	// fn gets nil when the key is missing.
	Update(key []byte, fn func(old []byte) ([]byte, error)) error
	ForEach(fn func(k, v []byte) error) error
	Length() int
	Close() error
}

// RunStore persists runs
type RunStore interface {
	// Create inserts a new run, with its id already set
	Create(ctx context.Context, r *run.Run) error
	// Get a fresh copy of a run, or run.ErrNotFound
	Get(ctx context.Context, id uuid.UUID) (*run.Run, error)
	// Save writes status, timestamps, error details, tick total and metadata,
	// if nobody saved the run since it was loaded (run.ErrConflict otherwise).
	// Tick count, cursor and time running are never written by Save.
	Save(ctx context.Context, r *run.Run) error
	// IncrementTicks adds n to the persisted tick count, whatever the callers hold in memory
	IncrementTicks(ctx context.Context, id uuid.UUID, n int64) error
	// Checkpoint adds ticks and running time, and moves the cursor, in one atomic write
	Checkpoint(ctx context.Context, id uuid.UUID, c Checkpoint) error
	// List runs matching the filter, oldest first
	List(ctx context.Context, f Filter) ([]*run.Run, error)
	Close() error
}

// Checkpoint is an incremental progress write
type Checkpoint struct {
	Ticks       int64
	TimeRunning time.Duration
	Cursor      *string // nil keeps the current cursor
	// Executor, when set, must still hold the run, ErrConflict otherwise
	Executor string
}

// holds tells if the checkpoint writer still owns the run
func (c Checkpoint) holds(r *run.Run) bool {
	return c.Executor == "" || (r.Executor == c.Executor && r.Status.IsHeld())
}

// Filter selects runs
type Filter struct {
	TaskName string
	Statuses []run.Status
	Limit    int
}

// Match tells if a run is selected by this filter
func (f Filter) Match(r *run.Run) bool {
	if f.TaskName != "" && r.TaskName != f.TaskName {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Active returns runs with an active status
func Active(ctx context.Context, s RunStore) ([]*run.Run, error) {
	return s.List(ctx, Filter{Statuses: run.ActiveStatuses})
}

// MaxAttempts bounds Mutate retries on conflict
var MaxAttempts = 5

// Mutate loads a fresh run, applies fn and saves it, again and again while
// someone else wins the race. fn must be replayable, it sees the newest run each time.
func Mutate(ctx context.Context, s RunStore, id uuid.UUID, fn func(*run.Run) error) (*run.Run, error) {
	var err error
	for i := 0; i < MaxAttempts; i++ {
		var r *run.Run
		r, err = s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err = fn(r); err != nil {
			return r, err
		}
		err = s.Save(ctx, r)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, run.ErrConflict) {
			return r, err
		}
	}
	return nil, errors.Wrapf(err, "run %s: %d attempts", id, MaxAttempts)
}

func checkNew(r *run.Run) error {
	if r.ID == uuid.Nil {
		return errors.New("run without id")
	}
	if r.TaskName == "" {
		return errors.New("run without task name")
	}
	if r.Status == "" {
		r.Status = run.Enqueued
	}
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	return nil
}

func checkTicks(n int64) error {
	if n < 0 {
		return errors.Errorf("tick count can't decrease (%d)", n)
	}
	return nil
}

// saved copies the fields Save is allowed to write
func saved(dst, src *run.Run) {
	dst.Status = src.Status
	dst.TickTotal = src.TickTotal
	dst.StartedAt = src.StartedAt
	dst.EndedAt = src.EndedAt
	dst.ErrorClass = src.ErrorClass
	dst.ErrorMessage = src.ErrorMessage
	dst.Backtrace = src.Backtrace
	dst.Metadata = src.Metadata
	dst.Executor = src.Executor
}
