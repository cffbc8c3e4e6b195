package store

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/factorysh/maintenance/run"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// JSONStore keeps runs as JSON documents in a kv Store.
// Atomicity comes from Store.Update.
type JSONStore struct {
	store Store
}

// NewJSONStore wraps a kv store
func NewJSONStore(s Store) *JSONStore {
	return &JSONStore{store: s}
}

func key(id uuid.UUID) []byte {
	return []byte(id.String())
}

func decode(raw []byte) (*run.Run, error) {
	var r run.Run
	err := json.Unmarshal(raw, &r)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Create implements RunStore
func (j *JSONStore) Create(ctx context.Context, r *run.Run) error {
	if err := checkNew(r); err != nil {
		return err
	}
	r.LockVersion = 0
	return j.store.Update(key(r.ID), func(old []byte) ([]byte, error) {
		if old != nil {
			return nil, errors.Errorf("run %s already exists", r.ID)
		}
		return json.Marshal(r)
	})
}

// Get implements RunStore
func (j *JSONStore) Get(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	v, err := j.store.Get(key(id))
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, run.ErrNotFound
	}
	return decode(v)
}

// update applies fn to the persisted run, inside the kv atomic update
func (j *JSONStore) update(id uuid.UUID, fn func(current *run.Run) error) error {
	return j.store.Update(key(id), func(old []byte) ([]byte, error) {
		if old == nil {
			return nil, run.ErrNotFound
		}
		current, err := decode(old)
		if err != nil {
			return nil, err
		}
		if current.Status.IsTerminal() {
			return nil, run.ErrTerminal
		}
		current.UpdatedAt = time.Now().UTC()
		err = fn(current)
		if err != nil {
			return nil, err
		}
		return json.Marshal(current)
	})
}

// Save implements RunStore
func (j *JSONStore) Save(ctx context.Context, r *run.Run) error {
	var updatedAt time.Time
	err := j.update(r.ID, func(current *run.Run) error {
		if current.LockVersion != r.LockVersion {
			return run.ErrConflict
		}
		saved(current, r)
		current.LockVersion++
		updatedAt = current.UpdatedAt
		return nil
	})
	if err != nil {
		return err
	}
	r.LockVersion++
	r.UpdatedAt = updatedAt
	return nil
}

// IncrementTicks implements RunStore
func (j *JSONStore) IncrementTicks(ctx context.Context, id uuid.UUID, n int64) error {
	if err := checkTicks(n); err != nil {
		return err
	}
	return j.update(id, func(current *run.Run) error {
		current.TickCount += n
		return nil
	})
}

// Checkpoint implements RunStore
func (j *JSONStore) Checkpoint(ctx context.Context, id uuid.UUID, c Checkpoint) error {
	if err := checkTicks(c.Ticks); err != nil {
		return err
	}
	return j.update(id, func(current *run.Run) error {
		if !c.holds(current) {
			return run.ErrConflict
		}
		current.TickCount += c.Ticks
		current.TimeRunning += c.TimeRunning
		if c.Cursor != nil {
			cursor := *c.Cursor
			current.Cursor = &cursor
		}
		return nil
	})
}

// List implements RunStore
func (j *JSONStore) List(ctx context.Context, f Filter) ([]*run.Run, error) {
	runs := make([]*run.Run, 0)
	err := j.store.ForEach(func(k, v []byte) error {
		r, err := decode(v)
		if err != nil {
			return errors.Wrapf(err, "run %s", k)
		}
		if f.Match(r) {
			runs = append(runs, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID.String() < runs[j].ID.String()
		}
		return runs[i].CreatedAt.Before(runs[j].CreatedAt)
	})
	if f.Limit > 0 && len(runs) > f.Limit {
		runs = runs[:f.Limit]
	}
	return runs, nil
}

// Length returns the number of runs
func (j *JSONStore) Length() int {
	return j.store.Length()
}

// Close the underlying kv store
func (j *JSONStore) Close() error {
	return j.store.Close()
}
