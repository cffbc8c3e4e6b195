package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/factorysh/maintenance/pubsub"
	"github.com/factorysh/maintenance/queue"
	"github.com/factorysh/maintenance/run"
	"github.com/factorysh/maintenance/store"
	"github.com/factorysh/maintenance/task"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/robfig/cron"
	log "github.com/sirupsen/logrus"
)

// DefaultStuckTimeout is how long a cancelling run waits for its executor
const DefaultStuckTimeout = 5 * time.Minute

// errUnchanged aborts a transition, the run already is where it should be
var errUnchanged = errors.New("unchanged")

// Scheduler creates runs, enqueues them, and handles operator requests
type Scheduler struct {
	catalog      *task.Catalog
	runs         store.RunStore
	queue        queue.Queue
	Pubsub       *pubsub.PubSub
	StuckTimeout time.Duration
	Now          func() time.Time
	cron         *cron.Cron
}

func New(catalog *task.Catalog, runs store.RunStore, q queue.Queue, ps *pubsub.PubSub) *Scheduler {
	return &Scheduler{
		catalog:      catalog,
		runs:         runs,
		queue:        q,
		Pubsub:       ps,
		StuckTimeout: DefaultStuckTimeout,
		Now:          time.Now,
		cron:         cron.New(),
	}
}

// Create validates and persists a new run. Nothing is written if the run is invalid.
func (s *Scheduler) Create(ctx context.Context, r *run.Run) error {
	if r.ID != uuid.Nil {
		return errors.New("I am choosing the uuid, not you")
	}
	if err := r.Validate(s.catalog); err != nil {
		return err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	r.ID = id
	if r.Status == "" {
		r.Status = run.Enqueued
	}
	if err := s.runs.Create(ctx, r); err != nil {
		return err
	}
	s.Pubsub.Transition(r)
	return nil
}

// Enqueue creates a run and submits it to the queue, exactly once.
// A queue failure leaves the run errored.
func (s *Scheduler) Enqueue(ctx context.Context, taskName string, args map[string]string, operator string) (*run.Run, error) {
	r := run.New(taskName, args)
	if operator != "" {
		r.Metadata = map[string]string{"enqueued_by": operator}
	}
	if err := s.Create(ctx, r); err != nil {
		return nil, err
	}
	log.WithField("run", r.ID).WithField("task", taskName).WithField("operator", operator).Info("Enqueued")
	if err := s.submit(ctx, r.ID); err != nil {
		return nil, err
	}
	return s.runs.Get(ctx, r.ID)
}

func (s *Scheduler) submit(ctx context.Context, id uuid.UUID) error {
	err := s.queue.Enqueue(ctx, id)
	if err == nil {
		return nil
	}
	cause := errors.Wrap(err, "enqueue")
	_, e := s.transition(ctx, id, func(current *run.Run) error {
		if !current.Status.CanTransitionTo(run.Errored) {
			return errUnchanged
		}
		return current.Fail(cause, "", s.Now())
	})
	if e != nil && !errors.Is(e, errUnchanged) {
		log.WithField("run", id).WithError(e).Error("Can't store the enqueue failure")
	}
	return cause
}

// Find a run
func (s *Scheduler) Find(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	return s.runs.Get(ctx, id)
}

// List runs
func (s *Scheduler) List(ctx context.Context, f store.Filter) ([]*run.Run, error) {
	return s.runs.List(ctx, f)
}

// Active runs: enqueued, running, paused, and the ones on their way
func (s *Scheduler) Active(ctx context.Context) ([]*run.Run, error) {
	return store.Active(ctx, s.runs)
}

// TaskInfo is a catalog entry with its most recent run
type TaskInfo struct {
	task.Definition
	LastRun *run.Run `json:"last_run,omitempty"`
}

// Tasks lists the catalog
func (s *Scheduler) Tasks(ctx context.Context) ([]TaskInfo, error) {
	runs, err := s.runs.List(ctx, store.Filter{})
	if err != nil {
		return nil, err
	}
	last := make(map[string]*run.Run)
	for _, r := range runs {
		// runs are sorted, oldest first
		last[r.TaskName] = r
	}
	defs := s.catalog.List()
	infos := make([]TaskInfo, len(defs))
	for i, def := range defs {
		infos[i] = TaskInfo{
			Definition: def,
			LastRun:    last[def.Name],
		}
	}
	return infos, nil
}

// Pause a run. A running run is asked to pause, its executor will stop after the current unit.
func (s *Scheduler) Pause(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	return s.request(ctx, id, func(current *run.Run) error {
		switch current.Status {
		case run.Enqueued, run.Interrupted:
			return current.TransitionTo(run.Paused, s.Now())
		case run.Running:
			return current.TransitionTo(run.Pausing, s.Now())
		case run.Pausing, run.Paused:
			return errUnchanged
		}
		return &run.TransitionError{From: current.Status, To: run.Paused}
	})
}

// Resume a paused or interrupted run, it goes back to the queue
func (s *Scheduler) Resume(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	fresh, err := s.request(ctx, id, func(current *run.Run) error {
		switch current.Status {
		case run.Paused, run.Interrupted:
			return current.TransitionTo(run.Enqueued, s.Now())
		}
		return &run.TransitionError{From: current.Status, To: run.Enqueued}
	})
	if err != nil {
		return nil, err
	}
	if err := s.submit(ctx, id); err != nil {
		return nil, err
	}
	if r, err := s.runs.Get(ctx, id); err == nil {
		return r, nil
	}
	return fresh, nil
}

// Cancel a run. Runs nobody holds are aborted, running runs are asked to cancel,
// cancelling runs whose executor vanished are cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) (*run.Run, error) {
	return s.request(ctx, id, func(current *run.Run) error {
		switch current.Status {
		case run.Enqueued, run.Paused, run.Interrupted:
			return current.TransitionTo(run.Aborted, s.Now())
		case run.Running, run.Pausing:
			return current.TransitionTo(run.Cancelling, s.Now())
		case run.Cancelling:
			if current.IsStuck(s.Now(), s.StuckTimeout) {
				log.WithField("run", current.ID).WithField("since", current.UpdatedAt).Warning("Stuck, cancelling it")
				return current.TransitionTo(run.Cancelled, s.Now())
			}
			return errUnchanged
		}
		return &run.TransitionError{From: current.Status, To: run.Cancelled}
	})
}

// request applies an operator request, errUnchanged is not an error
func (s *Scheduler) request(ctx context.Context, id uuid.UUID, fn func(*run.Run) error) (*run.Run, error) {
	fresh, err := s.transition(ctx, id, fn)
	if errors.Is(err, errUnchanged) {
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}
	return fresh, nil
}

func (s *Scheduler) transition(ctx context.Context, id uuid.UUID, fn func(*run.Run) error) (*run.Run, error) {
	var before run.Status
	fresh, err := store.Mutate(ctx, s.runs, id, func(current *run.Run) error {
		before = current.Status
		return fn(current)
	})
	if err != nil {
		return fresh, err
	}
	if fresh.Status != before {
		s.Pubsub.Transition(fresh)
	}
	return fresh, nil
}

// Recover runs left behind by dead executors: stale running runs are interrupted,
// stale requests are acknowledged, then every interrupted or enqueued run is enqueued again.
// staleAfter 0 considers every executor dead. It returns the number of enqueued runs.
func (s *Scheduler) Recover(ctx context.Context, staleAfter time.Duration) (int, error) {
	limit := s.Now().Add(-staleAfter)
	runs, err := s.runs.List(ctx, store.Filter{
		Statuses: []run.Status{run.Running, run.Pausing, run.Cancelling},
	})
	if err != nil {
		return 0, err
	}
	for _, r := range runs {
		if r.UpdatedAt.After(limit) {
			continue
		}
		_, err := s.transition(ctx, r.ID, func(current *run.Run) error {
			if current.UpdatedAt.After(limit) {
				return errUnchanged
			}
			switch current.Status {
			case run.Running:
				return current.TransitionTo(run.Interrupted, s.Now())
			case run.Pausing:
				return current.TransitionTo(run.Paused, s.Now())
			case run.Cancelling:
				return current.TransitionTo(run.Cancelled, s.Now())
			}
			return errUnchanged
		})
		if err != nil && !errors.Is(err, errUnchanged) {
			return 0, err
		}
	}

	waiting, err := s.runs.List(ctx, store.Filter{
		Statuses: []run.Status{run.Interrupted, run.Enqueued},
	})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range waiting {
		_, err := s.request(ctx, r.ID, func(current *run.Run) error {
			switch current.Status {
			case run.Interrupted:
				return current.TransitionTo(run.Enqueued, s.Now())
			case run.Enqueued:
				return errUnchanged
			}
			return errors.Errorf("%s is %s now", current.ID, current.Status)
		})
		if err != nil {
			log.WithField("run", r.ID).WithError(err).Warning("Not recovered")
			continue
		}
		if err := s.submit(ctx, r.ID); err != nil {
			return n, err
		}
		n++
	}
	log.WithField("recovered", n).Info("Recovery done")
	return n, nil
}

// Schedule enqueues a run of taskName at each tick of expr.
// expr has six fields, seconds first, or is a descriptor like @hourly.
func (s *Scheduler) Schedule(expr, taskName string, args map[string]string) error {
	if err := run.New(taskName, args).Validate(s.catalog); err != nil {
		return err
	}
	if _, err := cron.Parse(expr); err != nil {
		return errors.Wrapf(err, "schedule %q", expr)
	}
	operator := "cron " + expr
	return s.cron.AddFunc(expr, func() {
		_, err := s.Enqueue(context.Background(), taskName, copyArgs(args), operator)
		if err != nil {
			log.WithField("task", taskName).WithField("schedule", expr).WithError(err).Error("Scheduled enqueue")
		}
	})
}

func copyArgs(args map[string]string) map[string]string {
	c := make(map[string]string, len(args))
	for k, v := range args {
		c[k] = v
	}
	return c
}

// Schedules returns the next fire time of each schedule, soonest first
func (s *Scheduler) Schedules() []time.Time {
	entries := s.cron.Entries()
	now := s.Now()
	next := make([]time.Time, len(entries))
	for i, e := range entries {
		next[i] = e.Schedule.Next(now)
	}
	sort.Slice(next, func(i, j int) bool { return next[i].Before(next[j]) })
	return next
}

// Start the schedules
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop the schedules
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
