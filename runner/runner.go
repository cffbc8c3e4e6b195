package runner

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/factorysh/maintenance/metrics"
	"github.com/factorysh/maintenance/pubsub"
	"github.com/factorysh/maintenance/run"
	"github.com/factorysh/maintenance/store"
	"github.com/factorysh/maintenance/task"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultReloadInterval is how often a running run reads its status again
const DefaultReloadInterval = time.Second

// errSkip aborts a transition: someone else already moved the run
var errSkip = errors.New("skip")

// Runner executes runs, one work unit after the other
type Runner struct {
	catalog *task.Catalog
	runs    store.RunStore
	Pubsub  *pubsub.PubSub
	// ReloadInterval between two fresh status reads, 0 reads after each unit
	ReloadInterval time.Duration
	limiter        *rate.Limiter
	Now            func() time.Time
}

func New(catalog *task.Catalog, runs store.RunStore, ps *pubsub.PubSub) *Runner {
	return &Runner{
		catalog:        catalog,
		runs:           runs,
		Pubsub:         ps,
		ReloadInterval: DefaultReloadInterval,
		Now:            time.Now,
	}
}

// SetTickRate throttles work units per second, 0 is unlimited
func (r *Runner) SetTickRate(perSecond float64) {
	if perSecond <= 0 {
		r.limiter = nil
		return
	}
	r.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
}

// Execute the run with this id. It is the queue handler: an error means
// the delivery should be retried, task failures are stored in the run.
func (r *Runner) Execute(ctx context.Context, id uuid.UUID) error {
	l := log.WithField("run", id)
	// status writes must land, even during shutdown
	persist := context.WithoutCancel(ctx)

	current, err := r.runs.Get(persist, id)
	if err != nil {
		if errors.Is(err, run.ErrNotFound) {
			l.Warning("Unknown run, dropping it")
			return nil
		}
		return err
	}
	l = l.WithField("task", current.TaskName)

	switch current.Status {
	case run.Enqueued, run.Interrupted:
	case run.Pausing, run.Cancelling:
		return r.settle(persist, id, "")
	default:
		l.WithField("status", current.Status).Info("Nothing to do")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	def, err := r.catalog.Resolve(current.TaskName)
	var t task.Task
	if err == nil {
		t, err = def.Build(current.Arguments)
	}
	if err != nil {
		return r.fail(persist, id, "", err, "")
	}

	var total *int64
	if current.TickTotal == nil {
		if counter, ok := t.(task.Counter); ok {
			n, err := counter.Count(ctx)
			if err != nil {
				return r.stop(ctx, persist, id, "", errors.Wrap(err, "counting"), "")
			}
			total = &n
		}
	}

	// owns the run until someone else stamps it
	token := uuid.NewString()
	started, err := r.transition(persist, id, func(fresh *run.Run) error {
		if fresh.Status != run.Enqueued && fresh.Status != run.Interrupted {
			return errSkip
		}
		if fresh.TickTotal == nil {
			fresh.TickTotal = total
		}
		fresh.Executor = token
		return fresh.TransitionTo(run.Running, r.Now())
	})
	if err != nil {
		if errors.Is(err, errSkip) {
			l.WithField("status", started.Status).Info("Moved before start")
			return nil
		}
		return err
	}

	metrics.Executing.WithLabelValues(current.TaskName).Inc()
	defer metrics.Executing.WithLabelValues(current.TaskName).Dec()
	l.WithField("cursor", started.Cursor).WithField("executor", token).Info("Running")

	return r.iterate(ctx, persist, started, t, token)
}

func (r *Runner) iterate(ctx, persist context.Context, current *run.Run, t task.Task, token string) error {
	id := current.ID
	l := log.WithField("run", id).WithField("task", current.TaskName).WithField("executor", token)

	enum, err := t.Collection(ctx, current.Cursor)
	if err != nil {
		return r.stop(ctx, persist, id, token, errors.Wrap(err, "collection"), "")
	}
	lastReload := time.Now()
	for {
		begin := time.Now()
		if r.limiter != nil {
			if err := r.limiter.Wait(ctx); err != nil {
				return r.interrupt(persist, id, token)
			}
		}
		item, ok, err := enum.Next(ctx)
		if err != nil {
			return r.stop(ctx, persist, id, token, err, "")
		}
		if !ok {
			return r.succeed(persist, id, token)
		}
		trace, err := process(ctx, t, item)
		if err != nil {
			return r.stop(ctx, persist, id, token, err, trace)
		}
		cursor := item.Cursor
		err = r.runs.Checkpoint(persist, id, store.Checkpoint{
			Ticks:       1,
			Cursor:      &cursor,
			TimeRunning: time.Since(begin),
			Executor:    token,
		})
		if err != nil {
			switch {
			case errors.Is(err, run.ErrTerminal):
				l.Warning("Finished by someone else")
				return nil
			case errors.Is(err, run.ErrConflict):
				l.Warning("Taken over, last unit dropped")
				return nil
			}
			l.WithError(err).Error("Checkpoint")
			if e := r.interrupt(persist, id, token); e != nil {
				l.WithError(e).Error("Interrupt")
			}
			return err
		}
		metrics.Ticks.WithLabelValues(current.TaskName).Inc()

		if ctx.Err() != nil {
			return r.interrupt(persist, id, token)
		}
		if time.Since(lastReload) < r.ReloadInterval {
			continue
		}
		lastReload = time.Now()
		fresh, err := r.runs.Get(persist, id)
		if err != nil {
			return err
		}
		if fresh.Executor != token {
			l.WithField("status", fresh.Status).Warning("Taken over")
			return nil
		}
		switch fresh.Status {
		case run.Running:
		case run.Pausing, run.Cancelling:
			l.WithField("status", fresh.Status).Info("Stopping on request")
			return r.settle(persist, id, token)
		default:
			l.WithField("status", fresh.Status).Warning("Not running anymore")
			return nil
		}
	}
}

func process(ctx context.Context, t task.Task, item task.Item) (trace string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic: %v", p)
			trace = string(debug.Stack())
		}
	}()
	return "", t.Process(ctx, item)
}

// stop after a failure: a cancelled context interrupts, anything else fails
func (r *Runner) stop(ctx, persist context.Context, id uuid.UUID, token string, err error, trace string) error {
	if ctx.Err() != nil {
		return r.interrupt(persist, id, token)
	}
	return r.fail(persist, id, token, err, trace)
}

// holds tells if token still owns the run, an empty token acts for nobody in particular
func holds(current *run.Run, token string) bool {
	return token == "" || current.Executor == token
}

// transition applies fn on a fresh run and tells everybody
func (r *Runner) transition(ctx context.Context, id uuid.UUID, fn func(*run.Run) error) (*run.Run, error) {
	var before run.Status
	fresh, err := store.Mutate(ctx, r.runs, id, func(current *run.Run) error {
		before = current.Status
		return fn(current)
	})
	if err != nil {
		return fresh, err
	}
	if fresh.Status != before {
		r.Pubsub.Transition(fresh)
	}
	return fresh, nil
}

// done swallows errSkip, the run is already where someone else wanted it
func done(fresh *run.Run, err error) error {
	if errors.Is(err, errSkip) {
		log.WithField("run", fresh.ID).WithField("status", fresh.Status).Info("Already moved")
		return nil
	}
	return err
}

// settle acknowledges an operator request: pausing becomes paused, cancelling cancelled
func (r *Runner) settle(ctx context.Context, id uuid.UUID, token string) error {
	return done(r.transition(ctx, id, func(current *run.Run) error {
		next, ok := settled(current.Status)
		if !ok || !holds(current, token) {
			return errSkip
		}
		return current.TransitionTo(next, r.Now())
	}))
}

func settled(s run.Status) (run.Status, bool) {
	switch s {
	case run.Pausing:
		return run.Paused, true
	case run.Cancelling:
		return run.Cancelled, true
	}
	return "", false
}

// interrupt a run the executor gives up, pending requests are honored
func (r *Runner) interrupt(ctx context.Context, id uuid.UUID, token string) error {
	log.WithField("run", id).Warning("Interrupted")
	return done(r.transition(ctx, id, func(current *run.Run) error {
		if !holds(current, token) {
			return errSkip
		}
		if next, ok := settled(current.Status); ok {
			return current.TransitionTo(next, r.Now())
		}
		if current.Status != run.Running {
			return errSkip
		}
		return current.TransitionTo(run.Interrupted, r.Now())
	}))
}

func (r *Runner) succeed(ctx context.Context, id uuid.UUID, token string) error {
	return done(r.transition(ctx, id, func(current *run.Run) error {
		if !holds(current, token) || !current.Status.IsHeld() {
			return errSkip
		}
		return current.TransitionTo(run.Succeeded, r.Now())
	}))
}

// fail stores the error in the run. It is not returned, retrying won't fix the task.
func (r *Runner) fail(ctx context.Context, id uuid.UUID, token string, cause error, trace string) error {
	fresh, err := r.transition(ctx, id, func(current *run.Run) error {
		if !holds(current, token) || !current.Status.CanTransitionTo(run.Errored) {
			return errSkip
		}
		return current.Fail(cause, trace, r.Now())
	})
	if err != nil {
		return done(fresh, err)
	}
	log.WithField("run", id).WithField("task", fresh.TaskName).WithError(cause).Error("Errored")
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("run", id.String())
		scope.SetTag("task", fresh.TaskName)
		sentry.CaptureException(cause)
	})
	return nil
}
