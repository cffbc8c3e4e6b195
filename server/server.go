package server

import (
	"context"
	"net/http"
	"time"

	"github.com/factorysh/maintenance/config"
	handlers "github.com/factorysh/maintenance/handlers/api"
	"github.com/factorysh/maintenance/pubsub"
	"github.com/factorysh/maintenance/queue"
	"github.com/factorysh/maintenance/runner"
	"github.com/factorysh/maintenance/scheduler"
	"github.com/factorysh/maintenance/store"
	"github.com/factorysh/maintenance/task"
	"github.com/factorysh/maintenance/version"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server wires storage, queue, executor and scheduler
type Server struct {
	Config    *config.Config
	Runs      store.RunStore
	Queue     queue.Queue
	Pubsub    *pubsub.PubSub
	Runner    *runner.Runner
	Scheduler *scheduler.Scheduler
}

// New builds everything from the configuration
func New(ctx context.Context, cfg *config.Config, catalog *task.Catalog) (*Server, error) {
	runs, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "store %s", cfg.Store.Driver)
	}
	ps := pubsub.NewPubSub()
	exec := runner.New(catalog, runs, ps)
	exec.ReloadInterval = cfg.Executor.ReloadInterval
	exec.SetTickRate(cfg.Executor.TickRate)

	q, err := OpenQueue(cfg.Queue, exec.Execute)
	if err != nil {
		runs.Close()
		return nil, errors.Wrapf(err, "queue %s", cfg.Queue.Driver)
	}
	schd := scheduler.New(catalog, runs, q, ps)
	if cfg.Executor.StuckTimeout > 0 {
		schd.StuckTimeout = cfg.Executor.StuckTimeout
	}
	s := &Server{
		Config:    cfg,
		Runs:      runs,
		Queue:     q,
		Pubsub:    ps,
		Runner:    exec,
		Scheduler: schd,
	}
	for _, sched := range cfg.Schedules {
		if err := schd.Schedule(sched.Cron, sched.Task, sched.Arguments); err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "schedule %s", sched.Task)
		}
	}
	return s, nil
}

// OpenStore opens the configured run storage
func OpenStore(ctx context.Context, cfg *config.Config) (store.RunStore, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		if err := cfg.EnsureDirs(); err != nil {
			return nil, err
		}
		return store.NewSQLStore(ctx, cfg.StorePath())
	case "bolt":
		if err := cfg.EnsureDirs(); err != nil {
			return nil, err
		}
		kv, err := store.NewBoltStore(cfg.StorePath())
		if err != nil {
			return nil, err
		}
		return store.NewJSONStore(kv), nil
	case "memory":
		return store.NewJSONStore(store.NewMemoryStore()), nil
	case "postgres":
		return store.NewGormStore(ctx, cfg.Store.DSN)
	}
	return nil, errors.Errorf("unknown store driver %q", cfg.Store.Driver)
}

// OpenQueue opens the configured queue, h is needed by the inline queue
func OpenQueue(cfg config.Queue, h queue.Handler) (queue.Queue, error) {
	switch cfg.Driver {
	case "memory":
		q := queue.NewMemory()
		q.Workers = cfg.Workers
		q.Attempts = cfg.Attempts
		q.Backoff = cfg.Backoff
		return q, nil
	case "inline":
		return queue.NewInline(h), nil
	case "nats":
		q, err := queue.NewNATS(cfg.URL, cfg.Stream, cfg.Subject, cfg.Durable)
		if err != nil {
			return nil, err
		}
		q.Workers = cfg.Workers
		q.AckWait = cfg.AckWait
		return q, nil
	}
	return nil, errors.Errorf("unknown queue driver %q", cfg.Driver)
}

// Close the queue and the storage
func (s *Server) Close() error {
	qErr := s.Queue.Close()
	err := s.Runs.Close()
	if err == nil {
		err = qErr
	}
	return err
}

// Handler is the HTTP API, with /metrics and /version
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-type", "text/plain")
		w.Write([]byte("Maintenance tasks, see /api/tasks\n"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-type", "text/plain")
		w.Write([]byte(version.Version()))
	}).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	handlers.RegisterAPI(router.PathPrefix("/api").Subrouter(), s.Scheduler, s.Pubsub, s.Config.AuthKey)
	sentryHandler := sentryhttp.New(sentryhttp.Options{})
	return sentryHandler.Handle(router)
}

// staleAfter is zero when executors live only in this process
func (s *Server) staleAfter() time.Duration {
	if s.Config.Queue.Driver == "nats" {
		return s.Config.Executor.StaleAfter
	}
	return 0
}

// recoverLoop looks for executors of other processes that died,
// the ones of this process are alive until it exits
func (s *Server) recoverLoop(ctx context.Context) error {
	period := s.staleAfter()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Scheduler.Recover(ctx, period); err != nil {
				log.WithError(err).Error("Recovery")
			}
		}
	}
}

func (s *Server) start(ctx context.Context, g *errgroup.Group) error {
	if _, err := s.Scheduler.Recover(ctx, s.staleAfter()); err != nil {
		return errors.Wrap(err, "recovery")
	}
	g.Go(func() error {
		return s.Queue.Consume(ctx, s.Runner.Execute)
	})
	if s.staleAfter() > 0 {
		g.Go(func() error {
			return s.recoverLoop(ctx)
		})
	}
	s.Scheduler.Start()
	return nil
}

// Work executes runs until ctx is done
func (s *Server) Work(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if err := s.start(ctx, g); err != nil {
		return err
	}
	defer s.Scheduler.Stop()
	log.WithField("queue", s.Config.Queue.Driver).Info("Working")
	return g.Wait()
}

// Serve the API and execute runs until ctx is done
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if err := s.start(ctx, g); err != nil {
		return err
	}
	defer s.Scheduler.Stop()

	server := &http.Server{
		Addr:    s.Config.Listen,
		Handler: s.Handler(),
	}
	g.Go(func() error {
		log.WithField("listen", s.Config.Listen).Info("Listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancelShutdown()
		return server.Shutdown(ctxShutdown)
	})
	return g.Wait()
}
