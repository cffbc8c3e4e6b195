package server

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/factorysh/maintenance/config"
	"github.com/factorysh/maintenance/run"
	"github.com/factorysh/maintenance/task"
	"github.com/factorysh/maintenance/version"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.AuthKey = "plop"
	cfg.Queue.Backoff = 10 * time.Millisecond
	cfg.Executor.ReloadInterval = 10 * time.Millisecond
	return cfg
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	for _, driver := range []string{"sqlite", "bolt", "memory"} {
		cfg := testConfig(t)
		cfg.Store.Driver = driver
		s, err := New(ctx, cfg, task.Default)
		require.NoError(t, err, driver)
		r, err := s.Scheduler.Enqueue(ctx, task.DummyName, nil, "test")
		require.NoError(t, err, driver)
		assert.Equal(t, run.Enqueued, r.Status, driver)
		require.NoError(t, s.Close(), driver)
	}

	cfg := testConfig(t)
	cfg.Store.Driver = "mysql"
	_, err := New(ctx, cfg, task.Default)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Schedules = []config.Schedule{{Task: "nope", Cron: "@hourly"}}
	_, err = New(ctx, cfg, task.Default)
	assert.Error(t, err)
}

func TestHandler(t *testing.T) {
	s, err := New(context.Background(), testConfig(t), task.Default)
	require.NoError(t, err)
	defer s.Close()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/version")
	require.NoError(t, err)
	body, err := ioutil.ReadAll(res.Body)
	res.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, version.Version(), string(body))

	res, err = http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, err = http.Get(ts.URL + "/api/tasks")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func TestWork(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Store.Driver = "memory"
	s, err := New(ctx, cfg, task.Default)
	require.NoError(t, err)
	defer s.Close()

	// left behind by a dead process
	orphan := &run.Run{TaskName: task.DummyName, Arguments: map[string]string{"items": "2"}, Status: run.Interrupted}
	require.NoError(t, s.Scheduler.Create(ctx, orphan))

	ctxWork, cancel := context.WithCancel(ctx)
	done := make(chan error)
	go func() {
		done <- s.Work(ctxWork)
	}()

	r, err := s.Scheduler.Enqueue(ctx, task.DummyName, map[string]string{"items": "3"}, "test")
	require.NoError(t, err)

	for _, id := range []uuid.UUID{r.ID, orphan.ID} {
		assert.Eventually(t, func() bool {
			runs, err := s.Scheduler.Active(ctx)
			if err != nil {
				return false
			}
			for _, a := range runs {
				if a.ID == id {
					return false
				}
			}
			return true
		}, 5*time.Second, 10*time.Millisecond)
	}

	fresh, err := s.Scheduler.Find(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Succeeded, fresh.Status)
	assert.Equal(t, int64(3), fresh.TickCount)
	fresh, err = s.Scheduler.Find(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, run.Succeeded, fresh.Status)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Work doesn't stop")
	}
}

func TestStaleAfter(t *testing.T) {
	cfg := testConfig(t)
	s := &Server{Config: cfg}
	for _, driver := range []string{"memory", "inline"} {
		cfg.Queue.Driver = driver
		assert.Equal(t, time.Duration(0), s.staleAfter(), "executors of %s queues are alive", driver)
	}
	cfg.Queue.Driver = "nats"
	assert.Equal(t, cfg.Executor.StaleAfter, s.staleAfter())
}
