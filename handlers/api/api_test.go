package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/factorysh/maintenance/pubsub"
	"github.com/factorysh/maintenance/queue"
	"github.com/factorysh/maintenance/run"
	"github.com/factorysh/maintenance/runner"
	"github.com/factorysh/maintenance/scheduler"
	"github.com/factorysh/maintenance/store"
	"github.com/factorysh/maintenance/task"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const key = "plop"

func newAPI(t *testing.T) (*httptest.Server, *scheduler.Scheduler) {
	catalog := task.NewCatalog()
	require.NoError(t, catalog.Register(task.Definition{
		Name:       task.DummyName,
		Parameters: []string{"items"},
		New: func(args map[string]string) (task.Task, error) {
			return task.DummyFromArguments(args)
		},
	}))
	require.NoError(t, catalog.Register(task.Definition{
		Name:     "maintenance/application",
		Abstract: true,
	}))
	runs := store.NewJSONStore(store.NewMemoryStore())
	ps := pubsub.NewPubSub()
	exec := runner.New(catalog, runs, ps)
	s := scheduler.New(catalog, runs, queue.NewInline(exec.Execute), ps)

	router := mux.NewRouter()
	RegisterAPI(router.PathPrefix("/api").Subrouter(), s, ps, key)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return ts, s
}

type testClient struct {
	root          string
	client        *http.Client
	authorization string
}

func newClient(root, key string) (*testClient, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"owner": "bob",
		"nbf":   time.Date(2015, 10, 10, 12, 0, 0, 0, time.UTC).Unix(),
	})
	blob, err := token.SignedString([]byte(key))
	if err != nil {
		return nil, err
	}
	return &testClient{
		root:          root,
		client:        &http.Client{},
		authorization: fmt.Sprintf("Bearer %s", blob),
	}, nil
}

func (t *testClient) Do(method, url string, body io.Reader) (*http.Response, error) {
	r, err := http.NewRequest(method, t.root+url, body)
	if err != nil {
		return nil, err
	}
	r.Header.Set("Authorization", t.authorization)
	return t.client.Do(r)
}

func (t *testClient) JSON(method, url string, body io.Reader, dst interface{}) (int, error) {
	res, err := t.Do(method, url, body)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if dst != nil {
		err = json.NewDecoder(res.Body).Decode(dst)
	}
	return res.StatusCode, err
}

type runBody struct {
	ID        uuid.UUID         `json:"id"`
	Status    string            `json:"status"`
	TickCount int64             `json:"tick_count"`
	Metadata  map[string]string `json:"metadata"`
	Progress  struct {
		Ratio *float64 `json:"ratio"`
		Text  string   `json:"text"`
	} `json:"progress"`
}

type errorsBody struct {
	Errors []string `json:"errors"`
}

func TestAPI(t *testing.T) {
	ts, _ := newAPI(t)
	c, err := newClient(ts.URL, key)
	require.NoError(t, err)

	res, err := http.Get(ts.URL + "/api/tasks")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	var tasks []struct {
		Name     string `json:"name"`
		Abstract bool   `json:"abstract"`
	}
	status, err := c.JSON("GET", "/api/tasks", nil, &tasks)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, tasks, 2)
	assert.Equal(t, task.DummyName, tasks[0].Name)
	assert.True(t, tasks[1].Abstract)

	var created runBody
	status, err = c.JSON("POST", "/api/tasks/dummy/runs",
		strings.NewReader(`{"arguments": {"items": "3"}}`), &created)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "succeeded", created.Status)
	assert.Equal(t, int64(3), created.TickCount)
	assert.Equal(t, "bob", created.Metadata["enqueued_by"])
	require.NotNil(t, created.Progress.Ratio)
	assert.Equal(t, 1.0, *created.Progress.Ratio)
	assert.Equal(t, "Processed 3 out of 3 items (100%).", created.Progress.Text)

	var shown runBody
	status, err = c.JSON("GET", "/api/runs/"+created.ID.String(), nil, &shown)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.ID, shown.ID)

	var list []runBody
	status, err = c.JSON("GET", "/api/runs?task=dummy", nil, &list)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 1)
	status, err = c.JSON("GET", "/api/runs?active=true", nil, &list)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 0)
	status, err = c.JSON("GET", "/api/runs?status=plop", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	status, err = c.JSON("GET", "/api/runs/"+uuid.New().String(), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	status, err = c.JSON("GET", "/api/runs/plop", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	status, err = c.JSON("POST", "/api/runs/"+created.ID.String()+"/pause", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusConflict, status)
}

func TestPostRunsValidation(t *testing.T) {
	ts, s := newAPI(t)
	c, err := newClient(ts.URL, key)
	require.NoError(t, err)

	for url, message := range map[string]string{
		"/api/tasks/maintenance/nope/runs":        "Task maintenance/nope does not exist.",
		"/api/tasks/maintenance/application/runs": "Task maintenance/application is abstract.",
	} {
		var errs errorsBody
		status, err := c.JSON("POST", url, nil, &errs)
		require.NoError(t, err)
		assert.Equal(t, http.StatusUnprocessableEntity, status, url)
		assert.Equal(t, []string{message}, errs.Errors)
	}

	var errs errorsBody
	status, err := c.JSON("POST", "/api/tasks/dummy/runs",
		strings.NewReader(`{"arguments": {"plop": "1"}}`), &errs)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, []string{"Argument plop is not a parameter of task dummy."}, errs.Errors)

	status, err = c.JSON("POST", "/api/tasks/dummy/runs", strings.NewReader(`{`), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadRequest, status)

	runs, err := s.List(context.Background(), store.Filter{})
	require.NoError(t, err)
	assert.Len(t, runs, 0)
}

func TestControls(t *testing.T) {
	ts, s := newAPI(t)
	c, err := newClient(ts.URL, key)
	require.NoError(t, err)
	ctx := context.Background()

	paused := &run.Run{TaskName: task.DummyName, Status: run.Paused}
	require.NoError(t, s.Create(ctx, paused))
	enqueued := &run.Run{TaskName: task.DummyName}
	require.NoError(t, s.Create(ctx, enqueued))

	var body runBody
	status, err := c.JSON("POST", "/api/runs/"+paused.ID.String()+"/resume", nil, &body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "succeeded", body.Status)

	status, err = c.JSON("POST", "/api/runs/"+enqueued.ID.String()+"/pause", nil, &body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "paused", body.Status)

	status, err = c.JSON("POST", "/api/runs/"+enqueued.ID.String()+"/cancel", nil, &body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "aborted", body.Status)

	status, err = c.JSON("POST", "/api/runs/"+uuid.New().String()+"/cancel", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEvents(t *testing.T) {
	ts, s := newAPI(t)
	c, err := newClient(ts.URL, key)
	require.NoError(t, err)

	res, err := c.Do("GET", "/api/events", nil)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("content-type"))

	created := &run.Run{TaskName: task.DummyName}
	require.NoError(t, s.Create(context.Background(), created))

	reader := bufio.NewReader(res.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: enqueued\n", line)
	line, err = reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, "data: "))
	var evt pubsub.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &evt))
	assert.Equal(t, created.ID, evt.Id)
}
