package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/factorysh/maintenance/owner"
	"github.com/factorysh/maintenance/progress"
	"github.com/factorysh/maintenance/run"
	"github.com/factorysh/maintenance/store"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type runResponse struct {
	*run.Run
	Progress progress.Progress `json:"progress"`
}

func newRunResponse(r *run.Run) runResponse {
	return runResponse{
		Run:      r,
		Progress: progress.For(r),
	}
}

func runID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, badRequest{errors.Wrap(err, "bad run id")}
	}
	return id, nil
}

// HandleGetRuns lists runs, filtered by ?active=true, ?task= and ?status=a,b
func (a *API) HandleGetRuns(u *owner.Owner, w http.ResponseWriter,
	r *http.Request) (interface{}, error) {
	params := r.URL.Query()
	f := store.Filter{
		TaskName: params.Get("task"),
	}
	if raw := params.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st, err := run.ParseStatus(s)
			if err != nil {
				return nil, badRequest{err}
			}
			f.Statuses = append(f.Statuses, st)
		}
	}
	if raw := params.Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, badRequest{errors.Wrap(err, "active")}
		}
		if active {
			if len(f.Statuses) > 0 {
				return nil, badRequest{errors.New("active and status can't be used together")}
			}
			f.Statuses = run.ActiveStatuses
		}
	}
	if raw := params.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return nil, badRequest{errors.Wrap(err, "limit")}
		}
		f.Limit = limit
	}
	runs, err := a.schd.List(r.Context(), f)
	if err != nil {
		return nil, err
	}
	resp := make([]runResponse, len(runs))
	for i, one := range runs {
		resp[i] = newRunResponse(one)
	}
	return resp, nil
}

// HandleGetRun shows a run, with its progress
func (a *API) HandleGetRun(u *owner.Owner, w http.ResponseWriter,
	r *http.Request) (interface{}, error) {
	id, err := runID(r)
	if err != nil {
		return nil, err
	}
	found, err := a.schd.Find(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return newRunResponse(found), nil
}

func (a *API) control(action string, fn func(context.Context, uuid.UUID) (*run.Run, error)) func(*owner.Owner, http.ResponseWriter, *http.Request) (interface{}, error) {
	return func(u *owner.Owner, w http.ResponseWriter, r *http.Request) (interface{}, error) {
		id, err := runID(r)
		if err != nil {
			return nil, err
		}
		log.WithField("run", id).WithField("operator", u.Operator()).WithField("action", action).Info("Operator request")
		changed, err := fn(r.Context(), id)
		if err != nil {
			return nil, err
		}
		return newRunResponse(changed), nil
	}
}

// HandlePause asks a run to pause
func (a *API) HandlePause(u *owner.Owner, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	return a.control("pause", a.schd.Pause)(u, w, r)
}

// HandleResume puts a paused run back in the queue
func (a *API) HandleResume(u *owner.Owner, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	return a.control("resume", a.schd.Resume)(u, w, r)
}

// HandleCancel cancels a run
func (a *API) HandleCancel(u *owner.Owner, w http.ResponseWriter, r *http.Request) (interface{}, error) {
	return a.control("cancel", a.schd.Cancel)(u, w, r)
}
