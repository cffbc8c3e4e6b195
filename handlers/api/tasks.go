package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/factorysh/maintenance/owner"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
)

// HandleGetTasks lists the catalog, with the last run of each task
func (a *API) HandleGetTasks(u *owner.Owner, w http.ResponseWriter,
	r *http.Request) (interface{}, error) {
	return a.schd.Tasks(r.Context())
}

type runRequest struct {
	Arguments map[string]string `json:"arguments"`
}

// HandlePostRuns enqueues a run of the task
func (a *API) HandlePostRuns(u *owner.Owner, w http.ResponseWriter,
	r *http.Request) (interface{}, error) {
	name := mux.Vars(r)["name"]
	var req runRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	r.Body.Close()
	if err != nil && err != io.EOF {
		return nil, badRequest{errors.Wrap(err, "bad body")}
	}
	created, err := a.schd.Enqueue(r.Context(), name, req.Arguments, u.Operator())
	if err != nil {
		return nil, err
	}
	w.WriteHeader(http.StatusCreated)
	return newRunResponse(created), nil
}
