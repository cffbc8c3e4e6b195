package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/factorysh/maintenance/middlewares"
	"github.com/factorysh/maintenance/owner"
	"github.com/factorysh/maintenance/pubsub"
	"github.com/factorysh/maintenance/run"
	"github.com/factorysh/maintenance/scheduler"
	"github.com/getsentry/sentry-go"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type API struct {
	schd    *scheduler.Scheduler
	pubsub  *pubsub.PubSub
	authKey string
}

func RegisterAPI(router *mux.Router, schd *scheduler.Scheduler, ps *pubsub.PubSub, authKey string) {
	api := &API{
		schd:    schd,
		pubsub:  ps,
		authKey: authKey,
	}
	router.Use(middlewares.Auth(authKey))
	router.HandleFunc("/tasks", api.wrapMyHandler(api.HandleGetTasks)).Methods(http.MethodGet)
	router.HandleFunc("/tasks/{name:.+}/runs", api.wrapMyHandler(api.HandlePostRuns)).Methods(http.MethodPost)
	router.HandleFunc("/runs", api.wrapMyHandler(api.HandleGetRuns)).Methods(http.MethodGet)
	router.HandleFunc("/runs/{id}", api.wrapMyHandler(api.HandleGetRun)).Methods(http.MethodGet)
	router.HandleFunc("/runs/{id}/pause", api.wrapMyHandler(api.HandlePause)).Methods(http.MethodPost)
	router.HandleFunc("/runs/{id}/resume", api.wrapMyHandler(api.HandleResume)).Methods(http.MethodPost)
	router.HandleFunc("/runs/{id}/cancel", api.wrapMyHandler(api.HandleCancel)).Methods(http.MethodPost)
	router.HandleFunc("/events", api.HandleEvents).Methods(http.MethodGet)
}

// errorsResponse is the body of every failed request
type errorsResponse struct {
	Errors []string `json:"errors"`
}

// badRequest is an error from the client
type badRequest struct {
	error
}

func (b badRequest) Cause() error {
	return b.error
}

func (b badRequest) Unwrap() error {
	return b.error
}

func statusOf(err error) (int, []string) {
	var validation *run.ValidationError
	var bad badRequest
	switch {
	case errors.As(err, &validation):
		return http.StatusUnprocessableEntity, validation.FullMessages()
	case errors.As(err, &bad):
		return http.StatusBadRequest, []string{err.Error()}
	case errors.Is(err, run.ErrNotFound):
		return http.StatusNotFound, []string{"Run not found."}
	case errors.Is(err, run.ErrInvalidTransition), errors.Is(err, run.ErrTerminal):
		return http.StatusConflict, []string{err.Error()}
	}
	return http.StatusInternalServerError, []string{"Internal error."}
}

func (a *API) wrapMyHandler(handler func(*owner.Owner, http.ResponseWriter,
	*http.Request) (interface{}, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("content-type", "application/json")
		hub := sentry.GetHubFromContext(r.Context())
		u, err := owner.FromCtx(r.Context())
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, err := handler(u, w, r)
		if err != nil {
			status, messages := statusOf(err)
			l := log.WithError(err).WithField("path", r.URL.Path).WithField("status", status)
			if status == http.StatusInternalServerError {
				l.Error("Request failed")
				if hub != nil {
					hub.CaptureException(err)
				}
			} else {
				l.Info("Request refused")
			}
			w.WriteHeader(status)
			json.NewEncoder(w).Encode(errorsResponse{Errors: messages})
			return
		}
		json.NewEncoder(w).Encode(data)
	}
}
