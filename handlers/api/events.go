package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// KeepAlive is the period of the comments written on idle event streams
var KeepAlive = 15 * time.Second

// HandleEvents streams run transitions as server-sent events
func (a *API) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	events := a.pubsub.Subscribe(r.Context())
	w.Header().Set("content-type", "text/event-stream")
	w.Header().Set("cache-control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(KeepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keepalive\n\n")
		case evt := <-events:
			data, err := json.Marshal(evt)
			if err != nil {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Status, data)
		}
		flusher.Flush()
	}
}
