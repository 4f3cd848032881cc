package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/s0uth-cloud/droptimize-driver/internal/httputil"
	"github.com/s0uth-cloud/droptimize-driver/internal/tracking"
)

var livePingInterval = 15 * time.Second

// handleLive streams tracker updates as server-sent events. The first event
// is the current state; each later event is named after the update type.
func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		httputil.InternalServerError(w, "streaming unsupported")
		return
	}

	id, updates := s.tracker.Subscribe()
	defer s.tracker.Unsubscribe(id)

	st, err := s.tracker.State(r.Context())
	if err != nil {
		writeTrackerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "state", tracking.Update{Type: "state", State: &st}); err != nil {
		return
	}
	flusher.Flush()

	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, u.Type, u); err != nil {
				logf("live stream %s closed: %v", id, err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event string, u tracking.Update) error {
	payload, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
