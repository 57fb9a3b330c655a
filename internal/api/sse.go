package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// handleStream streams an execution's events via Server-Sent Events. Clients
// resume from where they left off with the lastSeenOffset query parameter or
// the standard Last-Event-ID header; history is replayed before live events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	executionID := r.PathValue("id")

	lastSeen := int64(queryInt(r, "lastSeenOffset", 0))
	if lastSeen == 0 {
		if id := r.Header.Get("Last-Event-ID"); id != "" {
			if n, err := strconv.ParseInt(id, 10, 64); err == nil {
				lastSeen = n
			}
		}
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch, cancel, err := s.deps.Gateway.Subscribe(r.Context(), executionID, lastSeen)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			// The offset doubles as the SSE event id so Last-Event-ID resume works.
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.Offset, event.EventType, data)
			flusher.Flush()
		}
	}
}
