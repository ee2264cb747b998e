// Server-Sent Events feed off the Event Bus. Adapted from the ancestor
// server's handleTaskEvents (internal/server/server.go): per-connection
// subscription channel, http.Flusher after each event, context-driven
// teardown on client disconnect. Generalized from that server's single
// always-all-tasks stream to this spec's optional thread_id filter.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/chatrun/chatrun/backend/internal/httpapi/dto"
)

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, dto.InternalError("streaming not supported by response writer"))
		return
	}

	threadID := r.URL.Query().Get("thread_id")
	ch, unsubscribe := s.Bus.Subscribe(threadID)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Name, payload)
			flusher.Flush()
		}
	}
}

