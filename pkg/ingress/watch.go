package ingress

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/speechqueue/transcribeq/pkg/task"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin is not enforced here: the watch endpoint streams the
	// same data the GET /tasks/{id} REST endpoint already returns, so
	// there is nothing a cross-origin page learns from it that it
	// couldn't get via a normal fetch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWatch upgrades to a websocket connection and streams the task's
// status on every observed transition until a terminal state is reached,
// per SPEC_FULL.md §4.F. It is a convenience surface over the same
// Store.Get the REST endpoint uses and changes no core semantics.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnf("websocket upgrade for task %d: %v", id, err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	ticker := time.NewTicker(waitPoll)
	defer ticker.Stop()

	var lastStatus task.Status
	for {
		t, err := s.store.Get(ctx, id)
		if err != nil {
			conn.WriteJSON(APIResponse{Success: false, Error: err.Error()})
			return
		}
		if t == nil {
			conn.WriteJSON(APIResponse{Success: false, Error: "task not found"})
			return
		}
		if t.Status != lastStatus {
			if err := conn.WriteJSON(APIResponse{Success: true, Data: t}); err != nil {
				return
			}
			lastStatus = t.Status
		}
		if t.Status.Terminal() {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
