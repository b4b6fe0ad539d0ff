// Package ingress implements the Ingress Adapter (spec.md §4.F): a thin
// HTTP surface that validates a submission, persists a QUEUED task, and
// returns its identifier. Routing follows the teacher's
// cmd/noisefs-webui/main.go layout (a gorilla/mux router, an
// APIResponse-shaped JSON envelope), generalized to the task submission
// and query shapes SPEC_FULL.md §4.F/§6 define.
package ingress

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/speechqueue/transcribeq/pkg/logging"
	"github.com/speechqueue/transcribeq/pkg/task"
	"github.com/speechqueue/transcribeq/pkg/tempstore"
)

// Server wires a task.Store and an upload tempstore.Store into a
// gorilla/mux router. One Server owns its own pgxpool.Pool indirectly,
// through the task.Store passed to New — never shared with the Task
// Processor's pool (SPEC_FULL.md §5).
type Server struct {
	store     task.Store
	uploads   *tempstore.Store
	logger    *logging.Logger
	maxUpload int64

	router *mux.Router
}

// New builds a Server and registers its routes. maxUploadBytes bounds a
// multipart upload's body; zero falls back to a 2GiB default.
func New(store task.Store, uploads *tempstore.Store, maxUploadBytes int64, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	s := &Server{store: store, uploads: uploads, maxUpload: maxUploadBytes, logger: logger.WithComponent("ingress")}

	r := mux.NewRouter()
	r.HandleFunc("/tasks", s.handleCreate).Methods(http.MethodPost)
	r.HandleFunc("/tasks", s.handleQuery).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleGet).Methods(http.MethodGet)
	r.HandleFunc("/tasks/{id}", s.handleDelete).Methods(http.MethodDelete)
	r.HandleFunc("/tasks/{id}/watch", s.handleWatch)
	s.router = r
	return s
}

// Router exposes the underlying http.Handler for cmd/transcribe-api to
// hand to http.Server.
func (s *Server) Router() http.Handler {
	return s.router
}

// APIResponse is the JSON envelope every endpoint replies with, mirroring
// the teacher's APIResponse{Success, Data, Error}.
type APIResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func sendJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func sendError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: err.Error()})
}

// statusFor maps a task.Status to the HTTP status code spec.md §6 wants
// the read endpoints to return.
func statusFor(t *task.Task) int {
	switch t.Status {
	case task.StatusCompleted:
		return http.StatusOK
	case task.StatusFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusAccepted
	}
}

// errorStatus classifies a task.Error (or a plain error) to an HTTP
// status code, used when the Store itself fails rather than the task.
func errorStatus(err error) int {
	if classified, ok := err.(*task.Error); ok {
		switch classified.Code {
		case task.CodeInput:
			return http.StatusBadRequest
		case task.CodeStoreUnavailable:
			return http.StatusServiceUnavailable
		}
	}
	return http.StatusInternalServerError
}

func parseID(r *http.Request) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	t, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	if t == nil {
		sendError(w, http.StatusNotFound, task.Input("task %d not found", id))
		return
	}
	sendJSON(w, statusFor(t), t)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, err)
		return
	}
	deleted, err := s.store.Delete(r.Context(), id)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	if !deleted {
		sendError(w, http.StatusNotFound, task.Input("task %d not found", id))
		return
	}
	sendJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.QueryFilter{
		Status:     task.Status(q.Get("status")),
		Priority:   task.Priority(q.Get("priority")),
		Language:   q.Get("language"),
		EngineName: q.Get("engine_name"),
		Text:       q.Get("text"),
	}
	if v := q.Get("limit"); v != "" {
		filter.Limit, _ = strconv.Atoi(v)
	}
	if v := q.Get("offset"); v != "" {
		filter.Offset, _ = strconv.Atoi(v)
	}
	result, err := s.store.Query(r.Context(), filter)
	if err != nil {
		s.writeStoreErr(w, err)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

func (s *Server) writeStoreErr(w http.ResponseWriter, err error) {
	sendError(w, errorStatus(err), err)
}

// waitPoll is how often handleWatch re-checks the store for a status
// change; kept short since it only runs while a client holds the socket
// open.
const waitPoll = 500 * time.Millisecond
