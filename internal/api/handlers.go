package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"insight-queue/internal/handler"
	"insight-queue/internal/models"
	"insight-queue/internal/queue"
	"insight-queue/internal/store"
	"insight-queue/internal/websocket"

	ws "github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Server holds all HTTP handlers and dependencies
type Server struct {
	q         *queue.Queue
	registry  *handler.Registry
	wsManager *websocket.Manager
	upgrader  ws.Upgrader
	log       *zap.SugaredLogger
}

// NewServer creates a new API server
func NewServer(q *queue.Queue, registry *handler.Registry, wsManager *websocket.Manager, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Server{
		q:         q,
		registry:  registry,
		wsManager: wsManager,
		log:       log,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

type errorResponse struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	ExistingID string `json:"existing_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

// SubmitJob handles job submission
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "payload is required")
		return
	}
	if req.Handler == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "handler is required")
		return
	}
	if _, ok := s.registry.Get(req.Handler); !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown handler: "+req.Handler)
		return
	}

	job, err := s.q.Enqueue(req)
	if err != nil {
		var dup *store.DuplicateError
		if errors.As(err, &dup) {
			writeJSON(w, http.StatusConflict, errorResponse{
				Error:      "duplicate_id",
				Message:    err.Error(),
				ExistingID: dup.ExistingID,
			})
			return
		}
		s.log.Errorw("submit failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"id": job.ID})
}

// GetJobStatus returns the job's public view.
func (s *Server) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	job, err := s.q.Get(jobID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	if err != nil {
		s.log.Errorw("status query failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to fetch job")
		return
	}

	writeJSON(w, http.StatusOK, job.View())
}

type listResponse struct {
	Jobs   []models.JobView `json:"jobs"`
	Counts models.Counts    `json:"counts"`
}

// ListJobs returns filtered job views plus per-state counts.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state != "" && !models.IsValidState(state) {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown state: "+state)
		return
	}

	limit := parseIntParam(r, "limit", defaultListLimit)
	if limit < 1 || limit > maxListLimit {
		limit = defaultListLimit
	}
	offset := parseIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	jobs, err := s.q.List(state, limit, offset)
	if err != nil {
		s.log.Errorw("list query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to fetch jobs")
		return
	}

	counts, err := s.q.Counts()
	if err != nil {
		s.log.Errorw("counts query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to fetch counts")
		return
	}

	views := make([]models.JobView, 0, len(jobs))
	for i := range jobs {
		views = append(views, jobs[i].View())
	}

	writeJSON(w, http.StatusOK, listResponse{Jobs: views, Counts: counts})
}

// RemoveJob deletes a job record. Idempotent: a second call reports
// removed=false without an error.
func (s *Server) RemoveJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "job id is required")
		return
	}

	removed, err := s.q.Remove(jobID)
	if errors.Is(err, store.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "job_active", "job is being processed; wait for it to finish")
		return
	}
	if err != nil {
		s.log.Errorw("remove failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to remove job")
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// ListHandlers describes the registered job handlers.
func (s *Server) ListHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Specs())
}

// GetMetrics returns system metrics
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.q.Metrics()
	if err != nil {
		s.log.Errorw("metrics query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "failed to fetch metrics")
		return
	}

	writeJSON(w, http.StatusOK, metrics)
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade failed", "error", err)
		return
	}

	s.wsManager.AddClient(conn)
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.SubmitJob(w, r)
		case http.MethodGet:
			s.ListJobs(w, r)
		case http.MethodDelete:
			s.RemoveJob(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs/status", s.GetJobStatus)
	mux.HandleFunc("/api/handlers", s.ListHandlers)
	mux.HandleFunc("/api/metrics", s.GetMetrics)
	mux.HandleFunc("/ws", s.HandleWebSocket)
}

func parseIntParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
