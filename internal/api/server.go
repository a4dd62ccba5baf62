package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"todo-realtime/internal/config"
	"todo-realtime/internal/hub"
	"todo-realtime/internal/logging"
	"todo-realtime/internal/models"
	"todo-realtime/internal/retry"
	"todo-realtime/internal/telemetry"
)

// RunLister reads the job log.
type RunLister interface {
	ListRecentJobRuns(ctx context.Context, limit int) ([]models.JobRun, error)
}

// Retrier re-executes a logged run.
type Retrier interface {
	Retry(ctx context.Context, runID string) (retry.Result, error)
}

// JobRunner runs a job by name on demand.
type JobRunner interface {
	RunJobByName(ctx context.Context, name string) (models.JobRun, error)
}

// ChatService handles inbound chat events.
type ChatService interface {
	Join(ctx context.Context, connID, userID string)
	History(ctx context.Context, connID string) error
	Send(ctx context.Context, userID, text string) (*models.ChatMessage, error)
}

// Server wires HTTP handlers and the WebSocket endpoint.
type Server struct {
	cfg      config.Config
	runs     RunLister
	retries  Retrier
	jobs     JobRunner
	registry *hub.Registry
	chat     ChatService
	upgrader websocket.Upgrader
}

// New constructs the server.
func New(cfg config.Config, runs RunLister, retries Retrier, jobs JobRunner, registry *hub.Registry, chat ChatService) *Server {
	if cfg.WSPongWait <= 0 {
		cfg.WSPongWait = 60 * time.Second
	}
	if cfg.WSPingInterval <= 0 || cfg.WSPingInterval >= cfg.WSPongWait {
		cfg.WSPingInterval = cfg.WSPongWait * 9 / 10
	}
	if cfg.WSWriteWait <= 0 {
		cfg.WSWriteWait = 10 * time.Second
	}
	return &Server{
		cfg:      cfg,
		runs:     runs,
		retries:  retries,
		jobs:     jobs,
		registry: registry,
		chat:     chat,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Origin policy is enforced by the perimeter.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	health := func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "OK"})
	}
	r.Get("/healthz", health)
	r.Get("/health", health)

	r.Mount("/metrics", telemetry.Handler())

	r.Get("/ws", s.handleWS)

	r.Get("/jobs", s.handleListRuns)
	r.Get("/tasks", s.handleListRuns)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/jobs/run/{name}", s.handleRunJob)
	return r
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := s.cfg.JobRunListLimit
	if limit <= 0 {
		limit = 50
	}
	runs, err := s.runs.ListRecentJobRuns(r.Context(), limit)
	if err != nil {
		l := logging.Ctx(r.Context())
		l.Error().Err(err).Msg("list job runs failed")
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "failed to list job runs", Detail: err.Error()})
		return
	}
	if runs == nil {
		runs = []models.JobRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	res, err := s.retries.Retry(r.Context(), id)
	if err != nil {
		writeJobError(w, r, err, "retry failed")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	run, err := s.jobs.RunJobByName(r.Context(), name)
	if err != nil {
		writeJobError(w, r, err, "run failed")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJobError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "job run not found", Detail: err.Error()})
	case errors.Is(err, models.ErrUnknownJob):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "unknown job", Detail: err.Error()})
	case errors.Is(err, models.ErrJobBusy):
		writeJSON(w, http.StatusConflict, errorBody{Error: "job is already running", Detail: err.Error()})
	default:
		l := logging.Ctx(r.Context())
		l.Error().Err(err).Msg(msg)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: msg, Detail: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
