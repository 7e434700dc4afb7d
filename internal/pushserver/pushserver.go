// Package pushserver is the localhost-only HTTP/WebSocket/SSE surface
// (§4.8): plan-centric REST endpoints plus two live-update transports
// carrying identical event payloads.
package pushserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/taskforge/orchestrator/internal/applog"
	"github.com/taskforge/orchestrator/internal/eventbus"
	"github.com/taskforge/orchestrator/internal/statemodel"
)

const (
	wsHeartbeatInterval = 30 * time.Second
	wsSendBuffer        = 32
	// wsWriteTimeout bounds every individual WebSocket write; a peer that
	// stops reading fails the deadline instead of wedging the writer
	// goroutine indefinitely.
	wsWriteTimeout = 10 * time.Second
	// wsCloseOverflow is the close status used when a connection's send
	// buffer overflows (RFC 6455 §7.4.1's "policy violation" code, used here
	// per spec.md §4.8 for backlog overflow).
	wsCloseOverflow = 1008
)

// ErrorCode is one of the stable machine-readable codes in the error
// envelope.
type ErrorCode string

const (
	CodePlanNotFound          ErrorCode = "PLAN_NOT_FOUND"
	CodeAlreadyRunning        ErrorCode = "ORCHESTRATOR_ALREADY_RUNNING"
	CodeNotRunning            ErrorCode = "ORCHESTRATOR_NOT_RUNNING"
	CodeStartFailed           ErrorCode = "START_FAILED"
	CodeStopFailed            ErrorCode = "STOP_FAILED"
	CodeInvalidArgument       ErrorCode = "INVALID_ARGUMENT"
	CodeInternalError         ErrorCode = "INTERNAL_ERROR"
	CodeIPCTimeout            ErrorCode = "IPC_TIMEOUT"
)

// APIError carries a code alongside the usual error text, so handlers can
// map it straight onto the response envelope.
type APIError struct {
	Code    ErrorCode
	Message string
}

func (e *APIError) Error() string { return e.Message }

func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// PlanSummary is the list-view shape for GET /api/plans.
type PlanSummary struct {
	PlanID  string            `json:"plan_id"`
	Summary statemodel.Summary `json:"summary"`
}

// PlanDetail is the GET /api/plans/{id} shape: structural plan data plus
// current status summary.
type PlanDetail struct {
	PlanID       string             `json:"plan_id"`
	PlanPath     string             `json:"plan_path"`
	CurrentPhase *string            `json:"current_phase"`
	Phases       []PhaseDetail      `json:"phases"`
	Summary      statemodel.Summary `json:"summary"`
}

// PhaseDetail describes one phase for the plan-detail endpoint.
type PhaseDetail struct {
	Number  int      `json:"number"`
	Title   string   `json:"title"`
	TaskIDs []string `json:"task_ids"`
}

// StartOptions is the POST .../start request body.
type StartOptions struct {
	Mode        string   `json:"mode"`
	Tasks       []string `json:"tasks,omitempty"`
	MaxParallel int      `json:"max_parallel,omitempty"`
}

// Backend is everything the push server needs from the orchestrator core.
// internal/orchestrator implements this by delegating to statemodel,
// supervisor, registry, and gitadapter.
type Backend interface {
	ListPlans(ctx context.Context) ([]PlanSummary, error)
	GetPlan(ctx context.Context, planID string) (*PlanDetail, error)
	GetStatus(ctx context.Context, planID string) (*statemodel.Status, error)
	GetTasks(ctx context.Context, planID string) ([]*statemodel.TaskState, error)
	GetFinding(ctx context.Context, planID, taskID string) ([]byte, error)
	GetLogs(ctx context.Context, planID string, lines int) ([]string, error)
	StartPlan(ctx context.Context, planID string, opts StartOptions) error
	StopPlan(ctx context.Context, planID string, force bool) error
	PausePlan(ctx context.Context, planID string) error
	ResumePlan(ctx context.Context, planID string) error
	SkipTask(ctx context.Context, planID, taskID, reason string) error
	RetryTask(ctx context.Context, planID, taskID string) error
	Resources(ctx context.Context) (interface{}, error)
	Worktrees(ctx context.Context) (interface{}, error)
}

// Server is the push server: a chi router over a Backend and an event bus.
type Server struct {
	backend  Backend
	bus      *eventbus.Bus
	log      applog.Logger
	upgrader websocket.Upgrader
	router   chi.Router
}

// New builds a Server with routes mounted; callers pass it to http.Serve or
// use Handler() directly in tests.
func New(backend Backend, bus *eventbus.Bus) *Server {
	s := &Server{
		backend: backend,
		bus:     bus,
		log:     applog.For("pushserver"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The contract binds to localhost only; there is no cross-origin
			// browser client, so any Origin is accepted here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.router = s.routes()
	return s
}

// Handler returns the http.Handler to serve.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/api/plans", s.handleListPlans)
	r.Get("/api/resources", s.handleResources)
	r.Get("/api/worktrees", s.handleWorktrees)

	r.Route("/api/plans/{planID}", func(r chi.Router) {
		r.Get("/", s.handleGetPlan)
		r.Get("/status", s.handleGetStatus)
		r.Get("/tasks", s.handleGetTasks)
		r.Get("/findings/{taskID}", s.handleGetFinding)
		r.Get("/logs", s.handleGetLogs)
		r.Get("/logs-sse", s.handleLogsSSE)
		r.Get("/events-sse", s.handleEventsSSE)
		r.Post("/start", s.handleStart)
		r.Post("/stop", s.handleStop)
		r.Post("/pause", s.handlePause)
		r.Post("/resume", s.handleResume)
		r.Post("/tasks/{taskID}/skip", s.handleSkipTask)
		r.Post("/tasks/{taskID}/retry", s.handleRetryTask)
	})

	r.Get("/ws/plans/{planID}", s.handleWSPlan)
	r.Get("/ws/all", s.handleWSAll)

	return r
}

// --- response helpers ---

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorEnvelope struct {
	Success bool        `json:"success"`
	Error   string      `json:"error"`
	Code    ErrorCode   `json:"code"`
	Details interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		writeJSON(w, httpStatusFor(apiErr.Code), errorEnvelope{Success: false, Error: apiErr.Message, Code: apiErr.Code})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorEnvelope{Success: false, Error: err.Error(), Code: CodeInternalError})
}

func httpStatusFor(code ErrorCode) int {
	switch code {
	case CodePlanNotFound, CodeNotRunning:
		return http.StatusNotFound
	case CodeAlreadyRunning:
		return http.StatusConflict
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeIPCTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.backend.ListPlans(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"plans": plans})
}

func (s *Server) handleResources(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.Resources(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWorktrees(w http.ResponseWriter, r *http.Request) {
	res, err := s.backend.Worktrees(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	plan, err := s.backend.GetPlan(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	status, err := s.backend.GetStatus(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"summary":       status.Summary,
		"current_phase": status.CurrentPhase,
	})
}

func (s *Server) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	tasks, err := s.backend.GetTasks(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

func (s *Server) handleGetFinding(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	taskID := chi.URLParam(r, "taskID")
	content, err := s.backend.GetFinding(r.Context(), planID, taskID)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	lines := 100
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			lines = n
		}
	}
	logs, err := s.backend.GetLogs(r.Context(), planID, lines)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": logs})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	var opts StartOptions
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&opts)
	}
	if err := s.backend.StartPlan(r.Context(), planID, opts); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]bool{"success": true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	var body struct {
		Force bool `json:"force"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := s.backend.StopPlan(r.Context(), planID, body.Force); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	if err := s.backend.PausePlan(r.Context(), planID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	if err := s.backend.ResumePlan(r.Context(), planID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSkipTask(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	taskID := chi.URLParam(r, "taskID")
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if err := s.backend.SkipTask(r.Context(), planID, taskID, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planID")
	taskID := chi.URLParam(r, "taskID")
	if err := s.backend.RetryTask(r.Context(), planID, taskID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
