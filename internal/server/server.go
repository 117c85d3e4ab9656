// Package server implements the HTTP API for task submission, status
// inspection, cancellation and ledger browsing.
//
// Every handler returns before the work it triggers completes: tasks are
// accepted with 202 and executed by the runner's worker pool, so no
// client connection is ever held open for the duration of a task.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/cloud-shuttle/webherd/internal/events"
	"github.com/cloud-shuttle/webherd/internal/ledger"
	"github.com/cloud-shuttle/webherd/internal/registry"
	"github.com/cloud-shuttle/webherd/internal/runner"
	"github.com/cloud-shuttle/webherd/internal/workflows"
	"github.com/cloud-shuttle/webherd/pkg/types"
)

// capsuleTitleLimit caps the auto-derived capsule title length
const capsuleTitleLimit = 50

// Server is the webherd HTTP server
type Server struct {
	listenAddr string
	registry   *registry.Registry
	runner     *runner.Runner
	store      *ledger.Store
	workflows  *workflows.Registry
	bus        *events.Bus
	server     *http.Server
	logger     *log.Logger
	startTime  time.Time
}

// New creates a new server. The ledger store and the event bus are
// optional; endpoints depending on them degrade per handler.
func New(listenAddr string, reg *registry.Registry, run *runner.Runner, store *ledger.Store, wf *workflows.Registry, bus *events.Bus) *Server {
	return &Server{
		listenAddr: listenAddr,
		registry:   reg,
		runner:     run,
		store:      store,
		workflows:  wf,
		bus:        bus,
		logger:     log.New(os.Stdout, "[server] ", log.LstdFlags),
		startTime:  time.Now(),
	}
}

// SetLogger sets the logger for the server
func (s *Server) SetLogger(logger *log.Logger) {
	s.logger = logger
}

// Handler builds the routing table with middleware applied
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	// Agent control routes
	router.HandleFunc("/start", s.handleStart).Methods("POST")
	router.HandleFunc("/status/{task_id}", s.handleStatus).Methods("GET")
	router.HandleFunc("/tasks", s.handleListTasks).Methods("GET")
	router.HandleFunc("/tasks/{task_id}", s.handleCancelTask).Methods("DELETE")

	// Workflow routes
	router.HandleFunc("/workflows", s.handleCreateWorkflow).Methods("POST")

	// Ledger browsing routes
	router.HandleFunc("/api/capsules", s.handleListCapsules).Methods("GET")
	router.HandleFunc("/api/capsules/{capsule_id}", s.handleGetCapsule).Methods("GET")
	router.HandleFunc("/api/capsules/{capsule_id}/runs", s.handleGetCapsuleRuns).Methods("GET")
	router.HandleFunc("/api/runs/{run_id}", s.handleGetRun).Methods("GET")
	router.HandleFunc("/api/runs/{run_id}/resolve", s.handleResolve).Methods("POST")

	// Live status stream
	router.HandleFunc("/ws/tasks/{task_id}", s.handleTaskStream).Methods("GET")

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/api/health", s.handleHealth).Methods("GET")

	var handler http.Handler = router
	handler = s.loggingMiddleware(handler)
	handler = s.corsMiddleware(handler)
	return handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  1 * time.Minute,
		WriteTimeout: 1 * time.Minute,
		IdleTimeout:  1 * time.Minute,
	}

	s.logger.Printf("webherd server starting on %s", s.listenAddr)
	s.logger.Printf("ledger enabled: %v", s.store != nil)

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// StartTaskRequest is the submission body for a new agent task
type StartTaskRequest struct {
	StartURL     string   `json:"start_url"`
	GoalText     string   `json:"goal_text"`
	GoalImages   []string `json:"goal_images,omitempty"`
	CallbackURL  string   `json:"callback_url,omitempty"`
	CapsuleID    string   `json:"capsule_id,omitempty"`
	CapsuleTitle string   `json:"capsule_title,omitempty"`
	Headless     *bool    `json:"headless,omitempty"`
	MaxSteps     int      `json:"max_steps,omitempty"`
}

// StartTaskResponse acknowledges an accepted task
type StartTaskResponse struct {
	TaskID    string `json:"task_id"`
	CapsuleID string `json:"capsule_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}

// handleStart accepts a task and returns before it runs
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req StartTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.StartURL == "" {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("start_url is required"))
		return
	}
	if req.GoalText == "" {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("goal_text is required"))
		return
	}

	capsuleID, err := s.resolveCapsule(&req)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}

	headless := true
	if req.Headless != nil {
		headless = *req.Headless
	}

	taskID, err := s.runner.Submit(types.TaskConfig{
		CapsuleID:   capsuleID,
		StartURL:    req.StartURL,
		GoalText:    req.GoalText,
		GoalImages:  req.GoalImages,
		CallbackURL: req.CallbackURL,
		Headless:    headless,
		MaxSteps:    req.MaxSteps,
	})
	if err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	s.respondJSON(w, http.StatusAccepted, StartTaskResponse{
		TaskID:    taskID,
		CapsuleID: capsuleID,
		Status:    "accepted",
		Message:   "Task started. Monitor progress via /api/runs/{run_id} or callback URL.",
	})
}

// resolveCapsule verifies a supplied capsule or creates a fresh one.
// Capsule creation is best-effort when no ledger is configured.
func (s *Server) resolveCapsule(req *StartTaskRequest) (string, error) {
	if req.CapsuleID != "" {
		if s.store != nil {
			capsule, err := s.store.GetCapsule(req.CapsuleID)
			if err != nil {
				s.logger.Printf("capsule lookup failed for %s: %v", req.CapsuleID, err)
			} else if capsule == nil {
				return "", fmt.Errorf("capsule %s not found", req.CapsuleID)
			}
		}
		return req.CapsuleID, nil
	}

	capsuleID := runner.NewCapsuleID()
	if s.store != nil {
		title := req.CapsuleTitle
		if title == "" {
			title = truncateTitle(req.GoalText)
		}
		if _, err := s.store.CreateCapsule(capsuleID, title, req.GoalText); err != nil {
			s.logger.Printf("capsule creation failed for %s: %v", capsuleID, err)
		}
	}
	return capsuleID, nil
}

// TaskStatusResponse is the registry snapshot exposed over HTTP
type TaskStatusResponse struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Step       int    `json:"step"`
	TotalSteps int    `json:"total_steps"`
	StartedAt  string `json:"started_at,omitempty"`
	CapsuleID  string `json:"capsule_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

func taskStatusResponse(rec types.TaskRecord) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:     rec.ID,
		Status:     string(rec.Status),
		Step:       rec.Step,
		TotalSteps: rec.TotalSteps,
		StartedAt:  rec.StartedAt,
		CapsuleID:  rec.CapsuleID,
		Error:      rec.Error,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]

	rec, err := s.registry.Get(taskID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("task not found"))
		return
	}
	s.respondJSON(w, http.StatusOK, taskStatusResponse(rec))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	records := s.registry.List()
	out := make([]TaskStatusResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, taskStatusResponse(rec))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

// handleCancelTask marks a task for cancellation. The worker observes the
// request at its next step boundary; this handler never waits for it.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["task_id"]

	if _, err := s.registry.RequestCancel(taskID); err != nil {
		var notFound *registry.ErrNotFound
		if errors.As(err, &notFound) {
			s.respondError(w, http.StatusNotFound, fmt.Errorf("task not found"))
			return
		}
		s.respondError(w, http.StatusConflict, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Task %s marked for cancellation", taskID),
	})
}

// handleCreateWorkflow validates and stores a workflow document. Replays
// carrying a previously seen Idempotency-Key return the original response.
func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflows.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	resp := s.workflows.Create(r.Header.Get("Idempotency-Key"), &req)
	s.respondJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("ledger not available"))
		return
	}

	page := queryInt(r, "page", 1)
	pageSize := queryInt(r, "pageSize", 20)

	result, err := s.store.ListCapsules(page, pageSize)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Errorf("listing capsules: %w", err))
		return
	}
	s.respondJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("ledger not available"))
		return
	}

	capsule, err := s.store.GetCapsule(mux.Vars(r)["capsule_id"])
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Errorf("loading capsule: %w", err))
		return
	}
	if capsule == nil {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("capsule not found"))
		return
	}
	s.respondJSON(w, http.StatusOK, capsule)
}

func (s *Server) handleGetCapsuleRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("ledger not available"))
		return
	}

	runs, err := s.store.GetRunsForCapsule(mux.Vars(r)["capsule_id"])
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Errorf("loading runs: %w", err))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("ledger not available"))
		return
	}

	run, err := s.store.GetRun(mux.Vars(r)["run_id"])
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Errorf("loading run: %w", err))
		return
	}
	if run == nil {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("run not found"))
		return
	}
	s.respondJSON(w, http.StatusOK, run)
}

// ResolveRequest submits a human decision against a paused step
type ResolveRequest struct {
	StepID  string         `json:"step_id"`
	Action  string         `json:"action"`
	Payload map[string]any `json:"payload,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.respondError(w, http.StatusServiceUnavailable, fmt.Errorf("ledger not available"))
		return
	}

	runID := mux.Vars(r)["run_id"]

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	run, err := s.store.GetRun(runID)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Errorf("loading run: %w", err))
		return
	}
	if run == nil {
		s.respondError(w, http.StatusNotFound, fmt.Errorf("run not found"))
		return
	}

	payload := ""
	if req.Payload != nil {
		raw, err := json.Marshal(req.Payload)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, fmt.Errorf("invalid payload: %w", err))
			return
		}
		payload = string(raw)
	}

	if err := s.store.ResolveHumanAction(runID, req.StepID, req.Action, payload); err != nil {
		s.respondError(w, http.StatusInternalServerError, fmt.Errorf("recording resolution: %w", err))
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status":  "resolved",
		"run_id":  runID,
		"step_id": req.StepID,
	})
}

// handleHealth returns the server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ledgerStatus := "disabled"
	if s.store != nil {
		ledgerStatus = "connected"
		if err := s.store.DB.Ping(); err != nil {
			ledgerStatus = "error"
		}
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"ledger":    ledgerStatus,
		"uptime":    time.Since(s.startTime).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Printf("error encoding response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	type ErrorResponse struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	resp := ErrorResponse{}
	resp.Error.Message = err.Error()
	resp.Error.Code = fmt.Sprintf("%d", status)

	json.NewEncoder(w).Encode(resp)
}

// Middleware

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		next.ServeHTTP(w, r)

		s.logger.Printf("[%s] %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Idempotency-Key")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}

func truncateTitle(title string) string {
	if len(title) <= capsuleTitleLimit {
		return title
	}
	return title[:capsuleTitleLimit]
}
