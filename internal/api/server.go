// Package api exposes the HTTP interface for the crawl service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harvestlab/qacrawl/internal/crawl"
	"github.com/harvestlab/qacrawl/internal/metrics"
	"github.com/harvestlab/qacrawl/internal/orchestrator"
	"github.com/harvestlab/qacrawl/internal/session"
)

// TaskRunner executes a task's stages. The dispatch controller satisfies it.
type TaskRunner interface {
	RunTask(ctx context.Context, taskID string) error
}

// PoolInspector reports credential pool health for the progress endpoint.
type PoolInspector interface {
	Stats() session.Stats
}

// CredentialImporter accepts operator-supplied credentials, the manual
// escape hatch when automated minting is down.
type CredentialImporter interface {
	Add(ctx context.Context, cred crawl.Credential)
}

// Server wires HTTP handlers to the orchestrator and runner.
type Server struct {
	router chi.Router
	orch   *orchestrator.Orchestrator
	runner TaskRunner
	pool   PoolInspector
	logger *zap.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	baseCtx context.Context
	wg      sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes. pool may be nil.
func NewServer(
	orch *orchestrator.Orchestrator,
	runner TaskRunner,
	pool PoolInspector,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:    orch,
		runner:  runner,
		pool:    pool,
		logger:  logger,
		running: make(map[string]context.CancelFunc),
		baseCtx: context.Background(),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/credentials", s.importCredential)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.submitTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Get("/progress", s.getProgress)
				r.Post("/resume", s.resumeTask)
				r.Post("/cancel", s.cancelTask)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown cancels in-flight task runs and waits for them to park their
// state. Call before closing stores.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.running {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var spec crawl.TaskSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	task, err := s.orch.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.launch(task.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  string(task.Status),
	})
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, err := s.orch.Resume(r.Context(), taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	s.launch(task.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"status":  string(task.Status),
	})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")

	s.mu.Lock()
	if cancel, ok := s.running[taskID]; ok {
		cancel()
	}
	s.mu.Unlock()

	task, err := s.orch.Cancel(r.Context(), taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"task_id": task.ID,
		"status":  string(task.Status),
	})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, _, err := s.orch.Progress(r.Context(), taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	task, prog, err := s.orch.Progress(r.Context(), taskID)
	if err != nil {
		writeTaskError(w, err)
		return
	}
	payload := map[string]any{
		"task_id":       task.ID,
		"status":        task.Status,
		"search_status": task.SearchStatus,
		"qa_status":     task.QAStatus,
		"progress":      prog,
	}
	if task.ErrorText != "" {
		payload["error"] = task.ErrorText
	}
	if s.pool != nil {
		payload["credential_pool"] = s.pool.Stats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) importCredential(w http.ResponseWriter, r *http.Request) {
	importer, ok := s.pool.(CredentialImporter)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "credential pool not configured")
		return
	}
	var req struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	importer.Add(r.Context(), crawl.Credential{Token: req.Token})
	s.logger.Info("credential imported")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "accepted",
		"pool":   s.pool.Stats(),
	})
}

// launch runs the task in the background. A task already running is left
// alone; the new request is a no-op.
func (s *Server) launch(taskID string) {
	if s.runner == nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.running[taskID]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.running[taskID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, taskID)
			s.mu.Unlock()
			cancel()
		}()
		if err := s.runner.RunTask(ctx, taskID); err != nil {
			s.logger.Warn("task run stopped", zap.String("task_id", taskID), zap.Error(err))
		}
	}()
}

func writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crawl.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, crawl.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)
		metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, elapsed)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", elapsed),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
