// Package server exposes the admin HTTP surface: health, Prometheus
// metrics, queue inspection and control, manual analysis triggering, the
// stuck-project reset, and the realtime WebSocket endpoint.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scanworks/prospector/bus"
	"github.com/scanworks/prospector/cache"
	"github.com/scanworks/prospector/limiter"
	"github.com/scanworks/prospector/queue"
	"github.com/scanworks/prospector/realtime"
	"github.com/scanworks/prospector/storage"
)

// Server is the admin HTTP server.
type Server struct {
	store     *storage.Store
	busClient *bus.Client
	cache     *cache.Cache
	queue     *queue.Queue
	executor  *limiter.Executor
	hub       *realtime.Hub
	logger    *slog.Logger

	http *http.Server
}

// New builds the server and its router.
func New(
	addr string,
	store *storage.Store,
	busClient *bus.Client,
	resultCache *cache.Cache,
	q *queue.Queue,
	executor *limiter.Executor,
	hub *realtime.Hub,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		store:     store,
		busClient: busClient,
		cache:     resultCache,
		queue:     q,
		executor:  executor,
		hub:       hub,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/ws", hub.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/queue", func(r chi.Router) {
			r.Get("/stats", s.handleQueueStats)
			r.Get("/jobs", s.handleQueueJobs)
			r.Get("/jobs/{jobID}", s.handleQueueJob)
			r.Delete("/jobs/{jobID}", s.handleQueueRemove)
			r.Post("/pause", s.handleQueuePause)
			r.Post("/resume", s.handleQueueResume)
			r.Post("/clear", s.handleQueueClear)
		})

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Get("/{projectID}", s.handleGetProject)
			r.Get("/{projectID}/analysis", s.handleLatestAnalysis)
			r.Post("/{projectID}/analyze", s.handleAnalyze)
			r.Get("/{projectID}/tags", s.handleProjectTags)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reset-stuck", s.handleResetStuck)
			r.Post("/cache/clear-expired", s.handleClearExpired)
		})
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start runs the listener until Shutdown.
func (s *Server) Start() error {
	s.logger.Info("Admin server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// writeJSON sends a JSON response body.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Response write failed", "error", err)
	}
}

// writeError sends a JSON error body.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// handleHealth reports per-dependency health. Any unhealthy dependency
// yields 503 so orchestrators restart or route around the process.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]bool{
		"database": s.store.Ping(ctx) == nil,
		"cache":    s.cache.Healthy(ctx),
		"bus":      s.busClient.Ready(),
	}

	healthy := true
	for _, ok := range checks {
		healthy = healthy && ok
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, map[string]any{
		"healthy": healthy,
		"checks":  checks,
		"time":    time.Now().UTC(),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"queue":   s.queue.Counts(),
		"paused":  s.queue.Paused(),
		"limiter": s.executor.Stats(),
		"cache":   s.cache.Stats(),
		"outbox":  s.busClient.OutboxLen(),
		"clients": s.hub.ClientCount(),
	})
}

func (s *Server) handleQueueJobs(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	s.writeJSON(w, http.StatusOK, s.queue.List(state))
}

func (s *Server) handleQueueJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(chi.URLParam(r, "jobID"))
	if errors.Is(err, queue.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleQueueRemove deletes a job. A plain delete on an active job is a
// conflict; ?force=true moves it to failed first and then removes it.
func (s *Server) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	force := r.URL.Query().Get("force") == "true"

	var err error
	if force {
		err = s.queue.ForceDelete(jobID)
	} else {
		err = s.queue.Remove(jobID)
	}

	switch {
	case errors.Is(err, queue.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrActive):
		s.writeError(w, http.StatusConflict, "job is active; use force=true")
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	default:
		s.writeJSON(w, http.StatusOK, map[string]string{"removed": jobID})
	}
}

func (s *Server) handleQueuePause(w http.ResponseWriter, r *http.Request) {
	s.queue.Pause()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleQueueResume(w http.ResponseWriter, r *http.Request) {
	s.queue.Resume()
	s.writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": s.queue.Clear()})
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.store.ListActiveProjects(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, projects)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	p, err := s.store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	a, err := s.store.LatestAnalysis(r.Context(), chi.URLParam(r, "projectID"))
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "no analysis yet")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, a)
}

// analyzeRequest is the body of POST /api/projects/{id}/analyze.
type analyzeRequest struct {
	Priority     string `json:"priority"`
	ForceRefresh bool   `json:"forceRefresh"`
}

// handleAnalyze enqueues an analysis job for a known project and flips
// its status to QUEUED.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")

	p, err := s.store.GetProject(r.Context(), projectID)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "project not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var req analyzeRequest
	if r.Body != nil {
		// An empty body means default priority, no refresh.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Priority == "" {
		req.Priority = "normal"
	}

	job, err := s.queue.Enqueue(queue.Payload{
		ProjectID:    p.ID,
		ProjectPath:  p.Path,
		ProjectName:  p.Name,
		Priority:     req.Priority,
		ForceRefresh: req.ForceRefresh,
	})
	if err != nil {
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	if err := s.store.SetProjectStatus(r.Context(), p.ID, storage.StatusQueued); err != nil {
		s.logger.Warn("Could not mark project queued", "project_id", p.ID, "error", err)
	}

	s.writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleProjectTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.store.ProjectTags(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, tags)
}

// handleResetStuck forces ANALYZING projects back to DISCOVERED and
// clears their queue entries.
func (s *Server) handleResetStuck(w http.ResponseWriter, r *http.Request) {
	ids, err := s.store.ResetStuck(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	cleared := 0
	for _, id := range ids {
		cleared += s.queue.RemoveByProject(id)
	}

	s.logger.Info("Stuck projects reset", "projects", len(ids), "jobs_cleared", cleared)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"projects":    ids,
		"jobsCleared": cleared,
	})
}

func (s *Server) handleClearExpired(w http.ResponseWriter, r *http.Request) {
	cleared, err := s.cache.ClearExpired(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"cleared": cleared})
}
