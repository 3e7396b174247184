// Package api exposes workflow control over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/zen-systems/autoos/pkg/ledger"
	"github.com/zen-systems/autoos/pkg/orchestrator"
	"github.com/zen-systems/autoos/pkg/schema"
	"github.com/zen-systems/autoos/pkg/tool"
	"github.com/zen-systems/autoos/pkg/workflow"
)

const maxBodyBytes = 1 << 20

// Server serves the workflow API. Workflows submitted over HTTP run in the
// background on the server's base context.
type Server struct {
	orch     *orchestrator.Orchestrator
	ledger   ledger.Ledger
	metrics  http.Handler
	logger   zerolog.Logger
	base     context.Context
	defaults func(*schema.Workflow)
	origins  []string
	tools    *tool.Policy
	wg       sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLedger enables GET /workflows/{id}/events.
func WithLedger(l ledger.Ledger) Option {
	return func(s *Server) { s.ledger = l }
}

// WithMetricsHandler mounts h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithBaseContext sets the context background runs derive from.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.base = ctx }
}

// WithWorkflowDefaults applies fn to every submitted workflow before it is
// registered.
func WithWorkflowDefaults(fn func(*schema.Workflow)) Option {
	return func(s *Server) { s.defaults = fn }
}

// WithCORS allows browser clients from origins.
func WithCORS(origins []string) Option {
	return func(s *Server) { s.origins = append([]string(nil), origins...) }
}

// WithToolPolicy admits submitted workflows whose step tools pass p. Without
// it every workflow carrying a tool is refused.
func WithToolPolicy(p *tool.Policy) Option {
	return func(s *Server) { s.tools = p }
}

// New creates a server over orch.
func New(orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{orch: orch, logger: zerolog.Nop(), base: context.Background()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.logger))
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/workflows", func(r chi.Router) {
		r.Get("/", s.listWorkflows)
		r.Post("/", s.submitWorkflow)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getWorkflow)
			r.Get("/events", s.workflowEvents)
			r.Post("/pause", s.pauseWorkflow)
			r.Post("/resume", s.resumeWorkflow)
			r.Post("/cancel", s.cancelWorkflow)
		})
	})
	return r
}

// Wait blocks until every background run has returned.
func (s *Server) Wait() {
	s.wg.Wait()
}

// WorkflowSummary is one entry of GET /workflows.
type WorkflowSummary struct {
	ID        string               `json:"id"`
	Name      string               `json:"name"`
	State     schema.WorkflowState `json:"state"`
	Cost      float64              `json:"cost"`
	Steps     int                  `json:"steps"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.orch.List(r.Context())
	if err != nil {
		respondFromError(w, err)
		return
	}
	out := make([]WorkflowSummary, 0, len(snaps))
	for _, snap := range snaps {
		wf := snap.Workflow
		out = append(out, WorkflowSummary{
			ID: wf.ID, Name: wf.Name, State: wf.State, Cost: wf.Cost,
			Steps: len(wf.Steps), CreatedAt: wf.CreatedAt, UpdatedAt: wf.UpdatedAt,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// submitWorkflow accepts a YAML or JSON workflow definition.
func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	wf, err := workflow.Parse(body)
	if err != nil {
		respondFromError(w, err)
		return
	}
	if input := r.URL.Query().Get("input"); input != "" {
		wf.Input = input
	}
	if s.defaults != nil {
		s.defaults(wf)
	}
	for _, step := range wf.Steps {
		if step.Tool == nil {
			continue
		}
		if err := s.tools.Check(step.Tool.Command, step.Tool.Workdir); err != nil {
			respondError(w, http.StatusForbidden, fmt.Sprintf("step %s: %v", step.ID, err))
			return
		}
	}

	id, err := s.orch.Submit(r.Context(), wf)
	if err != nil {
		respondFromError(w, err)
		return
	}
	s.background(id, "run", func(ctx context.Context) error {
		_, err := s.orch.Run(ctx, id)
		return err
	})
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "state": string(schema.WorkflowRunning)})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.Inspect(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func (s *Server) workflowEvents(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		respondError(w, http.StatusNotFound, "ledger not available")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.orch.Inspect(r.Context(), id); err != nil {
		respondFromError(w, err)
		return
	}
	events, err := s.ledger.Read(r.Context(), id)
	if err != nil {
		respondFromError(w, err)
		return
	}
	if events == nil {
		events = []ledger.Event{}
	}
	respondJSON(w, http.StatusOK, events)
}

func (s *Server) pauseWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Pause(r.Context(), id); err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "requested": "pause"})
}

// resumeWorkflow checks the state up front so an invalid resume is reported
// synchronously; the resumed run itself continues in the background.
func (s *Server) resumeWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snap, err := s.orch.Inspect(r.Context(), id)
	if err != nil {
		respondFromError(w, err)
		return
	}
	if st := snap.Workflow.State; st != schema.WorkflowPaused {
		respondError(w, http.StatusConflict, "workflow is "+string(st)+", not PAUSED")
		return
	}
	s.background(id, "resume", func(ctx context.Context) error {
		_, err := s.orch.Resume(ctx, id)
		return err
	})
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "requested": "resume"})
}

func (s *Server) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		respondFromError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "requested": "cancel"})
}

func (s *Server) background(id, op string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := fn(s.base); err != nil {
			s.logger.Error().Err(err).Str("workflow_id", id).Str("op", op).Msg("background run failed")
		}
	}()
}

func respondFromError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrWorkflowNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, workflow.ErrMalformedWorkflow):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
