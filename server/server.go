// Package server exposes vigil over HTTP: the guardrail check used by
// self-throttling executors, executor report intake, job and rule
// inspection, and a websocket stream of job transitions.
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/teranos/vigil/errors"
	"github.com/teranos/vigil/logger"
	"github.com/teranos/vigil/pulse/async"
	"github.com/teranos/vigil/pulse/guardrail"
	"github.com/teranos/vigil/rules"
)

// ShutdownTimeout bounds how long Serve waits for in-flight requests.
const ShutdownTimeout = 10 * time.Second

// Guard answers the executor-facing "may I run now?" query.
type Guard interface {
	Check(ctx context.Context, o *guardrail.Override) guardrail.CheckResult
}

// Admitter submits externally created jobs through the admission gates.
type Admitter interface {
	Admit(ctx context.Context, job *async.Job) error
}

// Evaluator runs rules against an event.
type Evaluator interface {
	EvaluateEvent(ctx context.Context, eventType string, data map[string]interface{}) ([]*rules.Execution, error)
}

// Deps are the collaborators the handlers call into.
type Deps struct {
	Queue    *async.Queue
	Admitter Admitter
	Guard    Guard
	Engine   Evaluator
	Rules    *rules.Store
	Audit    *rules.AuditStore
}

// Server is the vigil HTTP surface.
type Server struct {
	deps   Deps
	router *chi.Mux
	log    *zap.SugaredLogger

	mu      sync.Mutex
	clients int
}

// New builds the router. Handlers for nil collaborators answer 503.
func New(deps Deps, log *zap.SugaredLogger) *Server {
	s := &Server{
		deps:   deps,
		router: chi.NewRouter(),
		log:    logger.AddComponent(log, "server"),
	}
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLog)
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Get("/health", s.handleHealth)
	r.Get("/ws/jobs", s.handleJobStream)

	r.Route("/api", func(r chi.Router) {
		r.Get("/guardrails/check", s.handleGuardrailCheck)
		r.Post("/guardrails/check", s.handleGuardrailCheck)
		r.Post("/events", s.handleEvent)
		r.Get("/executions", s.handleRecentExecutions)

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", s.handleListJobs)
			r.Post("/", s.handleSubmitJob)
			r.Get("/counts", s.handleJobCounts)
			r.Route("/{jobID}", func(r chi.Router) {
				r.Get("/", s.handleGetJob)
				r.Post("/cancel", s.handleCancelJob)
				r.Post("/report", s.handleReport)
			})
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Route("/{ruleID}", func(r chi.Router) {
				r.Get("/", s.handleGetRule)
				r.Put("/", s.handleUpdateRule)
				r.Delete("/", s.handleDeleteRule)
				r.Get("/history", s.handleRuleHistory)
			})
		})
	})
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logger.PulseOpenInfow(s.log, "HTTP server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http server shutdown")
	}
	logger.PulseCloseInfow(s.log, "HTTP server stopped")
	return nil
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debugw("HTTP request",
			"method", r.Method,
			logger.FieldPath, r.URL.Path,
			"status", ww.Status(),
			logger.FieldRequestID, middleware.GetReqID(r.Context()),
			logger.FieldDurationMS, time.Since(start).Milliseconds())
	})
}

// fail writes err with its mapped status, logging anything that is not the caller's fault.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error, what string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Errorw(what,
			logger.FieldPath, r.URL.Path,
			logger.FieldRequestID, middleware.GetReqID(r.Context()),
			logger.FieldError, err)
		writeError(w, status, what)
		return
	}
	writeError(w, status, err.Error())
}

func (s *Server) unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" is not configured")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	clients := s.clients
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "stream_clients": clients})
}
