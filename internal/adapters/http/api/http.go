// Package api exposes the triage service over HTTP/JSON.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okian/mindtriage/internal/adapters/http/swagger"
	"github.com/okian/mindtriage/internal/adapters/repository"
	service "github.com/okian/mindtriage/internal/app"
	"github.com/okian/mindtriage/internal/domain/catalog"
	"github.com/okian/mindtriage/internal/domain/guardrail"
	"github.com/okian/mindtriage/internal/domain/model"
	"github.com/okian/mindtriage/pkg/logger"
	"github.com/okian/mindtriage/pkg/metrics"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to the service implementation.
type Dependencies interface {
	EntryDependencies
	QuestionDependencies
	UserDependencies
	HealthChecker
	StatsProvider
}

// Server wires HTTP routes for the business API.
type Server struct {
	deps Dependencies

	devMode      bool
	corsOrigins  []string
	maxBodyBytes int64
	timeout      time.Duration

	logger logger.Logger
}

// Option applies a configuration option to the Server.
type Option func(*Server)

// WithDevMode lets clients backdate entries and skip the rapid cooldown.
func WithDevMode(on bool) Option {
	return func(s *Server) { s.devMode = on }
}

// WithCORSOrigins sets the allowed CORS origins.
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) {
		if len(origins) > 0 {
			s.corsOrigins = origins
		}
	}
}

// WithMaxBodyBytes caps request bodies.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxBodyBytes = n
		}
	}
}

// WithRequestTimeout bounds handler execution.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithLogger sets the request logger.
func WithLogger(l logger.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer creates a new API server.
func NewServer(deps Dependencies, opts ...Option) *Server {
	s := &Server{
		deps:         deps,
		corsOrigins:  []string{"*"},
		maxBodyBytes: 1 << 20,
		timeout:      30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("http")
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler(ctx context.Context) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	r.Use(middleware.Timeout(s.timeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, &Error{Status: http.StatusNotFound, Code: CodeNotFound, Message: "no such route"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, &Error{Status: http.StatusMethodNotAllowed, Code: CodeMethodNotAllowed, Message: "method not allowed"})
	})

	health := NewHealthHandler(s.deps)
	stats := NewStatsHandler(s.deps)
	entries := NewEntriesHandler(s.deps, s.devMode, s.maxBodyBytes)
	questions := NewQuestionsHandler(s.deps)
	users := NewUsersHandler(s.deps)

	r.Get("/healthz", health.HandleHealth)
	r.Get("/stats", stats.HandleStats)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.GetRegistry(), promhttp.HandlerOpts{}))
	swagger.Register(ctx, r)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/questions/rapid", questions.HandleRapid)
		r.Get("/questions/daily", questions.HandleDaily)
		r.Post("/entries", entries.HandlePostEntry)
		r.Get("/safety/resources", handleSafetyResources)

		r.Route("/users/{userID}", func(r chi.Router) {
			r.Get("/entries", users.HandleEntries)
			r.Get("/baseline", users.HandleBaseline)
			r.Get("/crisis-events", users.HandleCrisisEvents)
		})
	})

	return r
}

// EntryDependencies submits entries and screens the ones the API refuses.
type EntryDependencies interface {
	Submit(ctx context.Context, sub service.Submission, ov service.Overrides) (service.Result, error)
	Screen(ctx context.Context, sub service.Submission, cause error) (service.Result, error)
}

// QuestionDependencies serves the question catalog.
type QuestionDependencies interface {
	RapidQuestions(ctx context.Context) ([]catalog.Question, error)
	DailyQuestions(ctx context.Context, userID string, date model.Date) ([]catalog.Question, error)
}

// UserDependencies reads a user's history.
type UserDependencies interface {
	Entries(ctx context.Context, userID string, f repository.Filter) ([]model.Record, error)
	Baseline(ctx context.Context, userID string) (model.BaselineState, error)
	CrisisEvents(ctx context.Context, userID string) ([]model.CrisisEvent, error)
}

type errorResponse struct {
	*Error
	Crisis          *model.CrisisEvent   `json:"crisis,omitempty"`
	SafetyResources []guardrail.Resource `json:"safety_resources,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, e *Error) {
	writeJSON(w, e.Status, errorResponse{Error: e})
}

// fail maps err, logs server-side failures and writes the response.
func fail(w http.ResponseWriter, r *http.Request, log logger.Logger, op string, err error) {
	apiErr := errorFor(err)
	if apiErr.Status >= http.StatusInternalServerError {
		log.Error(r.Context(), "request failed",
			logger.String("op", op),
			logger.String("request_id", middleware.GetReqID(r.Context())),
			logger.Error(err),
		)
	}
	writeError(w, apiErr)
}
