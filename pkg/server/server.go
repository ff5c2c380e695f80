// Package server exposes the platform's JSON API for the operator
// dashboard: template listing and expansion, skill creation,
// installation lifecycle, action execution, and the execution log.
// Operator identity arrives in the X-Operator-ID header, set by the
// auth layer in front of this service.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/orbitdesk/skillhub/pkg/engine"
	"github.com/orbitdesk/skillhub/pkg/installations"
	"github.com/orbitdesk/skillhub/pkg/logger"
	"github.com/orbitdesk/skillhub/pkg/presenter"
	"github.com/orbitdesk/skillhub/pkg/registry"
	"github.com/orbitdesk/skillhub/pkg/telemetry"
)

// Config holds the listening address.
type Config struct {
	Host string
	Port int
}

// Validate checks the server configuration.
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// Services bundles the domain services the API fronts.
type Services struct {
	Registry      *registry.Registry
	Installations *installations.Manager
	Engine        *engine.Engine
	// Closer releases the shared storage; may be nil in tests.
	Closer interface{ Close() error }
}

// Server is the HTTP API server.
type Server struct {
	router   *mux.Router
	services Services
	config   *Config
	server   *http.Server
	started  time.Time
}

// NewServer creates the API server and wires its routes.
func NewServer(config *Config, services Services) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid server configuration")
	}

	s := &Server{
		router:   mux.NewRouter(),
		services: services,
		config:   config,
		started:  time.Now(),
	}
	s.setupRoutes()
	return s, nil
}

// Handler returns the root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.Use(s.operatorMiddleware)

	api.HandleFunc("/templates", s.handleListTemplates).Methods("GET")
	api.HandleFunc("/templates/{id}/schema", s.handleTemplateSchema).Methods("GET")
	api.HandleFunc("/skills/create", s.handleCreateSkill).Methods("POST")
	api.HandleFunc("/skills/installed", s.handleListInstalled).Methods("GET")
	api.HandleFunc("/skills/marketplace", s.handleListMarketplace).Methods("GET")
	api.HandleFunc("/installations/{id}/onboarding", s.handleOnboarding).Methods("POST")
	api.HandleFunc("/installations/{id}/onboarding/schema", s.handleOnboardingSchema).Methods("GET")
	api.HandleFunc("/installations/{id}", s.handleUpdateConfig).Methods("PUT")
	api.HandleFunc("/installations/{id}/execute", s.handleExecute).Methods("POST")
	api.HandleFunc("/installations/{id}", s.handleUninstall).Methods("DELETE")
	api.HandleFunc("/installations/{id}/logs", s.handleLogs).Methods("GET")
	api.HandleFunc("/installations/{id}/rollback/{logId}", s.handleRollback).Methods("POST")

	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.tracingMiddleware)
	s.router.Use(s.corsMiddleware)
}

type operatorKey struct{}

// operatorMiddleware pulls the operator identity from X-Operator-ID.
// Requests without an identity never reach a handler.
func (s *Server) operatorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operatorID := r.Header.Get("X-Operator-ID")
		if operatorID == "" {
			writeError(w, r, http.StatusUnauthorized, errors.New("missing X-Operator-ID header"))
			return
		}

		ctx := context.WithValue(r.Context(), operatorKey{}, operatorID)
		ctx = logger.WithLogger(ctx, logger.G(ctx).WithField("operator_id", operatorID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func operatorFrom(r *http.Request) string {
	id, _ := r.Context().Value(operatorKey{}).(string)
	return id
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		logger.G(r.Context()).WithFields(map[string]any{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      rw.statusCode,
			"duration":    time.Since(start),
			"remote_addr": r.RemoteAddr,
		}).Info("HTTP request")
	})
}

// tracingMiddleware opens a span per request.
func (s *Server) tracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := telemetry.Tracer("").Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			))
		defer span.End()

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware adds CORS headers for the dashboard origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Operator-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start runs the server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	presenter.Info(fmt.Sprintf("Starting API server on http://%s", address))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.G(ctx).WithError(err).Error("API server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

// Stop stops the server immediately.
func (s *Server) Stop() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// Close stops the server and releases the storage backend.
func (s *Server) Close() error {
	var result *multierror.Error
	if s.services.Closer != nil {
		result = multierror.Append(result, s.services.Closer.Close())
	}
	result = multierror.Append(result, s.Stop())
	return result.ErrorOrNil()
}
