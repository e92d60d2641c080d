// Package web implements the http server for job polling api and workflow engine webhooks
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/briefly/app/persistence"
	"github.com/umputun/briefly/app/service"
)

//go:generate moq -out mocks/delegator.go -pkg mocks -skip-ensure -fmt goimports . Delegator

// JobService defines job operations used by handlers, implemented by service.Service
type JobService interface {
	Create(ctx context.Context, req service.CreateRequest) (persistence.Job, error)
	Get(ctx context.Context, id string) (persistence.Job, error)
	GetActive(ctx context.Context) (persistence.Job, error)
	UpdateProgress(ctx context.Context, id string, progress persistence.Blob) error
	Complete(ctx context.Context, id string, output persistence.Blob) error
	Fail(ctx context.Context, id, errMsg string) error
	Cancel(ctx context.Context, id, reason string) error
	ListRecent(ctx context.Context, req persistence.ListRequest) ([]persistence.Job, error)
	Wait(ctx context.Context, id string, interval time.Duration) (persistence.Job, error)
	BackendName() string
}

// Delegator hands new jobs to the external workflow engine, implemented by service.Delegator
type Delegator interface {
	Enabled() bool
	Dispatch(job persistence.Job)
}

// Runner executes a job in process. Called in background for jobs not delegated to the workflow engine.
type Runner func(ctx context.Context, job persistence.Job)

// Server represents the web server
type Server struct {
	svc          JobService
	delegator    Delegator
	runner       Runner
	version      string
	secretHash   string // bcrypt hash of webhook token
	webhookLmt   *limiter.Limiter
	waitInterval time.Duration
	maxWait      time.Duration

	tokenMu    sync.Mutex
	tokenCache string // sha256 of the last accepted webhook token
}

// Config holds server configuration
type Config struct {
	Service           JobService // required
	Delegator         Delegator  // optional, jobs are local if not set or not enabled
	Runner            Runner     // optional, local jobs stay pending if not set
	Version           string
	WebhookSecretHash string        // bcrypt hash of X-Webhook-Token value, empty to disable the check
	WebhookRateLimit  float64       // max webhook requests per second per ip, 0 for default
	WaitInterval      time.Duration // poll interval for wait endpoint
	MaxWait           time.Duration // max timeout accepted by wait endpoint
}

// ErrMalformedPayload returned for webhook payloads failing validation
var ErrMalformedPayload = errors.New("malformed payload")

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("web server initialization failed: job service is required")
	}
	if cfg.WebhookRateLimit <= 0 {
		cfg.WebhookRateLimit = 50
	}
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = 500 * time.Millisecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Minute
	}

	lmt := tollbooth.NewLimiter(cfg.WebhookRateLimit, nil)
	lmt.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
	lmt.SetMessageContentType("application/json")
	lmt.SetMessage(`{"error":"rate limit exceeded"}`)

	return &Server{
		svc:          cfg.Service,
		delegator:    cfg.Delegator,
		runner:       cfg.Runner,
		version:      cfg.Version,
		secretHash:   cfg.WebhookSecretHash,
		webhookLmt:   lmt,
		waitInterval: cfg.WaitInterval,
		maxWait:      cfg.MaxWait,
	}, nil
}

// Run starts the web server, blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      s.maxWait + 30*time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("briefly", "umputun", s.version),
		rest.Ping,
		rest.Trace,
		rest.SizeLimit(1024*1024),
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	router.Mount("/api").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)

		api.HandleFunc("GET /health", s.handleHealth)

		// polling api
		api.HandleFunc("POST /jobs", s.handleCreateJob)
		api.HandleFunc("GET /jobs", s.handleListJobs)
		api.HandleFunc("GET /jobs/active", s.handleActiveJob)
		api.HandleFunc("GET /jobs/{id}", s.handleGetJob)
		api.HandleFunc("GET /jobs/{id}/wait", s.handleWaitJob)
		api.HandleFunc("POST /jobs/{id}/cancel", s.handleCancelJob)

		// workflow engine webhooks
		api.HandleFunc("GET /n8n/schema", s.handleWebhookSchema)
		hooks := api.With(tollbooth.HTTPMiddleware(s.webhookLmt), s.webhookAuth)
		hooks.HandleFunc("POST /n8n/progress", s.handleProgress)
		hooks.HandleFunc("POST /n8n/complete", s.handleComplete)
	})

	return router
}

// handleHealth reports service status and selected storage backend
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": s.svc.BackendName(),
		"version":  s.version,
	})
}

// writeJSON writes a JSON response with the given status code
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// decodeJSON decodes request body keeping numbers as json.Number, large ids in params must not be rounded
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	return dec.Decode(v)
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeServiceError maps job service errors to http responses
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		log.Printf("[DEBUG] %s %s cancelled by client", r.Method, r.URL.Path)
	case errors.Is(err, persistence.ErrNotFound):
		s.writeJSONError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, ErrMalformedPayload):
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrWaitTimeout):
		s.writeJSONError(w, http.StatusRequestTimeout, err.Error())
	default:
		log.Printf("[ERROR] %s %s failed, %v", r.Method, r.URL.Path, err)
		s.writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}
