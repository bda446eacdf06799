package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/tiered-scraper/internal/crawler"
	"github.com/JakeFAU/tiered-scraper/internal/metrics"
	"github.com/JakeFAU/tiered-scraper/internal/proxy"
	memorypub "github.com/JakeFAU/tiered-scraper/internal/publisher/memory"
	"github.com/JakeFAU/tiered-scraper/internal/queue"
)

// Jobs is the job manager surface exposed over HTTP.
type Jobs interface {
	Submit(ctx context.Context, rawURL string, opts crawler.JobOptions) (queue.Handle, error)
	GetStatus(ctx context.Context, id string) (crawler.Job, error)
	Wait(ctx context.Context, id string) (crawler.Job, error)
	Counts(ctx context.Context) (queue.Counts, error)
	List(ctx context.Context, status crawler.JobStatus, limit int) ([]crawler.Job, error)
	Retry(ctx context.Context, id string) (crawler.Job, error)
	Clean(ctx context.Context, status crawler.JobStatus) (int, error)
}

// Completions exposes recently published completion events.
type Completions interface {
	Messages() []memorypub.PublishedMessage
}

// Options tunes the server.
type Options struct {
	RequestTimeout time.Duration
	DefaultWait    time.Duration
	MaxWait        time.Duration
	APIKey         string
	// AdminAPIKey guards /v1/admin; it falls back to APIKey.
	AdminAPIKey string
	// Ready reports downstream readiness for /readyz.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the job manager and proxy pool.
type Server struct {
	router      chi.Router
	jobs        Jobs
	proxies     proxy.Pool
	completions Completions
	opts        Options
	validate    *validator.Validate
	logger      *zap.Logger
}

// NewServer constructs a Server with middleware and routes. proxies and
// completions may be nil, which disables their admin routes.
func NewServer(jobs Jobs, proxies proxy.Pool, completions Completions, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.DefaultWait <= 0 {
		opts.DefaultWait = 60 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 120 * time.Second
	}
	if opts.AdminAPIKey == "" {
		opts.AdminAPIKey = opts.APIKey
	}
	s := &Server{
		jobs:        jobs,
		proxies:     proxies,
		completions: completions,
		opts:        opts,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(apiKeyMiddleware(opts.APIKey))
			// Submission carries its own deadline derived from ?wait.
			r.Post("/scrape", s.submitScrape)
			r.With(timeoutMiddleware(opts.RequestTimeout)).Get("/jobs/{id}", s.getJob)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(apiKeyMiddleware(opts.AdminAPIKey))
			r.Use(timeoutMiddleware(opts.RequestTimeout))
			r.Get("/queue", s.queueCounts)
			r.Get("/jobs", s.listJobs)
			r.Delete("/jobs", s.cleanJobs)
			r.Post("/jobs/{id}/retry", s.retryJob)
			if proxies != nil {
				r.Get("/proxies", s.listProxies)
				r.Post("/proxies", s.addProxy)
				r.Delete("/proxies", s.removeProxy)
			}
			if completions != nil {
				r.Get("/completions", s.listCompletions)
			}
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs),
		errors.Is(err, crawler.ErrInvalidOptions),
		errors.Is(err, crawler.ErrInvalidStatus):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrUnsafeURL), errors.Is(err, crawler.ErrRobotsDisallowed):
		return http.StatusForbidden
	case errors.Is(err, crawler.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrNotRetryable), errors.Is(err, crawler.ErrProxyExists):
		return http.StatusConflict
	case errors.Is(err, crawler.ErrInvalidEndpoint):
		return http.StatusUnprocessableEntity
	case errors.Is(err, crawler.ErrQueueClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", RequestID(r.Context())),
			zap.Error(err))
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

// RequestID returns the request ID assigned by the middleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", RequestID(r.Context())),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if expected == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(`{"error":"unauthorized"}` + "\n"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}
