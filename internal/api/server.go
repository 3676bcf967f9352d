package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/mdimg-client/internal/channel"
	"github.com/JakeFAU/mdimg-client/internal/metrics"
	"github.com/JakeFAU/mdimg-client/internal/store"
)

const requestTimeout = 10 * time.Second

// SessionSource reports the progress channel's current session.
type SessionSource interface {
	Session() channel.Session
}

// RateLimiter decides whether a caller may proceed.
type RateLimiter interface {
	Allow(key string) bool
}

// Option customizes a Server.
type Option func(*Server)

// WithRateLimiter rejects requests with 429 when l denies the caller's host.
func WithRateLimiter(l RateLimiter) Option {
	return func(s *Server) { s.limiter = l }
}

// Server wires the ops routes.
type Server struct {
	router  chi.Router
	session SessionSource
	metrics *metrics.Metrics
	limiter RateLimiter
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes. history and m may
// be nil; the corresponding routes then answer 503.
func NewServer(
	session SessionSource,
	history store.HistoryRepository,
	m *metrics.Metrics,
	logger *zap.Logger,
	opts ...Option,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")
	s := &Server{
		session: session,
		metrics: m,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	hh := NewHistoryHandler(history, logger)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if m != nil {
		r.Use(m.Middleware)
	}
	if s.limiter != nil {
		r.Use(rateLimitMiddleware(s.limiter))
	}
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Get("/metrics", s.serveMetrics)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/session", s.getSession)
		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", hh.ListJobs)
			r.Get("/{run_id}", hh.GetJob)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ops server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown ops server: %w", err)
		}
		return nil
	}
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "progress channel unavailable")
		return
	}
	state := s.session.Session().State
	if state != channel.StateOpen {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "state": state.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": state.String()})
}

func (s *Server) serveMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics disabled")
		return
	}
	s.metrics.Handler().ServeHTTP(w, r)
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, "progress channel unavailable")
		return
	}
	sess := s.session.Session()
	dto := sessionDTO{
		ClientID:   sess.ClientID,
		State:      sess.State.String(),
		RetryCount: sess.RetryCount,
	}
	if sess.HasJob {
		dto.ActiveJob = &sess.ActiveJob
	}
	writeJSON(w, http.StatusOK, dto)
}

type sessionDTO struct {
	ClientID   string  `json:"client_id"`
	State      string  `json:"state"`
	RetryCount int     `json:"retry_count"`
	ActiveJob  *string `json:"active_job,omitempty"`
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKey struct{}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Debug("request completed",
				zap.String("request_id", RequestID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func rateLimitMiddleware(l RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			if !l.Allow(host) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
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

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
