// Package api serves the REST session API and the message transports:
// synchronous HTTP, Server-Sent Events and asynchronous delivery over the
// websocket hub.
package api

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/aixgo-dev/agentrelay/agent"
	"github.com/aixgo-dev/agentrelay/internal/bus"
	"github.com/aixgo-dev/agentrelay/internal/runtime"
	"github.com/aixgo-dev/agentrelay/pkg/observability"
	"github.com/aixgo-dev/agentrelay/pkg/security"
	"github.com/aixgo-dev/agentrelay/pkg/session"
)

// Responder answers messages as one agent. *runtime.Runtime implements it.
type Responder interface {
	Character() *agent.Character
	Respond(ctx context.Context, msg *agent.Message, opts runtime.RespondOptions) (*runtime.Reply, error)
}

// Server routes HTTP requests.
type Server struct {
	sessions *session.Manager
	agent    Responder
	bus      *bus.Bus
	ws       http.Handler
	limiter  *security.RateLimiter
	health   *observability.HealthChecker
	logger   *zap.Logger
	debug    bool

	mux *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithBus publishes websocket-transport messages on b.
func WithBus(b *bus.Bus) Option {
	return func(s *Server) {
		s.bus = b
	}
}

// WithWebSocket mounts h on GET /ws.
func WithWebSocket(h http.Handler) Option {
	return func(s *Server) {
		s.ws = h
	}
}

// WithRateLimiter limits message posts per client address.
func WithRateLimiter(l *security.RateLimiter) Option {
	return func(s *Server) {
		s.limiter = l
	}
}

// WithHealth mounts the health and metrics endpoints.
func WithHealth(checker *observability.HealthChecker) Option {
	return func(s *Server) {
		s.health = checker
	}
}

// WithDebugErrors includes scrubbed internal error details in 500 responses.
func WithDebugErrors(enabled bool) Option {
	return func(s *Server) {
		s.debug = enabled
	}
}

// New creates a server.
func New(sessions *session.Manager, responder Responder, opts ...Option) *Server {
	s := &Server{
		sessions: sessions,
		agent:    responder,
		logger:   zap.NewNop(),
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /sessions", s.createSession)
	s.mux.HandleFunc("GET /sessions", s.listSessions)
	s.mux.HandleFunc("GET /sessions/{id}", s.getSession)
	s.mux.HandleFunc("DELETE /sessions/{id}", s.deleteSession)
	s.mux.HandleFunc("POST /sessions/{id}/renew", s.renewSession)
	s.mux.HandleFunc("PATCH /sessions/{id}/timeout", s.updateTimeout)
	s.mux.HandleFunc("POST /sessions/{id}/heartbeat", s.heartbeat)

	s.mux.Handle("POST /sessions/{id}/messages", s.rateLimit(http.HandlerFunc(s.postMessage)))
	s.mux.HandleFunc("GET /sessions/{id}/messages", s.listMessages)
	s.mux.HandleFunc("DELETE /sessions/{id}/messages", s.clearMessages)
	s.mux.HandleFunc("DELETE /sessions/{id}/messages/{messageId}", s.deleteMessage)

	if s.ws != nil {
		s.mux.Handle("GET /ws", s.ws)
	}
	if s.health != nil {
		observability.RegisterRoutes(s.mux, s.health)
	}
}

// Handler returns the root handler with recovery, logging and metrics.
func (s *Server) Handler() http.Handler {
	return s.recoverer(s.instrument(s.mux))
}

func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("handler panicked",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: &security.SecureError{
				Code:    security.ErrCodeInternal,
				Message: "An internal error occurred",
			}})
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		elapsed := time.Since(start)
		observability.RecordHTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), elapsed)
		s.logger.Debug("request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	if s.limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientAddr(r)) {
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: &security.SecureError{
				Code:    security.ErrCodeRateLimit,
				Message: "Too many requests",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// statusRecorder captures the response status. It passes through flushing
// for SSE and hijacking for websocket upgrades.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
