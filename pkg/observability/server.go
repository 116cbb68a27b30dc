package observability

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// RegisterRoutes mounts the health and metrics endpoints on mux.
func RegisterRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("GET /health", HealthHandler(checker))
	mux.HandleFunc("GET /health/live", LivenessHandler())
	mux.HandleFunc("GET /health/ready", ReadinessHandler(checker))
	mux.Handle("GET /metrics", MetricsHandler())
}

// Server provides HTTP endpoints for observability
type Server struct {
	httpServer *http.Server
	port       int
	checker    *HealthChecker
	logger     *zap.Logger
}

// NewServer creates a new observability server
func NewServer(port int, checker *HealthChecker, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	RegisterRoutes(mux, checker)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		port:    port,
		checker: checker,
		logger:  logger,
	}
}

// Start serves until Shutdown is called. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("admin server listening", zap.Int("port", s.port))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
