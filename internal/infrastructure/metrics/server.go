package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tpslguard/internal/core"
)

// HealthReporter is the subset of health.HealthManager the metrics server
// needs to expose a /healthz endpoint alongside /metrics.
type HealthReporter interface {
	GetStatus() map[string]string
	IsHealthy() bool
}

// Server handles Prometheus metrics export
type Server struct {
	port   int
	logger core.ILogger
	srv    *http.Server
	health HealthReporter
}

// NewServer creates a new metrics server
func NewServer(port int, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// SetHealthReporter wires a health manager whose status is served at /healthz.
func (s *Server) SetHealthReporter(h HealthReporter) {
	s.health = h
}

// Start starts the metrics HTTP server
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.serveHealth)

	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	go func() {
		s.logger.Info("Starting Prometheus metrics server", "port", s.port)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Metrics server failed", "error", err)
		}
	}()
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	status := s.health.GetStatus()
	if !s.health.IsHealthy() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

// Stop gracefully stops the metrics server
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("Stopping metrics server")
	return s.srv.Shutdown(ctx)
}
