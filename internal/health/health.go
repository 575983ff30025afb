// Package health provides the operational endpoints of the daemon.
//
// Docker and Kubernetes probe /healthz and /readyz; Prometheus scrapes
// /metrics. When the daemon is running and ready to accept calls, /readyz
// returns 200 OK. The same readiness is mirrored on the standard gRPC
// health service when a gRPC port is configured.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ActiveCounter reports how many calls are connected.
type ActiveCounter interface {
	Len() int
}

// Server is a lightweight HTTP server that exposes health and metrics.
type Server struct {
	port     int
	gatherer prometheus.Gatherer
	sessions ActiveCounter
	grpc     *GRPCServer

	ready  atomic.Bool
	server *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithGatherer serves gatherer at /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithSessions reports the live call count on /healthz.
func WithSessions(c ActiveCounter) Option {
	return func(s *Server) { s.sessions = c }
}

// WithGRPC mirrors readiness onto the gRPC health service.
func WithGRPC(g *GRPCServer) Option {
	return func(s *Server) { s.grpc = g }
}

// New creates a new health check server.
func New(port int, opts ...Option) *Server {
	s := &Server{port: port}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetReady marks the daemon as ready to accept traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
	if s.grpc != nil {
		s.grpc.SetServing(ready)
	}
}

// Ready reports the readiness flag.
func (s *Server) Ready() bool { return s.ready.Load() }

type statusResponse struct {
	Status   string `json:"status"`
	Sessions *int   `json:"sessions,omitempty"`
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// The process answers /healthz as long as it is up.
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{Status: "ok"}
		if s.sessions != nil {
			n := s.sessions.Len()
			resp.Sessions = &n
		}
		writeStatus(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			writeStatus(w, http.StatusServiceUnavailable, statusResponse{Status: "not_ready"})
			return
		}
		writeStatus(w, http.StatusOK, statusResponse{Status: "ok"})
	})

	if s.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe starts the health check HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("health server listening", "port", s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

func writeStatus(w http.ResponseWriter, code int, resp statusResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
