package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// OpsServer is the inbound adapter serving the operational endpoints.
type OpsServer struct {
	server         *http.Server
	addr           string
	allowedOrigins []string
	logger         *slog.Logger
	runtime        Runtime
	health         *HealthChecker
	metrics        *Metrics
	gatherer       prometheus.Gatherer
	handler        http.Handler
}

// Option is a functional option for configuring OpsServer.
type Option func(*OpsServer)

// WithAddr sets the listen address. Default is "127.0.0.1:8080" (localhost only).
func WithAddr(addr string) Option {
	return func(s *OpsServer) { s.addr = addr }
}

// WithAllowedOrigins sets the allowed origins for DNS rebinding protection.
func WithAllowedOrigins(origins []string) Option {
	return func(s *OpsServer) { s.allowedOrigins = origins }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *OpsServer) { s.logger = logger }
}

// WithHealthChecker replaces the default health checker.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *OpsServer) { s.health = hc }
}

// NewOpsServer builds the route tree. metrics and gatherer should share a registry.
func NewOpsServer(rt Runtime, metrics *Metrics, gatherer prometheus.Gatherer, opts ...Option) *OpsServer {
	s := &OpsServer{
		addr:           "127.0.0.1:8080",
		allowedOrigins: []string{},
		logger:         slog.Default(),
		runtime:        rt,
		metrics:        metrics,
		gatherer:       gatherer,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.health == nil {
		s.health = NewHealthChecker(rt, nil, "")
	}

	var handler http.Handler = newMux(&opsHandler{runtime: rt}, s.health, gatherer)
	handler = MetricsMiddleware(s.metrics)(handler)
	handler = DNSRebindingProtection(s.allowedOrigins)(handler)
	handler = RecoveryMiddleware(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	s.handler = handler
	return s
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *OpsServer) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled or the listener fails.
func (s *OpsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *OpsServer) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting ops HTTP server", "addr", ln.Addr().String())
		err := s.server.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down ops HTTP server")
		return s.shutdown()
	case err := <-errCh:
		return err
	}
}

func (s *OpsServer) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("ops HTTP server shutdown complete")
	return nil
}
