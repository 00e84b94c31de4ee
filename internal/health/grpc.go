// Package health exposes the relay's serving status over the standard gRPC
// health protocol, for orchestrators that probe with grpc_health_probe.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the service name probes should ask about.
const ServiceName = "relay"

// Checker reports whether a dependency is usable.
type Checker func(ctx context.Context) error

// Server is a gRPC server that only serves health checks.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	check  Checker
	logger *slog.Logger
}

// NewServer creates a health server. check may be nil, in which case the
// relay reports SERVING until Shutdown.
func NewServer(check Checker, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		MaxConnectionIdle: 5 * time.Minute,
		Time:              2 * time.Minute,
		Timeout:           10 * time.Second,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	s := &Server{grpc: gs, health: hs, check: check, logger: logger}
	s.set(healthpb.HealthCheckResponse_SERVING)
	return s
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Watch re-evaluates the checker every interval until ctx is cancelled.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	if s.check == nil {
		return
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Refresh(ctx)
			}
		}
	}()
}

// Refresh runs the checker once and publishes the result.
func (s *Server) Refresh(ctx context.Context) {
	if s.check == nil {
		return
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.check(checkCtx); err != nil {
		s.logger.Warn("Health dependency check failed", "error", err)
		s.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.set(healthpb.HealthCheckResponse_SERVING)
}

// Shutdown marks the relay as not serving and stops the server.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *Server) set(status healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
