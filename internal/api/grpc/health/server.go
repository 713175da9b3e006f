package health

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/oshokin/ota-updated/internal/logger"
)

// ServiceName is the service reported by the health endpoint.
const ServiceName = "updated"

// Server wraps a gRPC server exposing only the health service.
type Server struct {
	// grpcServer is the transport.
	grpcServer *grpc.Server
	// health tracks the serving status.
	health *grpchealth.Server
}

// NewServer returns a health server reporting SERVING.
func NewServer() *Server {
	s := &Server{
		grpcServer: grpc.NewServer(),
		health:     grpchealth.NewServer(),
	}

	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.SetServing(true)

	return s
}

// SetServing updates the reported status of ServiceName.
func (s *Server) SetServing(serving bool) {
	if s == nil {
		return
	}

	status := healthpb.HealthCheckResponse_SERVING
	if !serving {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.health.SetServingStatus(ServiceName, status)
}

// Serve answers health checks on listener until ctx is done.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	logger.InfoKV(ctx, "Health server listening", "listen_address", listener.Addr().String())

	// Closed after GracefulStop returns so Serve does not return early.
	done := make(chan struct{})

	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		close(done)
	}()

	if err := s.grpcServer.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve gRPC: %w", err)
	}

	<-done
	logger.Info(ctx, "Health server stopped")

	return nil
}
