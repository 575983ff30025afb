package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the gRPC health service name reported for call handling.
const ServiceName = "parley.Calls"

// GRPCServer exposes grpc.health.v1.Health for load balancers and mesh
// sidecars that only speak gRPC.
type GRPCServer struct {
	port   int
	server *grpc.Server
	health *grpchealth.Server
}

// NewGRPC creates a gRPC health server on the given port. Both the overall
// and the call service start out NOT_SERVING.
func NewGRPC(port int) *GRPCServer {
	hs := grpchealth.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &GRPCServer{port: port, server: srv, health: hs}
}

// SetServing flips the reported status.
func (g *GRPCServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(ServiceName, status)
}

// Serve accepts connections on lis until the context is cancelled.
func (g *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		slog.Info("grpc health shutting down")
		g.health.Shutdown()
		g.server.GracefulStop()
	}()
	return g.server.Serve(lis)
}

// ListenAndServe starts the gRPC server. It blocks until the context is
// cancelled.
func (g *GRPCServer) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", g.port))
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	slog.Info("grpc health listening", "port", g.port)
	return g.Serve(ctx, lis)
}

// Close stops the gRPC server.
func (g *GRPCServer) Close() error {
	g.server.GracefulStop()
	return nil
}
