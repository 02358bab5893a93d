package server

import (
	"context"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"ContestLedger/internal/observability"
)

// GRPCServer serves the standard gRPC health protocol for load balancers and
// orchestration probes.
type GRPCServer struct {
	addr   string
	health *observability.HealthChecker
}

func NewGRPCServer(addr string, health *observability.HealthChecker) *GRPCServer {
	return &GRPCServer{addr: addr, health: health}
}

// Run serves until ctx is cancelled.
func (s *GRPCServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	// Mirror the readiness checker into the gRPC health status.
	go func() {
		<-ctx.Done()
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
	}()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	log := observability.NewLogger("grpc")
	log.Info().Str("addr", s.addr).Msg("grpc server listening")
	return grpcServer.Serve(lis)
}
