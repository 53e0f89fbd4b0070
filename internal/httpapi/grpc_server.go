package httpapi

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// GRPCServer serves grpc.health.v1 backed by the same readiness checks as /readyz.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	readiness ReadyCheck
	logger    *zap.Logger
}

// NewGRPCServer creates the health service. A nil check always reports serving.
func NewGRPCServer(r ReadyCheck, logger *zap.Logger) *GRPCServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCServer{readiness: r, logger: logger}
}

// Register attaches the health service to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	healthpb.RegisterHealthServer(srv, s)
}

// Check answers for the whole server ("") and for serviceName.
func (s *GRPCServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if svc := req.GetService(); svc != "" && svc != serviceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", svc)
	}
	if s.readiness != nil {
		if err := s.readiness.Check(ctx); err != nil {
			s.logger.Warn("grpc health: not serving", zap.Error(err))
			return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
		}
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
