package httpapi

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/Ernest01982/tuktukadmin/internal/obs"
)

// HealthServer mirrors auth lifecycle readiness onto the standard gRPC health
// service, both for the overall server ("") and for the console service name.
type HealthServer struct {
	*health.Server
	auth   AuthState
	logger *zap.Logger
}

// NewHealthServer starts NOT_SERVING until Run observes readiness.
func NewHealthServer(a AuthState, logger *zap.Logger) *HealthServer {
	h := &HealthServer{
		Server: health.NewServer(),
		auth:   a,
		logger: obs.Or(logger),
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Run flips to SERVING once the controller is ready and shuts the health
// service down when ctx ends.
func (h *HealthServer) Run(ctx context.Context) {
	select {
	case <-h.auth.Ready():
		h.set(healthpb.HealthCheckResponse_SERVING)
		h.logger.Info("grpc health serving")
	case <-ctx.Done():
	}
	<-ctx.Done()
	h.Shutdown()
}

func (h *HealthServer) set(st healthpb.HealthCheckResponse_ServingStatus) {
	h.SetServingStatus("", st)
	h.SetServingStatus(serviceName, st)
}

// NewGRPCServer registers h on a new server with request logging.
func NewGRPCServer(h *HealthServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(unaryLogging(h.logger))}, opts...)
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, h.Server)
	return srv
}

func unaryLogging(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc_complete",
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		)
		return resp, err
	}
}
