package grpc

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/bookstore/stockcore/internal/db"
	"github.com/bookstore/stockcore/internal/events"
)

// HealthServer implements the gRPC health checking protocol
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	db         *db.DB
	dispatcher *events.Dispatcher
	log        *zap.Logger
}

// NewHealthServer creates a new health check server
func NewHealthServer(database *db.DB, dispatcher *events.Dispatcher, log *zap.Logger) *HealthServer {
	return &HealthServer{
		db:         database,
		dispatcher: dispatcher,
		log:        log,
	}
}

func (h *HealthServer) status(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if err := h.db.Ping(ctx); err != nil {
		h.log.Error("Database health check failed", zap.Error(err))
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	if !h.dispatcher.Healthy() {
		h.log.Error("Event broker health check failed")
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

// Check implements the health check
func (h *HealthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	return &grpc_health_v1.HealthCheckResponse{Status: h.status(ctx)}, nil
}

// Watch sends the current status once.
func (h *HealthServer) Watch(req *grpc_health_v1.HealthCheckRequest, server grpc_health_v1.Health_WatchServer) error {
	return server.Send(&grpc_health_v1.HealthCheckResponse{Status: h.status(server.Context())})
}
