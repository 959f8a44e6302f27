package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"conbadge.org/internal/obs"
)

// HealthServer publishes readiness on the standard gRPC health service, for
// load balancers that probe over gRPC.
type HealthServer struct {
	*health.Server
	probe ReadyProbe
}

func NewHealthServer(probe ReadyProbe) *HealthServer {
	return &HealthServer{Server: health.NewServer(), probe: probe}
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.Server)
}

// Refresh re-evaluates the probe and updates both the overall status and the
// status of the named service.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.probe.Check(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		obs.Debug("health_not_serving", map[string]any{"error": err.Error()})
	}
	h.SetServingStatus("", status)
	h.SetServingStatus(serviceName, status)
	return status
}

// Run refreshes every interval until ctx is done, then marks everything as
// not serving.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		h.Refresh(ctx)
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
		}
	}
}
