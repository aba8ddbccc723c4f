package streaming

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health maps stand state onto the standard gRPC health service. The stand
// is SERVING only while the controller link is up and the interlock armed.
type Health struct {
	server *health.Server
}

func NewHealth() *Health {
	h := &Health{server: health.NewServer()}
	h.Update(false, false)
	return h
}

func (h *Health) Server() *health.Server {
	return h.server
}

func (h *Health) Update(connected, tripped bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if connected && !tripped {
		st = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", st)
	h.server.SetServingStatus(ServiceName, st)
}

func (h *Health) Shutdown() {
	h.server.Shutdown()
}
