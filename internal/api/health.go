package api

import (
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service reported for the receiver pipeline.
const ServiceName = "flownix.Receiver"

// HealthServer exposes the standard gRPC health protocol for the receiver.
// Both the overall status and ServiceName start as NOT_SERVING.
type HealthServer struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
	log    logrus.FieldLogger
}

// NewHealthServer listens on addr. Call Serve to start answering checks.
func NewHealthServer(addr string, log logrus.FieldLogger) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	h := &HealthServer{grpc: s, health: hs, lis: lis, log: log.WithField("component", "health")}
	h.SetServing(false)
	return h, nil
}

// Addr returns the address the server is listening on.
func (h *HealthServer) Addr() string {
	return h.lis.Addr().String()
}

// Serve blocks answering health checks until Stop is called.
func (h *HealthServer) Serve() error {
	h.log.Infof("gRPC health server starting on %s", h.Addr())
	return h.grpc.Serve(h.lis)
}

// SetServing updates the reported status.
func (h *HealthServer) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Stop reports NOT_SERVING to watchers and shuts the server down.
func (h *HealthServer) Stop() {
	h.health.Shutdown()
	h.grpc.GracefulStop()
}
