// Package healthcheck reports the mosaic backend's reachability through the
// standard gRPC health service.
package healthcheck

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the mosaic backend.
const ServiceName = "shyguy.mosaic"

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor probes the backend and mirrors the result into a health server.
type Monitor struct {
	pinger   Pinger
	server   *health.Server
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewMonitor builds a monitor. The backend is reported NOT_SERVING until the
// first successful probe.
func NewMonitor(pinger Pinger, interval time.Duration, logger *zap.Logger) *Monitor {
	server := health.NewServer()
	server.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	timeout := interval / 2
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &Monitor{
		pinger:   pinger,
		server:   server,
		interval: interval,
		timeout:  timeout,
		logger:   logger.Named("healthcheck"),
	}
}

// Register exposes the health service on s.
func (m *Monitor) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, m.server)
}

// Server returns the underlying health server.
func (m *Monitor) Server() *health.Server {
	return m.server
}

// Probe checks the backend once and updates the reported status.
func (m *Monitor) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := m.pinger.Ping(ctx); err != nil {
		m.logger.Warn("mosaic backend unhealthy", zap.Error(err))
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	m.server.SetServingStatus(ServiceName, status)
	m.server.SetServingStatus("", status)
	return status
}

// Run probes on every tick until ctx is done, then marks everything as
// shutting down.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			m.server.Shutdown()
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
