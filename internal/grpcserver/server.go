package grpcserver

import (
	"context"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const (
	// ServiceName is the health service name reported alongside the overall "" entry.
	ServiceName = "examcredit.Ledger"

	defaultProbeInterval = 10 * time.Second
	defaultProbeTimeout  = 2 * time.Second
)

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(server *Server) {
		if logger != nil {
			server.logger = logger
		}
	}
}

// WithProbeInterval sets how often the store is pinged.
func WithProbeInterval(interval time.Duration) Option {
	return func(server *Server) {
		if interval > 0 {
			server.probeInterval = interval
		}
	}
}

// Server exposes grpc.health.v1 backed by store pings.
type Server struct {
	grpcServer    *grpc.Server
	health        *health.Server
	pinger        Pinger
	logger        *zap.Logger
	probeInterval time.Duration
}

// New builds a Server. The service starts as NOT_SERVING until the first successful probe.
func New(pinger Pinger, options ...Option) *Server {
	server := &Server{
		grpcServer:    grpc.NewServer(),
		health:        health.NewServer(),
		pinger:        pinger,
		logger:        zap.NewNop(),
		probeInterval: defaultProbeInterval,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	server.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server.grpcServer, server.health)
	return server
}

// Probe pings the store once and publishes the result.
func (server *Server) Probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
	defer cancel()
	if err := server.pinger.Ping(probeCtx); err != nil {
		server.logger.Warn("store health probe failed", zap.Error(err))
		server.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	server.setStatus(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Serve probes the store periodically and serves gRPC on listener until ctx is done.
func (server *Server) Serve(ctx context.Context, listener net.Listener) error {
	server.Probe(ctx)

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("gRPC health server starting", zap.String("listen_addr", listener.Addr().String()))
		errCh <- server.grpcServer.Serve(listener)
	}()

	ticker := time.NewTicker(server.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			server.Probe(ctx)
		case <-ctx.Done():
			server.health.Shutdown()
			server.grpcServer.GracefulStop()
			if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
				return serveErr
			}
			return nil
		case serveErr := <-errCh:
			if errors.Is(serveErr, grpc.ErrServerStopped) {
				return nil
			}
			return serveErr
		}
	}
}

func (server *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	server.health.SetServingStatus("", status)
	server.health.SetServingStatus(ServiceName, status)
}
