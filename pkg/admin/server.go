// Package admin exposes a machine's liveness over the standard gRPC health
// protocol so a cluster console or an orchestrator can probe it.
package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/KevoDB/clocksim/pkg/common/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ErrServerNotStarted is returned when serving before Start
var ErrServerNotStarted = errors.New("admin server not started")

// Server serves grpc.health.v1 for one machine. The overall status ("")
// and the machine's own service name move together.
type Server struct {
	addr    string
	service string
	logger  log.Logger

	mu         sync.Mutex
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	done       chan struct{}
}

// NewServer creates a server for the named machine listening on addr
func NewServer(addr, service string, logger log.Logger) *Server {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &Server{
		addr:    addr,
		service: service,
		logger:  logger.WithField("component", "admin"),
	}
}

// Start binds the address and serves in the background. The machine
// starts as NOT_SERVING.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener in the background
func (s *Server) Serve(lis net.Listener) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kaPolicy := keepalive.EnforcementPolicy{
		MinTime:             5 * time.Second,
		PermitWithoutStream: true,
	}
	s.grpcServer = grpc.NewServer(grpc.KeepaliveEnforcementPolicy(kaPolicy))
	s.health = health.NewServer()
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(s.service, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.listener = lis
	s.done = make(chan struct{})

	srv, done := s.grpcServer, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("Admin server stopped: %v", err)
		}
	}()

	s.logger.Info("Admin health service listening on %s", lis.Addr())
	return nil
}

// Addr returns the bound address
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetServing flips the machine between SERVING and NOT_SERVING
func (s *Server) SetServing(serving bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.health == nil {
		return ErrServerNotStarted
	}

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(s.service, status)
	return nil
}

// Stop shuts the server down, gracefully unless ctx ends first
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, hs, done := s.grpcServer, s.health, s.done
	s.grpcServer, s.health = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	hs.Shutdown()

	stopped := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.logger.Warn("Admin server did not stop in time, forcing")
		srv.Stop()
	}
	<-done
	return nil
}
