package grpc

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported alongside the overall "" entry.
const ServiceName = "hostpanel.Lifecycle"

// Pinger reports whether the account store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes grpc.health.v1 and keeps it in step with the store.
type Server struct {
	pinger   Pinger
	health   *health.Server
	srv      *grpc.Server
	addr     string
	interval time.Duration
}

func NewServer(addr string, pinger Pinger, interval time.Duration) *Server {
	s := &Server{
		pinger:   pinger,
		health:   health.NewServer(),
		srv:      grpc.NewServer(),
		addr:     addr,
		interval: interval,
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	return s
}

func (s *Server) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.refresh(ctx)
	go s.watch(ctx)

	log.Info().Str("addr", s.addr).Msg("gRPC health server listening")
	return s.srv.Serve(lis)
}

func (s *Server) Stop(ctx context.Context) error {
	s.health.Shutdown()
	s.srv.GracefulStop()
	return nil
}

func (s *Server) watch(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

func (s *Server) refresh(ctx context.Context) {
	status := healthpb.HealthCheckResponse_SERVING
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.pinger.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Msg("Store ping failed, reporting NOT_SERVING")
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
