package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cuemby/mailroom/pkg/eventlog"
	"github.com/cuemby/mailroom/pkg/log"
	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/registry"
	"github.com/cuemby/mailroom/pkg/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// MaxPullTimeout caps how long a PullBatch call may wait for events
const MaxPullTimeout = time.Minute

// Server implements the Mailbox gRPC service on top of a registry
type Server struct {
	registry *registry.Registry
	health   *metrics.HealthChecker
	grpc     *grpc.Server
	logger   zerolog.Logger
}

// NewServer creates a new API server
func NewServer(reg *registry.Registry, health *metrics.HealthChecker) *Server {
	s := &Server{
		registry: reg,
		health:   health,
		grpc: grpc.NewServer(
			grpc.ChainUnaryInterceptor(RecoveryInterceptor(), MetricsInterceptor(), LoggingInterceptor()),
		),
		logger: log.WithComponent("api"),
	}
	s.grpc.RegisterService(&ServiceDesc, s)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		s.health.Update(metrics.ComponentAPI, false, err.Error())
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(lis)
}

// Serve serves on an existing listener until Stop
func (s *Server) Serve(lis net.Listener) error {
	s.health.Update(metrics.ComponentAPI, true, "")
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC API listening")

	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop stops accepting calls and waits up to timeout for running ones,
// then closes the remaining connections
func (s *Server) Stop(timeout time.Duration) {
	s.health.Update(metrics.ComponentAPI, false, "stopped")

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn().Msg("Graceful stop timed out, closing connections")
		s.grpc.Stop()
	}
}

func parseID(s string) (types.RegistrationID, error) {
	id, err := types.ParseRegistrationID(s)
	if err != nil {
		return id, status.Error(codes.InvalidArgument, err.Error())
	}
	return id, nil
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Register creates a registration
func (s *Server) Register(ctx context.Context, req *RegisterRequest) (*RegisterResponse, error) {
	l, err := s.registry.Register(millis(req.DurationMs))
	if err != nil {
		return nil, ToStatus(err)
	}
	return &RegisterResponse{
		RegistrationID: l.RegistrationID.String(),
		Expiration:     l.Expiration,
	}, nil
}

// Renew extends a lease
func (s *Server) Renew(ctx context.Context, req *RenewRequest) (*RenewResponse, error) {
	id, err := parseID(req.RegistrationID)
	if err != nil {
		return nil, err
	}
	granted, err := s.registry.Renew(id, millis(req.ExtensionMs))
	if err != nil {
		return nil, ToStatus(err)
	}
	return &RenewResponse{GrantedMs: granted.Milliseconds()}, nil
}

// Cancel removes a registration
func (s *Server) Cancel(ctx context.Context, req *RegistrationRequest) (*Empty, error) {
	id, err := parseID(req.RegistrationID)
	if err != nil {
		return nil, err
	}
	if err := s.registry.Cancel(id); err != nil {
		return nil, ToStatus(err)
	}
	return &Empty{}, nil
}

// EnableDelivery switches a registration to push delivery
func (s *Server) EnableDelivery(ctx context.Context, req *EnableDeliveryRequest) (*Empty, error) {
	id, err := parseID(req.RegistrationID)
	if err != nil {
		return nil, err
	}
	if err := s.registry.EnableDelivery(id, req.Target); err != nil {
		return nil, ToStatus(err)
	}
	return &Empty{}, nil
}

// DisableDelivery stops delivery for a registration
func (s *Server) DisableDelivery(ctx context.Context, req *RegistrationRequest) (*Empty, error) {
	id, err := parseID(req.RegistrationID)
	if err != nil {
		return nil, err
	}
	if err := s.registry.DisableDelivery(id); err != nil {
		return nil, ToStatus(err)
	}
	return &Empty{}, nil
}

// Notify stores an event for a registration
func (s *Server) Notify(ctx context.Context, req *NotifyRequest) (*Empty, error) {
	id, err := parseID(req.RegistrationID)
	if err != nil {
		return nil, err
	}
	if req.Event == nil || req.Event.Source == "" {
		return nil, status.Error(codes.InvalidArgument, "event with a source is required")
	}
	if err := s.registry.Notify(id, req.Event); err != nil {
		return nil, ToStatus(err)
	}
	return &Empty{}, nil
}

// PullSnapshot switches a registration to pull delivery
func (s *Server) PullSnapshot(ctx context.Context, req *PullSnapshotRequest) (*PullSnapshotResponse, error) {
	id, err := parseID(req.RegistrationID)
	if err != nil {
		return nil, err
	}
	token, entries, err := s.registry.PullSnapshot(id, req.Max)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &PullSnapshotResponse{Token: token, Events: pulledEvents(entries)}, nil
}

// PullBatch acknowledges pulled events and returns the next batch
func (s *Server) PullBatch(ctx context.Context, req *PullBatchRequest) (*PullBatchResponse, error) {
	id, err := parseID(req.RegistrationID)
	if err != nil {
		return nil, err
	}
	cursor, err := eventlog.ParseCursor(req.LastCursor)
	if err != nil {
		return nil, ToStatus(err)
	}

	timeout := millis(req.TimeoutMs)
	if timeout > MaxPullTimeout {
		timeout = MaxPullTimeout
	}

	entries, err := s.registry.PullBatch(ctx, id, req.Token, cursor, req.Max, timeout)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &PullBatchResponse{Events: pulledEvents(entries)}, nil
}

// GetRegistration returns a view of one registration
func (s *Server) GetRegistration(ctx context.Context, req *RegistrationRequest) (*types.RegistrationInfo, error) {
	id, err := parseID(req.RegistrationID)
	if err != nil {
		return nil, err
	}
	info, err := s.registry.Get(id)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &info, nil
}

// ListRegistrations returns every registration
func (s *Server) ListRegistrations(ctx context.Context, req *Empty) (*ListRegistrationsResponse, error) {
	return &ListRegistrationsResponse{Registrations: s.registry.List()}, nil
}

// ListDeadLetters returns the dead-lettered events of a registration
func (s *Server) ListDeadLetters(ctx context.Context, req *RegistrationRequest) (*ListDeadLettersResponse, error) {
	id, err := parseID(req.RegistrationID)
	if err != nil {
		return nil, err
	}
	dls, err := s.registry.DeadLetters(id)
	if err != nil {
		return nil, ToStatus(err)
	}
	return &ListDeadLettersResponse{DeadLetters: dls}, nil
}
