package server

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// ServiceName is the gRPC health service name reported for this process.
const ServiceName = "compliance.audit.v1.ComplianceAudit"

// GRPCServer serves the standard gRPC health protocol. Serving status follows
// the readiness checks so load balancers drain the instance when its
// database or broker is gone.
type GRPCServer struct {
	server       *grpc.Server
	health       *health.Server
	readiness    *Readiness
	pollInterval time.Duration
	addr         string
	logger       *zap.Logger
	cancel       context.CancelFunc
	done         chan struct{}
}

// NewGRPCServer creates a gRPC server with the health service registered.
func NewGRPCServer(addr string, readiness *Readiness, pollInterval time.Duration, logger *zap.Logger) *GRPCServer {
	if pollInterval <= 0 {
		pollInterval = 10 * time.Second
	}
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(
		RecoveryInterceptor(logger),
		LoggingInterceptor(logger),
	))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &GRPCServer{
		server:       srv,
		health:       hs,
		readiness:    readiness,
		pollInterval: pollInterval,
		addr:         addr,
		logger:       logger,
	}
}

// Start listens, serves and begins tracking readiness.
func (s *GRPCServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address %s: %w", s.addr, err)
	}
	return s.Serve(ln)
}

// Serve runs on an existing listener.
func (s *GRPCServer) Serve(ln net.Listener) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	s.refresh(ctx)
	go s.watch(ctx)

	go func() {
		s.logger.Info("gRPC server starting", zap.String("address", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil {
			s.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *GRPCServer) watch(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.pollInterval)
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

func (s *GRPCServer) refresh(ctx context.Context) {
	st := healthpb.HealthCheckResponse_SERVING
	if failures := s.readiness.Evaluate(ctx); len(failures) > 0 {
		st = healthpb.HealthCheckResponse_NOT_SERVING
		for name, err := range failures {
			s.logger.Warn("Dependency not ready", zap.String("component", name), zap.Error(err))
		}
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Stop marks the server NOT_SERVING and drains it, forcing a stop when ctx
// expires first.
func (s *GRPCServer) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		s.logger.Info("gRPC server stopped")
	case <-ctx.Done():
		s.logger.Warn("gRPC server shutdown timeout, forcing stop")
		s.server.Stop()
	}
	return nil
}

// LoggingInterceptor logs gRPC requests and responses
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			logger.Error("gRPC request failed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", time.Since(start)),
				zap.Error(err))
		} else {
			logger.Debug("gRPC request completed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", time.Since(start)))
		}
		return resp, err
	}
}

// RecoveryInterceptor converts handler panics into Internal errors.
func RecoveryInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("gRPC handler panic",
					zap.String("method", info.FullMethod),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()))
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}
