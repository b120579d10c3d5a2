package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/consensus"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/data"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/monitoring"
	"github.com/VanDung-dev/HieraChain-BFT/hierachain-engine/node"
)

// Version is the current version of the HieraChain BFT engine.
const Version = "0.2.0"

// ServerConfig holds configuration for the gRPC server.
type ServerConfig struct {
	// Address to listen on (e.g., ":50051")
	Address string

	// MaxRecvMsgSize is the maximum message size in bytes
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes
	MaxSendMsgSize int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Address:        ":50051",
		MaxRecvMsgSize: 16 * 1024 * 1024, // 16MB
		MaxSendMsgSize: 16 * 1024 * 1024, // 16MB
	}
}

// GRPCServer exposes a replica over gRPC.
type GRPCServer struct {
	config  *ServerConfig
	node    NodeService
	metrics *monitoring.Metrics
	log     logrus.FieldLogger

	grpcServer *grpc.Server
	listener   net.Listener
	startTime  time.Time

	running bool
	mu      sync.RWMutex
}

// NewGRPCServer creates a server for n. metrics may be nil.
func NewGRPCServer(config *ServerConfig, n NodeService, metrics *monitoring.Metrics, log logrus.FieldLogger) (*GRPCServer, error) {
	if n == nil {
		return nil, errors.New("node is required")
	}
	if config == nil {
		config = DefaultServerConfig()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &GRPCServer{
		config:    config,
		node:      n,
		metrics:   metrics,
		log:       log.WithField("component", "grpc"),
		startTime: time.Now(),
	}, nil
}

func (s *GRPCServer) newGRPC() *grpc.Server {
	srv := grpc.NewServer(
		grpc.MaxRecvMsgSize(s.config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(s.config.MaxSendMsgSize),
		grpc.ChainUnaryInterceptor(s.metricsInterceptor),
	)
	RegisterNodeServer(srv, s)
	return srv
}

// install registers lis as the serving listener.
func (s *GRPCServer) install(lis net.Listener) (*grpc.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil, fmt.Errorf("server is already running")
	}
	s.listener = lis
	s.grpcServer = s.newGRPC()
	s.running = true
	s.startTime = time.Now()
	s.log.WithField("addr", lis.Addr().String()).Info("gRPC server listening")
	return s.grpcServer, nil
}

// Serve accepts connections on lis until Stop. It blocks.
func (s *GRPCServer) Serve(lis net.Listener) error {
	srv, err := s.install(lis)
	if err != nil {
		return err
	}
	return srv.Serve(lis)
}

// StartAsync listens on the configured address and serves in the background.
func (s *GRPCServer) StartAsync() error {
	lis, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	srv, err := s.install(lis)
	if err != nil {
		_ = lis.Close()
		return err
	}

	go func() {
		if err := srv.Serve(lis); err != nil {
			s.log.WithError(err).Error("gRPC server stopped")
		}
	}()
	return nil
}

// Addr returns the listening address, empty before start.
func (s *GRPCServer) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	srv := s.grpcServer
	s.mu.Unlock()

	// In-flight handlers take s.mu, so drain without holding it.
	if srv != nil {
		srv.GracefulStop()
	}
}

func (s *GRPCServer) metricsInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.RecordGRPCRequest(info.FullMethod, code.String(), time.Since(start))
	}
	if err != nil {
		s.log.WithFields(logrus.Fields{"method": info.FullMethod, "code": code}).WithError(err).Debug("gRPC call failed")
	}
	return resp, err
}

// toStatus maps engine errors onto gRPC codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, consensus.ErrNotPrimary), errors.Is(err, consensus.ErrViewChangeInProgress):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, node.ErrPendingFull), errors.Is(err, consensus.ErrOutOfWatermarks):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, consensus.ErrNoStableCheckpoint):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// SubmitRequest orders an operation on this node, which must be primary.
func (s *GRPCServer) SubmitRequest(_ context.Context, req *OperationRequest) (*SubmitResponse, error) {
	seq, err := s.node.SubmitRequest(req.Operation)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitResponse{NodeID: s.node.ID(), Sequence: seq}, nil
}

// ForwardRequest hands an operation to the current primary.
func (s *GRPCServer) ForwardRequest(_ context.Context, req *OperationRequest) (*SubmitResponse, error) {
	if err := s.node.ForwardRequest(req.Operation); err != nil {
		return nil, toStatus(err)
	}
	return &SubmitResponse{NodeID: s.node.ID(), Forwarded: !s.node.IsPrimary()}, nil
}

// GetMetrics returns the compact progress summary.
func (s *GRPCServer) GetMetrics(context.Context, *Empty) (*node.Metrics, error) {
	m := s.node.GetMetrics()
	return &m, nil
}

// GetStats returns the detailed node status.
func (s *GRPCServer) GetStats(context.Context, *Empty) (*node.Stats, error) {
	st := s.node.GetStats()
	return &st, nil
}

// ExportCheckpoint returns the stable checkpoint encoded as Arrow IPC.
func (s *GRPCServer) ExportCheckpoint(context.Context, *Empty) (*CheckpointResponse, error) {
	snap, err := s.node.ExportCheckpoint()
	if err != nil {
		return nil, toStatus(err)
	}
	payload, err := data.ExportSnapshot(snap)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode checkpoint: %v", err)
	}
	return &CheckpointResponse{
		Sequence:    snap.Sequence,
		StateDigest: snap.StateDigest,
		Snapshot:    payload,
	}, nil
}

// HealthCheck returns the health status of the node.
func (s *GRPCServer) HealthCheck(context.Context, *Empty) (*HealthResponse, error) {
	s.mu.RLock()
	startTime := s.startTime
	s.mu.RUnlock()

	healthy, details := s.node.Health()
	return &HealthResponse{
		Healthy:       healthy,
		Version:       Version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Details:       details,
	}, nil
}
