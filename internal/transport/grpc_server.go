package transport

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/internal/metrics"
	"github.com/zde37/chordring/pkg"
)

// Compile-time check to ensure GRPCServer implements RingServiceServer
var _ RingServiceServer = (*GRPCServer)(nil)

// GRPCServer wraps a chord.Node and serves the ring protocol over gRPC.
type GRPCServer struct {
	node    *chord.Node
	server  *grpc.Server
	logger  *pkg.Logger
	metrics *metrics.Metrics

	// Server address
	address  string
	listener net.Listener
	mu       sync.Mutex
}

// NewGRPCServer creates a new gRPC server for the given node.
func NewGRPCServer(node *chord.Node, address string, logger *pkg.Logger, m *metrics.Metrics) (*GRPCServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &GRPCServer{
		node:    node,
		address: address,
		logger:  logger.Component("grpc_server"),
		metrics: m,
	}

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024), // 4MB
		grpc.MaxSendMsgSize(4*1024*1024), // 4MB
		grpc.UnaryInterceptor(ObservabilityInterceptor(s.logger, m)),
	)
	RegisterRingServiceServer(s.server, s)

	return s, nil
}

// Start listens on the configured address and serves in the background.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.Serve(listener)
	return nil
}

// Serve serves on an existing listener in the background.
func (s *GRPCServer) Serve(listener net.Listener) {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()
}

// Addr returns the listening address, or nil before Start.
func (s *GRPCServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the gRPC server.
func (s *GRPCServer) Stop() {
	s.logger.Info().Msg("Stopping gRPC server")
	s.server.GracefulStop()
}

// toStatus maps ring errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, chord.ErrHopLimit):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, chord.ErrInvalidID):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, chord.ErrShutdown), errors.Is(err, chord.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (s *GRPCServer) checkServing() error {
	if s.node.IsShutdown() {
		return status.Error(codes.Unavailable, chord.ErrShutdown.Error())
	}
	return nil
}

// Ping implements the Ping RPC.
func (s *GRPCServer) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	return &PingResponse{
		Message:   "pong",
		Timestamp: time.Now().Unix(),
	}, nil
}

// FindSuccessor implements the FindSuccessor RPC.
func (s *GRPCServer) FindSuccessor(ctx context.Context, req *FindSuccessorRequest) (*FindSuccessorResponse, error) {
	id := new(big.Int).SetBytes(req.ID)

	successor, err := s.node.ForwardFindSuccessor(ctx, id, int(req.Hops))
	if err != nil {
		return nil, toStatus(err)
	}
	return &FindSuccessorResponse{
		Successor: nodeRefToWire(successor),
	}, nil
}

// FindSuccessorWithPath implements the FindSuccessorWithPath RPC.
func (s *GRPCServer) FindSuccessorWithPath(ctx context.Context, req *FindSuccessorRequest) (*FindSuccessorWithPathResponse, error) {
	id := new(big.Int).SetBytes(req.ID)

	successor, path, err := s.node.ForwardFindSuccessorWithPath(ctx, id, int(req.Hops))
	if err != nil {
		return nil, toStatus(err)
	}
	return &FindSuccessorWithPathResponse{
		Successor: nodeRefToWire(successor),
		Path:      nodeRefsToWire(path),
	}, nil
}

// Notify implements the Notify RPC.
func (s *GRPCServer) Notify(ctx context.Context, req *NotifyRequest) (*NotifyResponse, error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	if req.Node == nil {
		return nil, status.Error(codes.InvalidArgument, "node cannot be nil")
	}
	prev := s.node.Notify(wireToNodeRef(req.Node))
	return &NotifyResponse{
		PreviousPredecessor: nodeRefToWire(prev),
	}, nil
}

// GetInfo implements the GetInfo RPC.
func (s *GRPCServer) GetInfo(ctx context.Context, req *GetInfoRequest) (*GetInfoResponse, error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	info := s.node.GetInfo()
	return &GetInfoResponse{
		Node:        nodeRefToWire(info.Node),
		Capacity:    int32(info.Capacity),
		Predecessor: nodeRefToWire(info.Predecessor),
		Successor:   nodeRefToWire(info.Successor),
	}, nil
}

// SetPredecessor implements the SetPredecessor RPC.
func (s *GRPCServer) SetPredecessor(ctx context.Context, req *SetNodeRequest) (*Ack, error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	s.node.SetPredecessor(wireToNodeRef(req.Node))
	return &Ack{Success: true}, nil
}

// SetSuccessor implements the SetSuccessor RPC.
func (s *GRPCServer) SetSuccessor(ctx context.Context, req *SetNodeRequest) (*Ack, error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	s.node.SetSuccessor(wireToNodeRef(req.Node))
	return &Ack{Success: true}, nil
}

// Stabilize implements the Stabilize RPC.
func (s *GRPCServer) Stabilize(ctx context.Context, req *StabilizeRequest) (*Ack, error) {
	if err := s.checkServing(); err != nil {
		return nil, err
	}
	s.node.RequestStabilize()
	return &Ack{Success: true}, nil
}
