package transport

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

// Compile-time check to ensure GRPCClient implements chord.RemoteClient
var _ chord.RemoteClient = (*GRPCClient)(nil)

// GRPCClient manages connections to remote ring nodes.
type GRPCClient struct {
	logger *pkg.Logger

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	// Timeout applied when the caller's context has no deadline
	timeout time.Duration
}

// NewGRPCClient creates a new gRPC client.
func NewGRPCClient(logger *pkg.Logger, timeout time.Duration) *GRPCClient {
	if logger == nil {
		logger = pkg.NewNop()
	}

	return &GRPCClient{
		logger:      logger.Component("grpc_client"),
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
}

// getConnection returns a connection to the given address, creating one if needed.
// Connections are established lazily by gRPC; an unreachable peer surfaces as
// Unavailable on the first call.
func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = c.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	newConn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create client for %s: %v", chord.ErrUnavailable, address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

// invoke performs one unary call, bounding it by the client timeout when ctx has
// no deadline of its own.
func (c *GRPCClient) invoke(ctx context.Context, address, method string, req, resp any) error {
	conn, err := c.getConnection(address)
	if err != nil {
		return err
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	if err := conn.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return fromStatus(method, address, err)
	}
	return nil
}

// fromStatus maps a failed call to the ring's error kinds. Only the hop limit and
// invalid ids are told apart; everything else is ErrUnavailable.
func fromStatus(method, address string, err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.ResourceExhausted:
		return fmt.Errorf("%s RPC to %s failed: %w", method, address, chord.ErrHopLimit)
	case codes.InvalidArgument:
		return fmt.Errorf("%s RPC to %s failed: %w: %s", method, address, chord.ErrInvalidID, st.Message())
	default:
		return fmt.Errorf("%s RPC to %s failed: %w: %s: %s", method, address, chord.ErrUnavailable, st.Code(), st.Message())
	}
}

func malformed(method, address, what string) error {
	return fmt.Errorf("%s RPC to %s failed: %w: malformed response: %s", method, address, chord.ErrUnavailable, what)
}

// Ping calls the Ping RPC on a remote node.
func (c *GRPCClient) Ping(ctx context.Context, address string) error {
	resp := &PingResponse{}
	return c.invoke(ctx, address, "Ping", &PingRequest{Message: "ping"}, resp)
}

// FindSuccessor calls the FindSuccessor RPC on a remote node.
func (c *GRPCClient) FindSuccessor(ctx context.Context, address string, id *big.Int, hops int) (*chord.NodeRef, error) {
	req := &FindSuccessorRequest{
		ID:   id.Bytes(),
		Hops: int32(hops),
	}
	resp := &FindSuccessorResponse{}
	if err := c.invoke(ctx, address, "FindSuccessor", req, resp); err != nil {
		return nil, err
	}
	if resp.Successor == nil {
		return nil, malformed("FindSuccessor", address, "missing successor")
	}
	return wireToNodeRef(resp.Successor), nil
}

// FindSuccessorWithPath calls the FindSuccessorWithPath RPC on a remote node.
// The remote node returns its routing path.
func (c *GRPCClient) FindSuccessorWithPath(ctx context.Context, address string, id *big.Int, hops int) (*chord.NodeRef, []*chord.NodeRef, error) {
	req := &FindSuccessorRequest{
		ID:   id.Bytes(),
		Hops: int32(hops),
	}
	resp := &FindSuccessorWithPathResponse{}
	if err := c.invoke(ctx, address, "FindSuccessorWithPath", req, resp); err != nil {
		return nil, nil, err
	}
	if resp.Successor == nil {
		return nil, nil, malformed("FindSuccessorWithPath", address, "missing successor")
	}
	return wireToNodeRef(resp.Successor), wireToNodeRefs(resp.Path), nil
}

// Notify calls the Notify RPC on a remote node and returns its previous predecessor.
func (c *GRPCClient) Notify(ctx context.Context, address string, node *chord.NodeRef) (*chord.NodeRef, error) {
	req := &NotifyRequest{
		Node: nodeRefToWire(node),
	}
	resp := &NotifyResponse{}
	if err := c.invoke(ctx, address, "Notify", req, resp); err != nil {
		return nil, err
	}
	return wireToNodeRef(resp.PreviousPredecessor), nil
}

// GetInfo calls the GetInfo RPC on a remote node.
func (c *GRPCClient) GetInfo(ctx context.Context, address string) (*chord.NodeInfo, error) {
	resp := &GetInfoResponse{}
	if err := c.invoke(ctx, address, "GetInfo", &GetInfoRequest{}, resp); err != nil {
		return nil, err
	}
	if resp.Node == nil || resp.Successor == nil {
		return nil, malformed("GetInfo", address, "missing node or successor")
	}
	return &chord.NodeInfo{
		Node:        wireToNodeRef(resp.Node),
		Capacity:    int(resp.Capacity),
		Predecessor: wireToNodeRef(resp.Predecessor),
		Successor:   wireToNodeRef(resp.Successor),
	}, nil
}

// SetPredecessor calls the SetPredecessor RPC on a remote node.
func (c *GRPCClient) SetPredecessor(ctx context.Context, address string, node *chord.NodeRef) error {
	resp := &Ack{}
	if err := c.invoke(ctx, address, "SetPredecessor", &SetNodeRequest{Node: nodeRefToWire(node)}, resp); err != nil {
		return err
	}
	if !resp.Success {
		return malformed("SetPredecessor", address, "not acknowledged")
	}
	return nil
}

// SetSuccessor calls the SetSuccessor RPC on a remote node.
func (c *GRPCClient) SetSuccessor(ctx context.Context, address string, node *chord.NodeRef) error {
	resp := &Ack{}
	if err := c.invoke(ctx, address, "SetSuccessor", &SetNodeRequest{Node: nodeRefToWire(node)}, resp); err != nil {
		return err
	}
	if !resp.Success {
		return malformed("SetSuccessor", address, "not acknowledged")
	}
	return nil
}

// Stabilize calls the Stabilize RPC on a remote node.
func (c *GRPCClient) Stabilize(ctx context.Context, address string) error {
	resp := &Ack{}
	if err := c.invoke(ctx, address, "Stabilize", &StabilizeRequest{}, resp); err != nil {
		return err
	}
	if !resp.Success {
		return malformed("Stabilize", address, "not acknowledged")
	}
	return nil
}

// Close closes all connections.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.logger.Info().
		Int("connections", len(c.connections)).
		Msg("Closing all gRPC connections")

	for address, conn := range c.connections {
		if err := conn.Close(); err != nil {
			c.logger.Error().
				Err(err).
				Str("address", address).
				Msg("Failed to close connection")
		}
	}

	c.connections = make(map[string]*grpc.ClientConn)
	return nil
}
