package chord

import (
	"context"
	"fmt"
	"math/big"
)

// NodeRef identifies a peer in the ring by its identifier and network address.
// Values are treated as immutable: accessors hand out copies.
type NodeRef struct {
	ID   *big.Int // Node identifier in the ring (0 to 2^capacity - 1)
	Host string   // Network host (IP address or hostname)
	Port int      // Network port
}

// NewNodeRef creates a new NodeRef with the given parameters.
// The ID is copied to prevent external modification.
func NewNodeRef(id *big.Int, host string, port int) *NodeRef {
	ref := &NodeRef{
		ID:   new(big.Int),
		Host: host,
		Port: port,
	}
	if id != nil {
		ref.ID.Set(id)
	}
	return ref
}

// String returns a human-readable representation of the node.
// Format: "NodeRef{ID: <hex>, Addr: <host>:<port>}"
func (n *NodeRef) String() string {
	if n == nil {
		return "NodeRef{nil}"
	}
	return fmt.Sprintf("NodeRef{ID: %s, Addr: %s:%d}", n.ID.Text(16), n.Host, n.Port)
}

// Address returns the network address in "host:port" format.
func (n *NodeRef) Address() string {
	if n == nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// Equals checks if two NodeRefs denote the same peer (same ID, host and port).
func (n *NodeRef) Equals(other *NodeRef) bool {
	if n == nil && other == nil {
		return true
	}
	if n == nil || other == nil {
		return false
	}
	if n.ID == nil || other.ID == nil {
		return n.ID == other.ID && n.Host == other.Host && n.Port == other.Port
	}
	return n.ID.Cmp(other.ID) == 0 &&
		n.Host == other.Host &&
		n.Port == other.Port
}

// SameID reports whether both refs carry the same identifier.
func (n *NodeRef) SameID(other *NodeRef) bool {
	if n == nil || other == nil || n.ID == nil || other.ID == nil {
		return false
	}
	return n.ID.Cmp(other.ID) == 0
}

// Copy creates a deep copy of the NodeRef.
func (n *NodeRef) Copy() *NodeRef {
	if n == nil {
		return nil
	}
	return NewNodeRef(n.ID, n.Host, n.Port)
}

// shortID is the first 8 hex digits of the node id, for log fields.
func (n *NodeRef) shortID() string {
	if n == nil || n.ID == nil {
		return "nil"
	}
	return truncateHex(n.ID.Text(16), 8)
}

// truncateHex safely truncates a hex string to the specified length.
func truncateHex(hexStr string, maxLen int) string {
	if len(hexStr) > maxLen {
		return hexStr[:maxLen]
	}
	return hexStr
}

// FingerEntry is one row of the finger table.
// Node should be the successor of Start; it may be stale between refreshes or nil.
type FingerEntry struct {
	Start *big.Int
	Node  *NodeRef
}

// NewFingerEntry creates a finger table entry.
func NewFingerEntry(start *big.Int, node *NodeRef) *FingerEntry {
	entry := &FingerEntry{Start: new(big.Int)}
	if start != nil {
		entry.Start.Set(start)
	}
	entry.Node = node.Copy()
	return entry
}

// Copy creates a deep copy of the entry.
func (f *FingerEntry) Copy() *FingerEntry {
	if f == nil {
		return nil
	}
	return NewFingerEntry(f.Start, f.Node)
}

// NodeInfo is the answer to GET_INFO: a peer's identity and its ring pointers.
type NodeInfo struct {
	Node        *NodeRef
	Capacity    int
	Predecessor *NodeRef // nil when unset
	Successor   *NodeRef
}

// RemoteClient is the outbound half of the peer protocol.
// The transport implements it; the ring logic never imports the transport.
// Every call must honour ctx cancellation and deadlines.
type RemoteClient interface {
	// Ping checks that the peer at address answers.
	Ping(ctx context.Context, address string) error

	// FindSuccessor asks the peer to resolve the owner of id.
	// hops is the number of forwards already spent on this lookup.
	FindSuccessor(ctx context.Context, address string, id *big.Int, hops int) (*NodeRef, error)

	// FindSuccessorWithPath is FindSuccessor that also returns the peers visited
	// from address onwards.
	FindSuccessorWithPath(ctx context.Context, address string, id *big.Int, hops int) (*NodeRef, []*NodeRef, error)

	// Notify tells the peer that node might be its predecessor.
	// It returns the peer's predecessor as it was before the call.
	Notify(ctx context.Context, address string, node *NodeRef) (*NodeRef, error)

	// GetInfo fetches the peer's identity, capacity and pointers.
	GetInfo(ctx context.Context, address string) (*NodeInfo, error)

	// SetPredecessor overwrites the peer's predecessor (nil clears it).
	SetPredecessor(ctx context.Context, address string, node *NodeRef) error

	// SetSuccessor overwrites the peer's successor (nil makes it its own successor).
	SetSuccessor(ctx context.Context, address string, node *NodeRef) error

	// Stabilize asks the peer to run a stabilization pass now.
	Stabilize(ctx context.Context, address string) error
}
