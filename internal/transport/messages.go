package transport

import (
	"math/big"

	"github.com/zde37/chordring/internal/chord"
)

// Node is a peer on the wire. ID holds the big-endian bytes of the identifier;
// an empty ID is identifier zero.
type Node struct {
	ID   []byte `json:"id"`
	Host string `json:"host"`
	Port int32  `json:"port"`
}

type PingRequest struct {
	Message string `json:"message,omitempty"`
}

type PingResponse struct {
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type FindSuccessorRequest struct {
	ID   []byte `json:"id"`
	Hops int32  `json:"hops"`
}

type FindSuccessorResponse struct {
	Successor *Node `json:"successor"`
}

type FindSuccessorWithPathResponse struct {
	Successor *Node   `json:"successor"`
	Path      []*Node `json:"path"`
}

type NotifyRequest struct {
	Node *Node `json:"node"`
}

// NotifyResponse carries the receiver's predecessor from before the notify.
type NotifyResponse struct {
	PreviousPredecessor *Node `json:"previous_predecessor,omitempty"`
}

type GetInfoRequest struct{}

type GetInfoResponse struct {
	Node        *Node `json:"node"`
	Capacity    int32 `json:"capacity"`
	Predecessor *Node `json:"predecessor,omitempty"`
	Successor   *Node `json:"successor"`
}

// SetNodeRequest carries the new value of a pointer; a nil Node clears it.
type SetNodeRequest struct {
	Node *Node `json:"node,omitempty"`
}

type StabilizeRequest struct{}

type Ack struct {
	Success bool `json:"success"`
}

// nodeRefToWire converts a chord.NodeRef to its wire form.
func nodeRefToWire(ref *chord.NodeRef) *Node {
	if ref == nil {
		return nil
	}
	var id []byte
	if ref.ID != nil {
		id = ref.ID.Bytes()
	}
	return &Node{
		ID:   id,
		Host: ref.Host,
		Port: int32(ref.Port),
	}
}

// wireToNodeRef converts a wire Node to a chord.NodeRef.
func wireToNodeRef(n *Node) *chord.NodeRef {
	if n == nil {
		return nil
	}
	return chord.NewNodeRef(new(big.Int).SetBytes(n.ID), n.Host, int(n.Port))
}

func nodeRefsToWire(refs []*chord.NodeRef) []*Node {
	out := make([]*Node, len(refs))
	for i, ref := range refs {
		out[i] = nodeRefToWire(ref)
	}
	return out
}

func wireToNodeRefs(nodes []*Node) []*chord.NodeRef {
	out := make([]*chord.NodeRef, len(nodes))
	for i, n := range nodes {
		out[i] = wireToNodeRef(n)
	}
	return out
}
