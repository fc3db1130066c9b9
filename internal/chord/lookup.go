package chord

import (
	"context"
	"errors"
	"fmt"
	"math/big"
)

// FindSuccessor returns the node responsible for id: the first node whose id is
// equal to or follows id on the ring.
func (n *Node) FindSuccessor(ctx context.Context, id *big.Int) (*NodeRef, error) {
	succ, _, err := n.lookup(ctx, id, 0, false)
	return succ, err
}

// ForwardFindSuccessor serves a FIND_SUCCESSOR that already travelled hops forwards.
func (n *Node) ForwardFindSuccessor(ctx context.Context, id *big.Int, hops int) (*NodeRef, error) {
	succ, _, err := n.lookup(ctx, id, hops, false)
	return succ, err
}

// FindSuccessorWithPath is FindSuccessor that also reports every node the lookup
// visited, starting with this one.
func (n *Node) FindSuccessorWithPath(ctx context.Context, id *big.Int) (*NodeRef, []*NodeRef, error) {
	succ, path, err := n.lookup(ctx, id, 0, true)
	if err == nil {
		n.metrics.ObserveLookup(len(path) - 1)
	}
	return succ, path, err
}

// ForwardFindSuccessorWithPath serves a traced FIND_SUCCESSOR from a peer.
func (n *Node) ForwardFindSuccessorWithPath(ctx context.Context, id *big.Int, hops int) (*NodeRef, []*NodeRef, error) {
	return n.lookup(ctx, id, hops, true)
}

// Lookup hashes key into the identifier space and resolves its owner.
func (n *Node) Lookup(ctx context.Context, key string) (*big.Int, *NodeRef, []*NodeRef, error) {
	id := n.space.HashString(key)
	succ, path, err := n.FindSuccessorWithPath(ctx, id)
	return id, succ, path, err
}

// lookup answers locally when the successor owns id and otherwise forwards to the
// closest preceding finger. Each forward increments hops; a request arriving
// with hops at or above the capacity is refused, which bounds routing loops
// caused by inconsistent pointers.
func (n *Node) lookup(ctx context.Context, id *big.Int, hops int, trace bool) (*NodeRef, []*NodeRef, error) {
	if id == nil || id.Sign() < 0 || !n.space.IsValidID(id) {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidID, id)
	}
	if n.IsShutdown() {
		return nil, nil, ErrShutdown
	}
	if hops >= n.space.Bits() {
		n.logger.Warn().
			Str("key", truncateHex(id.Text(16), 8)).
			Int("hops", hops).
			Msg("Lookup dropped at hop limit")
		return nil, nil, ErrHopLimit
	}

	var path []*NodeRef
	if trace {
		path = []*NodeRef{n.state.Self()}
	}

	succ, next := n.state.Route(id)
	if next == nil {
		return succ, path, nil
	}
	if n.remote == nil {
		return nil, path, ErrNoRemote
	}

	n.logger.Trace().
		Str("key", truncateHex(id.Text(16), 8)).
		Str("next", next.Address()).
		Int("hops", hops).
		Msg("Forwarding lookup")

	cctx, cancel := n.rpcContext(ctx)
	defer cancel()

	var (
		found *NodeRef
		rest  []*NodeRef
		err   error
	)
	if trace {
		found, rest, err = n.remote.FindSuccessorWithPath(cctx, next.Address(), id, hops+1)
		path = append(path, rest...)
	} else {
		found, err = n.remote.FindSuccessor(cctx, next.Address(), id, hops+1)
	}
	if err != nil {
		n.metrics.RPCFailed("find_successor")
		if errors.Is(err, ErrHopLimit) {
			return nil, path, err
		}
		return nil, path, unavailable("forward lookup to", next.Address(), err)
	}
	if found == nil || found.ID == nil {
		n.metrics.RPCFailed("find_successor")
		return nil, path, unavailable("forward lookup to", next.Address(), errMalformed)
	}
	return found, path, nil
}
