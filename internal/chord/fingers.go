package chord

import (
	"context"
	"math/big"
	"sync"

	"github.com/zde37/chordring/internal/config"
)

// FingerRefresher decides which finger entries a stabilization pass recomputes.
type FingerRefresher interface {
	// Refresh updates some or all fingers of n and returns how many changed.
	Refresh(ctx context.Context, n *Node) int
}

func newFingerRefresher(policy string) FingerRefresher {
	if policy == config.FingerRefreshIncremental {
		return &incrementalRefresh{next: 1}
	}
	return fullRefresh{}
}

// fullRefresh recomputes every entry on each pass. A failed lookup leaves that
// entry as it was and the pass moves on, unless the successor no longer answers.
type fullRefresh struct{}

func (fullRefresh) Refresh(ctx context.Context, n *Node) int {
	changed := 0
	checked := false
	for i := 1; i < n.space.Bits(); i++ {
		if ctx.Err() != nil {
			return changed
		}
		ok, updated := n.fixFinger(ctx, i)
		if updated {
			changed++
		}
		if ok || checked {
			continue
		}
		checked = true
		if succ := n.state.Successor(); !n.alive(ctx, succ) {
			return changed
		}
	}
	return changed
}

// incrementalRefresh recomputes one entry per pass, round robin.
type incrementalRefresh struct {
	mu   sync.Mutex
	next int
}

func (r *incrementalRefresh) Refresh(ctx context.Context, n *Node) int {
	r.mu.Lock()
	i := r.next
	r.next++
	if r.next >= n.space.Bits() {
		r.next = 1
	}
	r.mu.Unlock()

	if i >= n.space.Bits() {
		return 0
	}
	if _, updated := n.fixFinger(ctx, i); updated {
		return 1
	}
	return 0
}

// BuildFingers refreshes the finger table with the configured policy.
// Entry 0 always mirrors the successor and is not looked up.
func (n *Node) BuildFingers(ctx context.Context) int {
	changed := n.refresher.Refresh(ctx, n)
	n.metrics.FingersUpdated(changed)
	n.metrics.SetNeighbours(n.countNeighbours())
	if changed > 0 {
		n.logger.Debug().Int("changed", changed).Msg("Finger table refreshed")
	}
	return changed
}

// fixFinger resolves the successor of finger i's start and stores it.
// ok is false when the lookup failed and the entry was left as it was.
func (n *Node) fixFinger(ctx context.Context, i int) (ok, updated bool) {
	entry := n.state.Finger(i)
	if entry == nil {
		return false, false
	}

	node, err := n.resolveFinger(ctx, entry.Start)
	if err != nil {
		n.logger.Debug().
			Err(err).
			Int("finger", i).
			Msg("Failed to resolve finger")
		return false, false
	}
	return true, n.state.SetFinger(i, node)
}

// resolveFinger finds the successor of start. Starts that fall between the node
// and its successor are answered locally; everything else is asked of the successor.
func (n *Node) resolveFinger(ctx context.Context, start *big.Int) (*NodeRef, error) {
	self := n.state.Self()
	succ := n.state.Successor()
	if n.isSelf(succ) || n.space.BetweenRightIncl(start, self.ID, succ.ID) {
		return succ, nil
	}
	if n.remote == nil {
		return nil, ErrNoRemote
	}

	cctx, cancel := n.rpcContext(ctx)
	defer cancel()

	node, err := n.remote.FindSuccessor(cctx, succ.Address(), start, 0)
	if err != nil {
		n.metrics.RPCFailed("find_successor")
		return nil, unavailable("find successor via", succ.Address(), err)
	}
	if node == nil || node.ID == nil {
		n.metrics.RPCFailed("find_successor")
		return nil, unavailable("find successor via", succ.Address(), errMalformed)
	}
	return node, nil
}

// countNeighbours counts the distinct peers the node currently references.
func (n *Node) countNeighbours() int {
	snap := n.state.Snapshot()
	seen := make(map[string]struct{})
	add := func(ref *NodeRef) {
		if ref == nil || n.isSelf(ref) {
			return
		}
		seen[ref.Address()] = struct{}{}
	}
	add(snap.Predecessor)
	add(snap.Successor)
	for _, f := range snap.Fingers {
		add(f.Node)
	}
	return len(seen)
}
