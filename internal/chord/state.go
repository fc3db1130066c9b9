package chord

import (
	"math/big"
	"sync"

	"github.com/zde37/chordring/pkg/hash"
)

// RingState holds a node's view of the ring: its own identity, predecessor,
// successor and finger table. One lock guards all of it so that readers always
// see a consistent combination of pointers.
//
// Callers never hold the lock across a remote call. Code that decides on a
// change from a snapshot commits it with one of the CompareAndSwap methods,
// which fail if the pointer moved in the meantime.
type RingState struct {
	mu sync.RWMutex

	space       *hash.Space
	self        *NodeRef
	predecessor *NodeRef // nil when unknown
	successor   *NodeRef // never nil; self when alone
	fingers     []*FingerEntry
}

// Snapshot is a consistent, deep-copied view of a RingState.
type Snapshot struct {
	Self        *NodeRef
	Predecessor *NodeRef
	Successor   *NodeRef
	Fingers     []*FingerEntry
}

func newRingState(space *hash.Space, self *NodeRef) *RingState {
	s := &RingState{
		space:   space,
		self:    self.Copy(),
		fingers: make([]*FingerEntry, space.Bits()),
	}
	for i := range s.fingers {
		s.fingers[i] = &FingerEntry{Start: space.AddPowerOfTwo(self.ID, i)}
	}
	s.resetLocked()
	return s
}

// resetLocked makes the node a ring of one.
func (s *RingState) resetLocked() {
	s.predecessor = nil
	s.successor = s.self.Copy()
	for _, f := range s.fingers {
		f.Node = s.self.Copy()
	}
}

func (s *RingState) isSelf(n *NodeRef) bool {
	return n != nil && n.SameID(s.self)
}

// Self returns the local node's ref.
func (s *RingState) Self() *NodeRef {
	return s.self.Copy()
}

// Snapshot returns a deep copy of the whole state.
func (s *RingState) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fingers := make([]*FingerEntry, len(s.fingers))
	for i, f := range s.fingers {
		fingers[i] = f.Copy()
	}
	return Snapshot{
		Self:        s.self.Copy(),
		Predecessor: s.predecessor.Copy(),
		Successor:   s.successor.Copy(),
		Fingers:     fingers,
	}
}

// Predecessor returns the current predecessor, or nil.
func (s *RingState) Predecessor() *NodeRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.predecessor.Copy()
}

// Successor returns the current successor.
func (s *RingState) Successor() *NodeRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.successor.Copy()
}

// IsAlone reports whether the node is its own successor.
func (s *RingState) IsAlone() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isSelf(s.successor)
}

// Reset returns the node to a ring of one.
func (s *RingState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

// SetPredecessor overwrites the predecessor. A ref carrying the local id clears it.
// It reports whether the value changed.
func (s *RingState) SetPredecessor(n *NodeRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isSelf(n) {
		n = nil
	}
	if s.predecessor.Equals(n) {
		return false
	}
	s.predecessor = n.Copy()
	return true
}

// SetSuccessor overwrites the successor. nil makes the node its own successor.
// It reports whether the value changed.
func (s *RingState) SetSuccessor(n *NodeRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n == nil || s.isSelf(n) {
		n = s.self
	}
	if s.successor.Equals(n) {
		return false
	}
	s.successor = n.Copy()
	s.fingers[0].Node = n.Copy()
	return true
}

// CompareAndSwapSuccessor replaces the successor with next only if it is still old.
func (s *RingState) CompareAndSwapSuccessor(old, next *NodeRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.successor.Equals(old) {
		return false
	}
	if next == nil || s.isSelf(next) {
		next = s.self
	}
	s.successor = next.Copy()
	s.fingers[0].Node = next.Copy()
	return true
}

// CompareAndSwapPredecessor replaces the predecessor with next only if it is still old.
// nil matches an unset predecessor.
func (s *RingState) CompareAndSwapPredecessor(old, next *NodeRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.predecessor.Equals(old) {
		return false
	}
	if s.isSelf(next) {
		next = nil
	}
	s.predecessor = next.Copy()
	return true
}

// Join installs the pointers learned while joining and points every finger at
// the successor until the next refresh. It commits only if the successor is
// still expected. A predecessor accepted while the join was in flight is kept
// unless predecessor lies closer. It reports whether the join was committed.
func (s *RingState) Join(expected, successor, predecessor *NodeRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.successor.Equals(expected) {
		return false
	}
	s.successor = successor.Copy()
	if s.isSelf(predecessor) {
		predecessor = nil
	}
	current := s.predecessor
	if current == nil || s.isSelf(current) ||
		(predecessor != nil && s.space.Between(predecessor.ID, current.ID, s.self.ID)) {
		s.predecessor = predecessor.Copy()
	}
	for _, f := range s.fingers {
		f.Node = successor.Copy()
	}
	return true
}

// OfferPredecessor applies the notify rule: candidate becomes the predecessor if
// none is set, if the current one is the node itself, or if candidate lies strictly
// between the current predecessor and the node. It returns the predecessor as it was
// before the call and whether candidate was accepted.
func (s *RingState) OfferPredecessor(candidate *NodeRef) (*NodeRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.predecessor.Copy()
	if candidate == nil || candidate.ID == nil || s.isSelf(candidate) {
		return prev, false
	}
	if s.predecessor != nil && !s.isSelf(s.predecessor) &&
		!s.space.Between(candidate.ID, s.predecessor.ID, s.self.ID) {
		return prev, false
	}
	if s.predecessor.Equals(candidate) {
		return prev, false
	}
	s.predecessor = candidate.Copy()
	return prev, true
}

// ClearSelfPredecessor drops a predecessor that carries the local id.
func (s *RingState) ClearSelfPredecessor() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isSelf(s.predecessor) {
		s.predecessor = nil
		return true
	}
	return false
}

// Finger returns a copy of finger i, or nil when i is out of range.
func (s *RingState) Finger(i int) *FingerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i < 0 || i >= len(s.fingers) {
		return nil
	}
	return s.fingers[i].Copy()
}

// SetFinger points finger i at n. Finger 0 mirrors the successor and is left alone.
func (s *RingState) SetFinger(i int, n *NodeRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i <= 0 || i >= len(s.fingers) {
		return false
	}
	if s.fingers[i].Node.Equals(n) {
		return false
	}
	s.fingers[i].Node = n.Copy()
	return true
}

// Fingers returns a copy of the finger table.
func (s *RingState) Fingers() []*FingerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*FingerEntry, len(s.fingers))
	for i, f := range s.fingers {
		out[i] = f.Copy()
	}
	return out
}

// PurgeNode empties every finger pointing at id.
func (s *RingState) PurgeNode(id *big.Int) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for i, f := range s.fingers {
		if i == 0 || f.Node == nil || f.Node.ID.Cmp(id) != 0 {
			continue
		}
		f.Node = nil
		purged++
	}
	return purged
}

// Collapse resets the node to a ring of one if its successor is still dead.
func (s *RingState) Collapse(dead *NodeRef) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.successor.Equals(dead) {
		return false
	}
	s.resetLocked()
	return true
}

// closestPrecedingLocked scans the fingers from the top and returns the first
// one strictly between the node and key. Empty slots and the node itself are
// skipped. With no such finger it falls back to the successor.
func (s *RingState) closestPrecedingLocked(key *big.Int) *NodeRef {
	for i := len(s.fingers) - 1; i >= 0; i-- {
		n := s.fingers[i].Node
		if n == nil || s.isSelf(n) {
			continue
		}
		if s.space.Between(n.ID, s.self.ID, key) {
			return n
		}
	}
	return s.successor
}

// ClosestPreceding is the locked form of closestPrecedingLocked.
func (s *RingState) ClosestPreceding(key *big.Int) *NodeRef {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closestPrecedingLocked(key).Copy()
}

// Route decides the next step of a lookup for key. When the successor owns key
// next is nil and the answer is succ; otherwise the lookup continues at next.
func (s *RingState) Route(key *big.Int) (succ, next *NodeRef) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	succ = s.successor.Copy()
	if s.isSelf(s.successor) || s.space.BetweenRightIncl(key, s.self.ID, s.successor.ID) {
		return succ, nil
	}
	next = s.closestPrecedingLocked(key)
	if s.isSelf(next) {
		return succ, nil
	}
	return succ, next.Copy()
}
