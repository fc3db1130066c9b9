package hash

import (
	"crypto/sha256"
	"fmt"
	"math/big"
)

const (
	// MinBits and MaxBits bound the identifier space width.
	MinBits = 1
	MaxBits = 256
)

var (
	zero = big.NewInt(0)
	one  = big.NewInt(1)
)

// Space is a circular identifier space of size 2^Bits.
// All ring arithmetic (hashing, interval membership, finger starts) goes through it,
// so every node of a ring must be built with the same width.
type Space struct {
	bits     int
	ringSize *big.Int
}

// NewSpace creates an identifier space of the given width in bits.
func NewSpace(bits int) (*Space, error) {
	if bits < MinBits || bits > MaxBits {
		return nil, fmt.Errorf("identifier space must be between %d and %d bits, got %d", MinBits, MaxBits, bits)
	}
	return &Space{
		bits:     bits,
		ringSize: new(big.Int).Lsh(one, uint(bits)),
	}, nil
}

// MustSpace is like NewSpace but panics on an invalid width.
func MustSpace(bits int) *Space {
	s, err := NewSpace(bits)
	if err != nil {
		panic(err)
	}
	return s
}

// Bits returns the width of the space.
func (s *Space) Bits() int {
	return s.bits
}

// HashKey hashes arbitrary data into the space using SHA-256.
// The full digest is reduced modulo 2^Bits.
func (s *Space) HashKey(data []byte) *big.Int {
	sum := sha256.Sum256(data)
	return s.Mod(new(big.Int).SetBytes(sum[:]))
}

// HashString hashes a string into the space.
func (s *Space) HashString(str string) *big.Int {
	return s.HashKey([]byte(str))
}

// HashAddress hashes a network endpoint ("host:port") into the space.
// This is how node identifiers are derived.
func (s *Space) HashAddress(host string, port int) *big.Int {
	return s.HashString(fmt.Sprintf("%s:%d", host, port))
}

// InRange reports whether id lies on the arc from start to end, walking clockwise.
// The flags choose whether each endpoint belongs to the arc.
//
// When start == end the arc is the full ring and every id matches.
//
// Examples (inclusiveStart=false, inclusiveEnd=true):
//   - InRange(5, 3, 7) = true
//   - InRange(3, 3, 7) = false
//   - InRange(1, 8, 3) = true    // wraps past zero
//   - InRange(5, 8, 3) = false
func (s *Space) InRange(id, start, end *big.Int, inclusiveStart, inclusiveEnd bool) bool {
	if id == nil || start == nil || end == nil {
		return false
	}

	id = s.Mod(id)
	start = s.Mod(start)
	end = s.Mod(end)

	cmpStart := id.Cmp(start)
	cmpEnd := id.Cmp(end)

	afterStart := cmpStart > 0 || (inclusiveStart && cmpStart == 0)
	beforeEnd := cmpEnd < 0 || (inclusiveEnd && cmpEnd == 0)

	switch start.Cmp(end) {
	case -1:
		return afterStart && beforeEnd
	case 1:
		// Wraparound: (start, 2^Bits) or [0, end)
		return afterStart || beforeEnd
	default:
		return true
	}
}

// Between checks if id is in the open arc (start, end).
func (s *Space) Between(id, start, end *big.Int) bool {
	return s.InRange(id, start, end, false, false)
}

// BetweenRightIncl checks if id is in the half-open arc (start, end].
func (s *Space) BetweenRightIncl(id, start, end *big.Int) bool {
	return s.InRange(id, start, end, false, true)
}

// Distance computes the clockwise distance from start to end.
func (s *Space) Distance(start, end *big.Int) *big.Int {
	if start == nil || end == nil {
		return new(big.Int)
	}
	return s.Mod(new(big.Int).Sub(end, start))
}

// PowerOfTwo returns 2^exponent.
func PowerOfTwo(exponent int) *big.Int {
	if exponent < 0 {
		return new(big.Int)
	}
	return new(big.Int).Lsh(one, uint(exponent))
}

// AddPowerOfTwo computes (n + 2^exponent) mod 2^Bits.
// finger[i].start is AddPowerOfTwo(self, i).
func (s *Space) AddPowerOfTwo(n *big.Int, exponent int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return s.Mod(new(big.Int).Add(n, PowerOfTwo(exponent)))
}

// Mod returns x mod 2^Bits in [0, 2^Bits).
func (s *Space) Mod(x *big.Int) *big.Int {
	// big.Int.Mod is Euclidean, so the result is never negative.
	return new(big.Int).Mod(x, s.ringSize)
}

// Size returns 2^Bits.
func (s *Space) Size() *big.Int {
	return new(big.Int).Set(s.ringSize)
}

// MaxID returns 2^Bits - 1.
func (s *Space) MaxID() *big.Int {
	return new(big.Int).Sub(s.ringSize, one)
}

// IsValidID checks if an ID is within [0, 2^Bits).
func (s *Space) IsValidID(id *big.Int) bool {
	if id == nil {
		return false
	}
	return id.Cmp(zero) >= 0 && id.Cmp(s.ringSize) < 0
}
