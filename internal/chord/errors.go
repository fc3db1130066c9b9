package chord

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable covers every failed exchange with a peer: timeouts, refused
	// connections and malformed answers alike.
	ErrUnavailable = errors.New("peer unavailable")

	// ErrHopLimit is returned when a lookup is forwarded more than capacity times.
	// It is a kind of ErrUnavailable.
	ErrHopLimit = fmt.Errorf("%w: lookup hop limit exceeded", ErrUnavailable)

	// ErrCapacityMismatch is returned by Join when the bootstrap ring uses another id width.
	ErrCapacityMismatch = errors.New("ring capacity mismatch")

	// ErrIdentifierCollision is returned by Join when another peer already owns this node's id.
	ErrIdentifierCollision = errors.New("identifier collision")

	// ErrNoRemote is returned when an operation needs the network but no client is set.
	ErrNoRemote = errors.New("remote client not set")

	// ErrInvalidID is returned for a nil or out-of-space identifier.
	ErrInvalidID = errors.New("invalid identifier")

	// ErrShutdown is returned by operations on a node that has shut down.
	ErrShutdown = errors.New("node is shut down")

	errMalformed = errors.New("malformed response")
)

// unavailable wraps err as ErrUnavailable unless it already is one.
func unavailable(op, address string, err error) error {
	if errors.Is(err, ErrUnavailable) {
		return fmt.Errorf("%s %s: %w", op, address, err)
	}
	return fmt.Errorf("%s %s: %w: %v", op, address, ErrUnavailable, err)
}
