package node

import (
	"errors"
	"fmt"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

var (
	// ErrNoOwner means the ring is empty, typically because the node has not joined.
	ErrNoOwner = errors.New("no owner for key")
	// ErrNotOwner is the answer of a node that no longer owns the key.
	ErrNotOwner = errors.New("target is not the owner")
	// ErrTimeout means the owner did not answer in time.
	ErrTimeout = errors.New("forward timed out")
	// ErrTooLarge means the key or value cannot be carried in one datagram. It is never retried.
	ErrTooLarge = errors.New("message exceeds datagram size")
)

// RoutingError is a key operation that could not be completed against its owner.
type RoutingError struct {
	Op    string
	Key   string
	Owner gossip.NodeID
	Err   error
}

func (e *RoutingError) Error() string {
	if e.Owner.IsZero() {
		return fmt.Sprintf("route %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("route %s %q via %s: %v", e.Op, e.Key, e.Owner, e.Err)
}

func (e *RoutingError) Unwrap() error { return e.Err }
