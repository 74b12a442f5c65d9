package gossip

import (
	"errors"
	"fmt"
)

var (
	// ErrStateTransfer is returned by Join when the initial membership
	// snapshot could not be obtained. The node is left in the Left state.
	ErrStateTransfer = errors.New("initial state transfer failed")
	// ErrNoSnapshot means no peer delivered a snapshot before the deadline.
	ErrNoSnapshot = errors.New("no snapshot received")
	// ErrClosed is returned by inboxes after Close.
	ErrClosed = errors.New("transport closed")
)

// ProtocolError is an invalid membership state transition.
type ProtocolError struct {
	Op     string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

// TransportError is a send or receive failure on the membership network.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
