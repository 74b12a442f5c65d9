// Package gossiptest provides an in-process membership transport for tests.
package gossiptest

import (
	"context"
	"errors"
	"sync"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

var errRefused = errors.New("connection refused")

// Network is a gossip.Transport shared by every node of an in-process
// cluster. Announcements are delivered to all subscribers; snapshots go to
// the node that opened a snapshot inbox under the target id.
type Network struct {
	mu        sync.Mutex
	subs      map[*inbox]struct{}
	snaps     map[gossip.NodeID]*snapshotInbox
	announced []gossip.Event
	drop      func(gossip.Event) bool
	fault     error
}

func NewNetwork() *Network {
	return &Network{
		subs:  make(map[*inbox]struct{}),
		snaps: make(map[gossip.NodeID]*snapshotInbox),
	}
}

// DropAnnouncements makes the network silently lose announcements for which fn returns true.
func (n *Network) DropAnnouncements(fn func(gossip.Event) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// BreakSnapshots makes every snapshot transfer fail mid-way with err; nil restores.
func (n *Network) BreakSnapshots(err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fault = err
}

// Announced returns every announcement sent so far, lost ones included.
func (n *Network) Announced() []gossip.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]gossip.Event(nil), n.announced...)
}

// OpenSnapshotInboxes reports how many snapshot listeners are open.
func (n *Network) OpenSnapshotInboxes() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.snaps)
}

// Subscribers reports how many announcement inboxes are open.
func (n *Network) Subscribers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

func (n *Network) Announce(_ context.Context, ev gossip.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.announced = append(n.announced, ev)
	if n.drop != nil && n.drop(ev) {
		return nil
	}
	for in := range n.subs {
		select {
		case in.ch <- ev:
		default:
			// full inbox behaves like a lost datagram
		}
	}
	return nil
}

func (n *Network) Subscribe() (gossip.Inbox, error) {
	in := &inbox{net: n, ch: make(chan gossip.Event, 64), done: make(chan struct{})}
	n.mu.Lock()
	n.subs[in] = struct{}{}
	n.mu.Unlock()
	return in, nil
}

func (n *Network) OpenSnapshot(self gossip.NodeID) (gossip.SnapshotInbox, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.snaps[self]; ok {
		return nil, &gossip.TransportError{Op: "listen", Addr: self.String(), Err: errors.New("address in use")}
	}
	in := &snapshotInbox{net: n, id: self, ch: make(chan delivery, 8), done: make(chan struct{})}
	n.snaps[self] = in
	return in, nil
}

func (n *Network) SendSnapshot(ctx context.Context, to gossip.NodeID, events []gossip.Event) error {
	n.mu.Lock()
	in, ok := n.snaps[to]
	fault := n.fault
	n.mu.Unlock()
	if !ok {
		return &gossip.TransportError{Op: "dial", Addr: to.String(), Err: errRefused}
	}
	d := delivery{events: append([]gossip.Event(nil), events...), err: fault}
	select {
	case in.ch <- d:
		return nil
	case <-in.done:
		return &gossip.TransportError{Op: "dial", Addr: to.String(), Err: errRefused}
	case <-ctx.Done():
		return &gossip.TransportError{Op: "send snapshot", Addr: to.String(), Err: ctx.Err()}
	}
}

type inbox struct {
	net  *Network
	ch   chan gossip.Event
	done chan struct{}
	once sync.Once
}

func (in *inbox) Receive() (gossip.Event, error) {
	select {
	case <-in.done:
		return gossip.Event{}, gossip.ErrClosed
	case ev := <-in.ch:
		return ev, nil
	}
}

func (in *inbox) Close() error {
	in.once.Do(func() {
		in.net.mu.Lock()
		delete(in.net.subs, in)
		in.net.mu.Unlock()
		close(in.done)
	})
	return nil
}

type delivery struct {
	events []gossip.Event
	err    error
}

type snapshotInbox struct {
	net  *Network
	id   gossip.NodeID
	ch   chan delivery
	done chan struct{}
	once sync.Once
}

func (in *snapshotInbox) Accept(ctx context.Context) ([]gossip.Event, error) {
	select {
	case <-in.done:
		return nil, gossip.ErrClosed
	case <-ctx.Done():
		return nil, gossip.ErrNoSnapshot
	case d := <-in.ch:
		if d.err != nil {
			return nil, &gossip.TransportError{Op: "read snapshot", Addr: in.id.String(), Err: d.err}
		}
		return d.events, nil
	}
}

func (in *snapshotInbox) Close() error {
	in.once.Do(func() {
		in.net.mu.Lock()
		delete(in.net.snaps, in.id)
		in.net.mu.Unlock()
		close(in.done)
	})
	return nil
}
