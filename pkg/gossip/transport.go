package gossip

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Transport carries membership traffic. Announcements are best-effort
// datagrams to the cluster contact point; snapshots travel over a reliable
// point-to-point channel to the joining node.
type Transport interface {
	Announce(ctx context.Context, ev Event) error
	Subscribe() (Inbox, error)
	OpenSnapshot(self NodeID) (SnapshotInbox, error)
	SendSnapshot(ctx context.Context, to NodeID, events []Event) error
}

// Inbox receives announcements. Receive blocks until an event arrives or
// the inbox is closed, in which case it returns ErrClosed.
type Inbox interface {
	Receive() (Event, error)
	Close() error
}

// SnapshotInbox accepts a single membership snapshot for a joining node.
type SnapshotInbox interface {
	// Accept returns ErrNoSnapshot if nobody connected before ctx ended and a
	// *TransportError if a transfer started but did not complete.
	Accept(ctx context.Context) ([]Event, error)
	Close() error
}

// NetConfig configures NetTransport.
type NetConfig struct {
	// Multicast is the group address of the cluster, e.g. 239.0.0.1:9446.
	Multicast string
	// Interface optionally names the network interface to join the group on.
	Interface string
	TTL       int
	Loopback  bool
}

// NetTransport announces over UDP multicast and transfers snapshots over TCP.
type NetTransport struct {
	group    *net.UDPAddr
	iface    *net.Interface
	ttl      int
	loopback bool
	logger   *zap.Logger
}

func NewNetTransport(cfg NetConfig, logger *zap.Logger) (*NetTransport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	group, err := net.ResolveUDPAddr("udp4", cfg.Multicast)
	if err != nil {
		return nil, fmt.Errorf("resolve multicast group %q: %w", cfg.Multicast, err)
	}
	if !group.IP.IsMulticast() {
		return nil, fmt.Errorf("%s is not a multicast address", cfg.Multicast)
	}
	var iface *net.Interface
	if cfg.Interface != "" {
		if iface, err = net.InterfaceByName(cfg.Interface); err != nil {
			return nil, fmt.Errorf("multicast interface %q: %w", cfg.Interface, err)
		}
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 1
	}
	return &NetTransport{group: group, iface: iface, ttl: ttl, loopback: cfg.Loopback, logger: logger}, nil
}

func (t *NetTransport) Announce(ctx context.Context, ev Event) error {
	b, err := ev.MarshalText()
	if err != nil {
		return err
	}
	conn, err := net.DialUDP("udp4", nil, t.group)
	if err != nil {
		return &TransportError{Op: "announce", Addr: t.group.String(), Err: err}
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetMulticastTTL(t.ttl); err != nil {
		t.logger.Debug("set multicast ttl", zap.Error(err))
	}
	if err := pc.SetMulticastLoopback(t.loopback); err != nil {
		t.logger.Debug("set multicast loopback", zap.Error(err))
	}
	if t.iface != nil {
		if err := pc.SetMulticastInterface(t.iface); err != nil {
			t.logger.Debug("set multicast interface", zap.Error(err))
		}
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if _, err := conn.Write(append(b, '\n')); err != nil {
		return &TransportError{Op: "announce", Addr: t.group.String(), Err: err}
	}
	return nil
}

func (t *NetTransport) Subscribe() (Inbox, error) {
	conn, err := net.ListenMulticastUDP("udp4", t.iface, t.group)
	if err != nil {
		return nil, &TransportError{Op: "subscribe", Addr: t.group.String(), Err: err}
	}
	return &udpInbox{conn: conn, logger: t.logger}, nil
}

func (t *NetTransport) OpenSnapshot(self NodeID) (SnapshotInbox, error) {
	ln, err := net.Listen("tcp", self.String())
	if err != nil {
		return nil, &TransportError{Op: "listen", Addr: self.String(), Err: err}
	}
	return &tcpSnapshotInbox{ln: ln.(*net.TCPListener)}, nil
}

func (t *NetTransport) SendSnapshot(ctx context.Context, to NodeID, events []Event) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", to.String())
	if err != nil {
		return &TransportError{Op: "dial", Addr: to.String(), Err: err}
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(dl)
	}
	if err := WriteEvents(conn, events); err != nil {
		return &TransportError{Op: "send snapshot", Addr: to.String(), Err: err}
	}
	return nil
}

type udpInbox struct {
	conn   *net.UDPConn
	logger *zap.Logger
}

func (in *udpInbox) Receive() (Event, error) {
	buf := make([]byte, 512)
	for {
		n, src, err := in.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return Event{}, ErrClosed
			}
			return Event{}, &TransportError{Op: "receive", Addr: in.conn.LocalAddr().String(), Err: err}
		}
		var ev Event
		if err := ev.UnmarshalText(buf[:n]); err != nil {
			in.logger.Warn("dropping malformed announcement", zap.Stringer("from", src), zap.Error(err))
			continue
		}
		return ev, nil
	}
}

func (in *udpInbox) Close() error { return in.conn.Close() }

type tcpSnapshotInbox struct {
	ln *net.TCPListener
}

func (in *tcpSnapshotInbox) Accept(ctx context.Context) ([]Event, error) {
	stop := context.AfterFunc(ctx, func() { _ = in.ln.SetDeadline(time.Now()) })
	defer stop()
	dl, _ := ctx.Deadline()
	_ = in.ln.SetDeadline(dl)

	conn, err := in.ln.Accept()
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, ErrNoSnapshot
		}
		return nil, &TransportError{Op: "accept", Addr: in.ln.Addr().String(), Err: err}
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	events, err := ReadEvents(conn)
	if err != nil {
		return nil, &TransportError{Op: "read snapshot", Addr: conn.RemoteAddr().String(), Err: err}
	}
	return events, nil
}

func (in *tcpSnapshotInbox) Close() error { return in.ln.Close() }

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
