package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

// Key operations on the wire.
const (
	OpGet    = "get"
	OpPut    = "put"
	OpDelete = "delete"
)

// Response statuses.
const (
	StatusOK       = "ok"
	StatusNotFound = "not_found"
	StatusNotOwner = "not_owner"
	StatusError    = "error"
)

// Size limits. Keys and values travel base64 encoded, so a request carrying
// MaxKeySize and MaxValueSize bytes still fits in maxDatagram.
const (
	MaxKeySize   = 4 << 10
	MaxValueSize = 32 << 10

	maxDatagram = 65507 // largest UDP payload over IPv4
)

// Request is a key operation sent to the key's owner. Key and Value are
// arbitrary bytes.
type Request struct {
	ID    string
	Op    string
	Key   string
	Value []byte
}

type wireRequest struct {
	ID    string `json:"id"`
	Op    string `json:"op"`
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRequest{ID: r.ID, Op: r.Op, Key: []byte(r.Key), Value: r.Value})
}

func (r *Request) UnmarshalJSON(b []byte) error {
	var w wireRequest
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Request{ID: w.ID, Op: w.Op, Key: string(w.Key), Value: w.Value}
	return nil
}

type Response struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Value  []byte `json:"value,omitempty"`
	Error  string `json:"error,omitempty"`
}

// HandlerFunc serves a request forwarded by another node.
type HandlerFunc func(ctx context.Context, req Request) Response

// Forwarder sends a request to the node that owns its key and waits for the answer.
type Forwarder interface {
	Forward(ctx context.Context, to gossip.NodeID, req Request) (Response, error)
}

type envelope struct {
	Type     string    `json:"type"`
	Request  *Request  `json:"req,omitempty"`
	Response *Response `json:"resp,omitempty"`
}

const (
	msgRequest  = "REQ"
	msgResponse = "RESP"
)

// UDPForwarder exchanges requests and responses as JSON datagrams on the
// node's own address. Responses are matched to waiters by request id.
type UDPForwarder struct {
	conn        *net.UDPConn
	logger      *zap.Logger
	mu          sync.Mutex
	inflight    map[string]chan Response
	handler     HandlerFunc
	ctx         context.Context
	cancel      context.CancelFunc
	readStopped chan struct{}
	started     bool
}

// ListenUDP binds addr ("host:port"; port 0 picks one).
func ListenUDP(addr string, logger *zap.Logger) (*UDPForwarder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &UDPForwarder{
		conn:        conn,
		logger:      logger,
		inflight:    make(map[string]chan Response),
		ctx:         ctx,
		cancel:      cancel,
		readStopped: make(chan struct{}),
	}, nil
}

// Addr returns the bound address as a node id.
func (f *UDPForwarder) Addr() gossip.NodeID {
	a := f.conn.LocalAddr().(*net.UDPAddr)
	return gossip.NodeID{Host: a.IP.String(), Port: a.Port}
}

// Start begins reading datagrams; inbound requests are passed to h.
func (f *UDPForwarder) Start(h HandlerFunc) {
	f.mu.Lock()
	f.handler = h
	started := f.started
	f.started = true
	f.mu.Unlock()
	if !started {
		go f.readLoop()
	}
}

func (f *UDPForwarder) Close() error {
	f.cancel()
	err := f.conn.Close()
	f.mu.Lock()
	started := f.started
	f.mu.Unlock()
	if started {
		select {
		case <-f.readStopped:
		case <-time.After(200 * time.Millisecond):
		}
	}
	return err
}

func (f *UDPForwarder) Forward(ctx context.Context, to gossip.NodeID, req Request) (Response, error) {
	dst, err := net.ResolveUDPAddr("udp", to.String())
	if err != nil {
		return Response{}, err
	}
	ch := make(chan Response, 1)
	f.mu.Lock()
	f.inflight[req.ID] = ch
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.inflight, req.ID)
		f.mu.Unlock()
	}()

	if err := f.send(dst, envelope{Type: msgRequest, Request: &req}); err != nil {
		if errors.Is(err, ErrTooLarge) {
			return Response{}, err
		}
		return Response{}, fmt.Errorf("send to %s: %w", to, err)
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (f *UDPForwarder) send(to *net.UDPAddr, env envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if len(b) > maxDatagram {
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(b))
	}
	_, err = f.conn.WriteToUDP(b, to)
	return err
}

func (f *UDPForwarder) readLoop() {
	defer close(f.readStopped)
	buf := make([]byte, maxDatagram)
	for {
		n, src, err := f.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			f.logger.Warn("forwarder read failed", zap.Error(err))
			continue
		}
		var env envelope
		if err := json.Unmarshal(buf[:n], &env); err != nil {
			f.logger.Debug("dropping malformed datagram", zap.Stringer("from", src), zap.Error(err))
			continue
		}

		switch {
		case env.Type == msgResponse && env.Response != nil:
			f.mu.Lock()
			ch := f.inflight[env.Response.ID]
			f.mu.Unlock()
			if ch != nil {
				select {
				case ch <- *env.Response:
				default:
				}
			}
		case env.Type == msgRequest && env.Request != nil:
			go f.serve(*env.Request, src)
		}
	}
}

func (f *UDPForwarder) serve(req Request, src *net.UDPAddr) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	resp := Response{Status: StatusError, Error: "no handler"}
	if h != nil {
		resp = h(f.ctx, req)
	}
	resp.ID = req.ID
	err := f.send(src, envelope{Type: msgResponse, Response: &resp})
	if errors.Is(err, ErrTooLarge) {
		// answer anyway so the caller does not wait for its timeout
		resp = Response{ID: req.ID, Status: StatusError, Error: ErrTooLarge.Error()}
		err = f.send(src, envelope{Type: msgResponse, Response: &resp})
	}
	if err != nil {
		f.logger.Debug("reply failed", zap.Stringer("to", src), zap.Error(err))
	}
}
