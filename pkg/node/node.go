package node

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/internal/telemetry"
	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
	"github.com/ryandielhenn/zephyrkv/pkg/kv"
	"github.com/ryandielhenn/zephyrkv/pkg/ring"
)

// Membership is the part of the membership protocol a node exposes to operators.
type Membership interface {
	Self() gossip.NodeID
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
	State() gossip.State
	Counter() int64
	View() *gossip.View
	OnViewChange(fn func([]gossip.NodeID))
}

type Options struct {
	// ForwardTimeout bounds each forwarded attempt.
	ForwardTimeout time.Duration
	// Retries is how many times a failed forward is retried after
	// re-resolving the owner: zero means one, more than one is capped at one
	// and negative disables retries.
	Retries int
}

// Node is the key-value entry point of one cluster member. Every operation
// asks the ring for the key's owner first and then either touches the local
// bucket or forwards to the owner.
type Node struct {
	self    gossip.NodeID
	kv      *kv.Store
	ring    *ring.HashRing
	fwd     Forwarder
	members Membership
	opts    Options
	logger  *zap.Logger
}

func New(self gossip.NodeID, store *kv.Store, r *ring.HashRing, fwd Forwarder, opts Options, logger *zap.Logger) *Node {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.ForwardTimeout <= 0 {
		opts.ForwardTimeout = 2 * time.Second
	}
	if opts.Retries == 0 || opts.Retries > 1 {
		opts.Retries = 1
	}
	return &Node{
		self:   self,
		kv:     store,
		ring:   r,
		fwd:    fwd,
		opts:   opts,
		logger: logger.With(zap.String("node", self.String())),
	}
}

// Attach connects the node to its membership protocol so that the ring
// follows the view.
func (n *Node) Attach(m Membership) {
	n.members = m
	m.OnViewChange(n.UpdateRing)
	n.UpdateRing(m.View().Members())
}

func (n *Node) Self() gossip.NodeID { return n.self }

// UpdateRing rebuilds the ring from a membership view.
func (n *Node) UpdateRing(view []gossip.NodeID) {
	n.ring.SetNodes(view)
	n.logger.Debug("ring rebuilt", zap.Int("nodes", len(view)))
}

func (n *Node) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := n.route(ctx, Request{Op: OpGet, Key: key})
	if err != nil {
		return "", false, err
	}
	return string(resp.Value), resp.Status == StatusOK, nil
}

func (n *Node) Put(ctx context.Context, key, value string) error {
	if len(value) > MaxValueSize {
		return &RoutingError{Op: OpPut, Key: key, Err: ErrTooLarge}
	}
	_, err := n.route(ctx, Request{Op: OpPut, Key: key, Value: []byte(value)})
	return err
}

// Delete reports whether the key existed on its owner.
func (n *Node) Delete(ctx context.Context, key string) (bool, error) {
	resp, err := n.route(ctx, Request{Op: OpDelete, Key: key})
	if err != nil {
		return false, err
	}
	return resp.Status == StatusOK, nil
}

// Serve answers a request forwarded by another node. Ownership is checked
// again against the local ring since the sender may be working from a stale view.
func (n *Node) Serve(_ context.Context, req Request) Response {
	owner, ok := n.ring.Locate(req.Key)
	if !ok || owner != n.self {
		telemetry.KVOperations.WithLabelValues(req.Op, "inbound", StatusNotOwner).Inc()
		return Response{ID: req.ID, Status: StatusNotOwner}
	}
	resp := n.local(req)
	telemetry.KVOperations.WithLabelValues(req.Op, "inbound", resp.Status).Inc()
	return resp
}

func (n *Node) route(ctx context.Context, req Request) (Response, error) {
	var (
		owner   gossip.NodeID
		lastErr error
	)
	if len(req.Key) > MaxKeySize {
		return Response{}, &RoutingError{Op: req.Op, Key: req.Key, Err: ErrTooLarge}
	}
	for attempt := 0; attempt <= max(n.opts.Retries, 0); attempt++ {
		o, ok := n.ring.Locate(req.Key)
		if !ok {
			telemetry.KVOperations.WithLabelValues(req.Op, "none", StatusError).Inc()
			return Response{}, &RoutingError{Op: req.Op, Key: req.Key, Err: ErrNoOwner}
		}
		owner = o
		if owner == n.self {
			resp := n.local(req)
			telemetry.KVOperations.WithLabelValues(req.Op, "local", resp.Status).Inc()
			return resp, nil
		}

		resp, err := n.forward(ctx, owner, req)
		if err == nil {
			telemetry.KVOperations.WithLabelValues(req.Op, "forward", resp.Status).Inc()
			return resp, nil
		}
		telemetry.KVOperations.WithLabelValues(req.Op, "forward", StatusError).Inc()
		lastErr = err
		if ctx.Err() != nil || errors.Is(err, ErrTooLarge) {
			break
		}
		n.logger.Warn("forward failed", zap.String("op", req.Op), zap.String("key", req.Key),
			zap.Stringer("owner", owner), zap.Int("attempt", attempt), zap.Error(err))
	}
	return Response{}, &RoutingError{Op: req.Op, Key: req.Key, Owner: owner, Err: lastErr}
}

func (n *Node) forward(ctx context.Context, owner gossip.NodeID, req Request) (Response, error) {
	if n.fwd == nil {
		return Response{}, errors.New("forwarding disabled")
	}
	req.ID = uuid.NewString()
	fctx, cancel := context.WithTimeout(ctx, n.opts.ForwardTimeout)
	defer cancel()

	start := time.Now()
	resp, err := n.fwd.Forward(fctx, owner, req)
	telemetry.ForwardDuration.WithLabelValues(req.Op).Observe(time.Since(start).Seconds())
	switch {
	case err != nil && errors.Is(err, context.DeadlineExceeded):
		return Response{}, ErrTimeout
	case err != nil:
		return Response{}, err
	case resp.Status == StatusNotOwner:
		return Response{}, ErrNotOwner
	case resp.Status == StatusError && resp.Error == ErrTooLarge.Error():
		return Response{}, ErrTooLarge
	case resp.Status == StatusError:
		return Response{}, errors.New(resp.Error)
	}
	return resp, nil
}

func (n *Node) local(req Request) Response {
	resp := Response{ID: req.ID, Status: StatusOK}
	switch req.Op {
	case OpGet:
		v, ok := n.kv.Get(req.Key)
		if !ok {
			resp.Status = StatusNotFound
		}
		resp.Value = []byte(v)
	case OpPut:
		n.kv.Put(req.Key, string(req.Value))
	case OpDelete:
		if !n.kv.Delete(req.Key) {
			resp.Status = StatusNotFound
		}
	default:
		resp.Status = StatusError
		resp.Error = "unknown op " + req.Op
	}
	return resp
}
