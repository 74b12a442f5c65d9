// Package discovery publishes nodes in etcd so operators and tooling can find
// the HTTP endpoint of every member. Cluster membership itself is decided by
// the gossip protocol; the registry is advisory.
package discovery

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// Registry keeps one leased key per node under a prefix.
type Registry struct {
	kv      clientv3.KV
	lease   clientv3.Lease
	watcher clientv3.Watcher
	prefix  string
	ttl     int64
	logger  *zap.Logger

	mu      sync.Mutex
	leaseID clientv3.LeaseID
	stop    context.CancelFunc
}

func NewRegistry(cli *clientv3.Client, prefix string, ttl int64, logger *zap.Logger) *Registry {
	return newRegistry(cli, cli, cli, prefix, ttl, logger)
}

func newRegistry(kv clientv3.KV, lease clientv3.Lease, w clientv3.Watcher, prefix string, ttl int64, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Registry{kv: kv, lease: lease, watcher: w, prefix: prefix, ttl: ttl, logger: logger.Named("discovery")}
}

// Register puts <prefix><id> -> addr under a lease that is kept alive until
// Deregister.
func (r *Registry) Register(ctx context.Context, id gossip.NodeID, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop != nil {
		return errors.New("already registered")
	}

	grant, err := r.lease.Grant(ctx, r.ttl)
	if err != nil {
		return err
	}
	if _, err := r.kv.Put(ctx, r.prefix+id.String(), addr, clientv3.WithLease(grant.ID)); err != nil {
		return err
	}

	kctx, cancel := context.WithCancel(context.Background())
	ch, err := r.lease.KeepAlive(kctx, grant.ID)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		for range ch {
		}
		r.logger.Debug("keepalive stopped", zap.Int64("lease", int64(grant.ID)))
	}()

	r.leaseID, r.stop = grant.ID, cancel
	r.logger.Info("registered", zap.Stringer("node", id), zap.String("addr", addr), zap.Int64("ttl", r.ttl))
	return nil
}

// Deregister stops the keepalive and revokes the lease, which deletes the key.
func (r *Registry) Deregister(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == nil {
		return nil
	}
	r.stop()
	r.stop = nil
	_, err := r.lease.Revoke(ctx, r.leaseID)
	return err
}

// Nodes returns every registered node id with its address.
func (r *Registry) Nodes(ctx context.Context) (map[string]string, error) {
	resp, err := r.kv.Get(ctx, r.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	return r.decode(resp.Kvs), nil
}

// WatchPeers calls fn with the full registry after every change under the
// prefix until ctx is done.
func (r *Registry) WatchPeers(ctx context.Context, fn func(map[string]string)) {
	wch := r.watcher.Watch(ctx, r.prefix, clientv3.WithPrefix())
	go func() {
		for wr := range wch {
			if err := wr.Err(); err != nil {
				r.logger.Warn("watch failed", zap.Error(err))
				continue
			}
			peers, err := r.Nodes(ctx)
			if err != nil {
				r.logger.Warn("list after watch event", zap.Error(err))
				continue
			}
			fn(peers)
		}
	}()
}

// Diff compares registered node ids against a membership view. missing holds
// view members with no registry entry, extra holds registry entries that are
// not in the view. Both are sorted.
func Diff(registry map[string]string, view []gossip.NodeID) (missing, extra []string) {
	inView := make(map[string]struct{}, len(view))
	for _, id := range view {
		inView[id.String()] = struct{}{}
		if _, ok := registry[id.String()]; !ok {
			missing = append(missing, id.String())
		}
	}
	for id := range registry {
		if _, ok := inView[id]; !ok {
			extra = append(extra, id)
		}
	}
	slices.Sort(missing)
	slices.Sort(extra)
	return missing, extra
}

func (r *Registry) decode(kvs []*mvccpb.KeyValue) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		id := strings.TrimPrefix(string(kv.Key), r.prefix)
		out[id] = string(kv.Value)
	}
	return out
}
