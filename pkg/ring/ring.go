package ring

import (
	"hash/fnv"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

type Hasher func([]byte) uint64

// XXHash is the default ring hasher.
func XXHash(b []byte) uint64 { return xxhash.Sum64(b) }

func FNV64a(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

type point struct {
	hash  uint64
	owner gossip.NodeID
	id    string // canonical owner id, cached for ordering
}

// HashRing maps keys to node ids. Every node contributes replicas points;
// a key belongs to the first point at or after its hash, wrapping around.
type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []point // sorted by (hash, id)
	nodes    map[gossip.NodeID]struct{}
}

func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 128
	}
	if h == nil {
		h = XXHash
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		nodes:    make(map[gossip.NodeID]struct{}),
	}
}

// SetNodes replaces the ring contents with ids.
func (r *HashRing) SetNodes(ids []gossip.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.nodes)
	for _, id := range ids {
		r.nodes[id] = struct{}{}
	}
	r.rebuild()
}

func (r *HashRing) Add(id gossip.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; ok {
		return
	}
	r.nodes[id] = struct{}{}
	r.rebuild()
}

func (r *HashRing) Remove(id gossip.NodeID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[id]; !ok {
		return
	}
	delete(r.nodes, id)
	r.rebuild()
}

func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.nodes)
	r.points = r.points[:0]
}

// rebuild recomputes every point. Ordering ties by id keeps the ring
// identical on all nodes whatever order ids were added in; of two
// colliding points the smaller id is kept.
func (r *HashRing) rebuild() {
	r.points = r.points[:0]
	for id := range r.nodes {
		s := id.String()
		for i := 0; i < r.replicas; i++ {
			r.points = append(r.points, point{hash: r.hash(pointKey(s, i)), owner: id, id: s})
		}
	}
	slices.SortFunc(r.points, func(a, b point) int {
		if a.hash != b.hash {
			if a.hash < b.hash {
				return -1
			}
			return 1
		}
		return strings.Compare(a.id, b.id)
	})
	r.points = slices.CompactFunc(r.points, func(a, b point) bool { return a.hash == b.hash })
}

// Locate returns the owner of key; ok is false only when the ring is empty.
func (r *HashRing) Locate(key string) (gossip.NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return gossip.NodeID{}, false
	}
	return r.points[r.search(key)].owner, true
}

// LocateN returns up to n distinct owners walking clockwise from key.
func (r *HashRing) LocateN(key string, n int) []gossip.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	idx := r.search(key)

	seen := make(map[gossip.NodeID]struct{}, n)
	out := make([]gossip.NodeID, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.points[(idx+i)%len(r.points)].owner
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// search finds the first point >= hash(key), wrapping if needed.
func (r *HashRing) search(key string) int {
	h := r.hash([]byte(key))
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i].hash >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func (r *HashRing) Contains(id gossip.NodeID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[id]
	return ok
}

// Nodes returns a sorted copy of the ring members.
func (r *HashRing) Nodes() []gossip.NodeID {
	r.mu.RLock()
	out := make([]gossip.NodeID, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b gossip.NodeID) int { return strings.Compare(a.String(), b.String()) })
	return out
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func pointKey(id string, i int) []byte {
	return []byte(id + "#" + strconv.Itoa(i))
}
