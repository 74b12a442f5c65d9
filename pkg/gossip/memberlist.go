package gossip

import (
	"slices"
	"sync"
)

// View tracks the set of nodes currently believed to be present.
// It is written by the protocol and read by the routing layer.
type View struct {
	mu      sync.RWMutex
	members map[NodeID]struct{}
}

func NewView() *View {
	return &View{members: make(map[NodeID]struct{})}
}

// Add returns true if id was not already a member.
func (v *View) Add(id NodeID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.members[id]; ok {
		return false
	}
	v.members[id] = struct{}{}
	return true
}

// Remove returns true if id was a member.
func (v *View) Remove(id NodeID) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.members[id]; !ok {
		return false
	}
	delete(v.members, id)
	return true
}

func (v *View) Contains(id NodeID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.members[id]
	return ok
}

// Replace clears the view and installs ids.
func (v *View) Replace(ids []NodeID) {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.members)
	for _, id := range ids {
		v.members[id] = struct{}{}
	}
}

func (v *View) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	clear(v.members)
}

func (v *View) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.members)
}

// Members returns a copy of the view sorted by canonical id.
func (v *View) Members() []NodeID {
	v.mu.RLock()
	out := make([]NodeID, 0, len(v.members))
	for id := range v.members {
		out = append(out, id)
	}
	v.mu.RUnlock()
	slices.SortFunc(out, func(a, b NodeID) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
	return out
}
