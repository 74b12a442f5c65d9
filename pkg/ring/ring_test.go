package ring

import (
	"fmt"
	"math"
	"testing"

	"github.com/ryandielhenn/zephyrkv/pkg/gossip"
)

func id(port int) gossip.NodeID {
	return gossip.NodeID{Host: "127.0.0.1", Port: port}
}

// fixed hasher: positions taken from a table, unknown input hashes to 0
func fixed(table map[string]uint64) Hasher {
	return func(b []byte) uint64 { return table[string(b)] }
}

func TestLocateBetweenAndWrap(t *testing.T) {
	a, b, c := id(7001), id(7002), id(7003)
	r := New(1, fixed(map[string]uint64{
		a.String() + "#0": 100,
		b.String() + "#0": 200,
		c.String() + "#0": 300,
		"between-b-and-c":   250,
		"past-c":            400,
		"exactly-b":         200,
	}))
	r.SetNodes([]gossip.NodeID{a, b, c})

	for key, want := range map[string]gossip.NodeID{
		"between-b-and-c": c,
		"past-c":          a,
		"exactly-b":       b,
	} {
		got, ok := r.Locate(key)
		if !ok || got != want {
			t.Fatalf("Locate(%q) = (%v,%v), want (%v,true)", key, got, ok, want)
		}
	}
}

func TestLocateStable(t *testing.T) {
	r := New(128, nil)
	r.SetNodes([]gossip.NodeID{id(1), id(2), id(3)})

	for _, k := range []string{"foo", "bar", "baz"} {
		id1, ok := r.Locate(k)
		id2, _ := r.Locate(k)
		if !ok {
			t.Fatalf("Locate(%q) on non-empty ring returned !ok", k)
		}
		if id1 != id2 {
			t.Fatalf("Locate(%q) not stable: %v != %v", k, id1, id2)
		}
	}
}

func TestEmptyRing(t *testing.T) {
	r := New(16, nil)
	if _, ok := r.Locate("k"); ok {
		t.Fatal("Locate on empty ring returned ok")
	}
	if got := r.LocateN("k", 3); got != nil {
		t.Fatalf("LocateN on empty ring = %v", got)
	}
}

func TestInsertionOrderIndependent(t *testing.T) {
	r1 := New(64, nil)
	r2 := New(64, nil)
	for _, p := range []int{1, 2, 3, 4} {
		r1.Add(id(p))
	}
	for _, p := range []int{4, 2, 3, 1} {
		r2.Add(id(p))
	}
	for i := range 500 {
		k := fmt.Sprintf("key-%d", i)
		o1, _ := r1.Locate(k)
		o2, _ := r2.Locate(k)
		if o1 != o2 {
			t.Fatalf("key %q: %v vs %v", k, o1, o2)
		}
	}
}

func TestCollidingPointsPreferSmallerID(t *testing.T) {
	a, b := id(9001), id(9002)
	r := New(1, fixed(map[string]uint64{
		a.String() + "#0": 500,
		b.String() + "#0": 500,
	}))
	r.SetNodes([]gossip.NodeID{b, a})
	got, ok := r.Locate("anything")
	if !ok || got != a {
		t.Fatalf("Locate = %v, want %v", got, a)
	}
}

func TestRemoveAffectsLookup(t *testing.T) {
	r := New(128, nil)
	r.SetNodes([]gossip.NodeID{id(1), id(2), id(3)})

	key := "hot-key-123"
	before, _ := r.Locate(key)
	r.Remove(before)
	after, ok := r.Locate(key)
	if !ok || after == before {
		t.Fatalf("Locate did not change after removing %v: got %v", before, after)
	}
}

func TestRemoveOnlyAffectsTargetNode(t *testing.T) {
	r := New(128, nil)
	r.SetNodes([]gossip.NodeID{id(1), id(2), id(3)})

	before := make(map[string]gossip.NodeID)
	for i := range 100 {
		k := fmt.Sprintf("key%d", i)
		before[k], _ = r.Locate(k)
	}

	r.Remove(id(2))
	if r.Contains(id(2)) {
		t.Fatal("node 2 should have been removed")
	}
	for k, owner := range before {
		after, _ := r.Locate(k)
		if owner != id(2) && after != owner {
			t.Fatalf("key %q moved from %v to %v", k, owner, after)
		}
	}
}

func TestDistributionRoughlyBalanced(t *testing.T) {
	r := New(128, nil)
	r.SetNodes([]gossip.NodeID{id(1), id(2), id(3)})

	const N = 6000
	counts := map[gossip.NodeID]int{}
	for i := range N {
		owner, _ := r.Locate(fmt.Sprintf("k%d", i))
		counts[owner]++
	}
	ideal := float64(N) / 3.0
	for owner, c := range counts {
		if diff := math.Abs(float64(c)-ideal) / ideal; diff > 1.0 {
			t.Fatalf("distribution too skewed: %v has %d (ideal %.1f)", owner, c, ideal)
		}
	}
	if len(counts) != 3 {
		t.Fatalf("expected 3 owners, got %d", len(counts))
	}
}

func TestLocateNDistinct(t *testing.T) {
	r := New(32, FNV64a)
	r.SetNodes([]gossip.NodeID{id(1), id(2), id(3)})

	got := r.LocateN("k", 5)
	if len(got) != 3 {
		t.Fatalf("LocateN returned %d owners, want 3", len(got))
	}
	first, _ := r.Locate("k")
	if got[0] != first {
		t.Fatalf("LocateN[0] = %v, want owner %v", got[0], first)
	}
}

func TestIdempotentAddRemove(t *testing.T) {
	r := New(8, nil)
	r.Add(id(1))
	r.Add(id(1))
	if r.Len() != 1 {
		t.Fatalf("Len = %d after double add", r.Len())
	}
	r.Remove(id(1))
	r.Remove(id(1))
	if r.Len() != 0 {
		t.Fatalf("Len = %d after remove", r.Len())
	}
}

func TestNodesIsCopy(t *testing.T) {
	r := New(8, nil)
	r.SetNodes([]gossip.NodeID{id(2), id(1)})

	nodes := r.Nodes()
	if len(nodes) != 2 || nodes[0] != id(1) {
		t.Fatalf("Nodes() = %v", nodes)
	}
	nodes[0] = id(99)
	if r.Contains(id(99)) {
		t.Fatal("Nodes() returned a reference, not a copy")
	}
}
