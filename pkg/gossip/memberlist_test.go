package gossip

import "testing"

func TestViewAddRemove(t *testing.T) {
	v := NewView()
	a := NodeID{Host: "a", Port: 1}
	b := NodeID{Host: "b", Port: 1}

	if !v.Add(b) || !v.Add(a) {
		t.Fatal("first add should change the view")
	}
	if v.Add(a) {
		t.Fatal("second add should be a no-op")
	}
	if got := v.Members(); len(got) != 2 || got[0] != a || got[1] != b {
		t.Fatalf("members not sorted: %v", got)
	}
	if !v.Remove(a) || v.Remove(a) {
		t.Fatal("remove should report change once")
	}
	if v.Contains(a) || !v.Contains(b) {
		t.Fatal("contains mismatch")
	}

	v.Replace([]NodeID{a})
	if v.Len() != 1 || !v.Contains(a) {
		t.Fatalf("replace: %v", v.Members())
	}
	v.Clear()
	if v.Len() != 0 {
		t.Fatal("clear left members")
	}
}

func TestViewMembersIsCopy(t *testing.T) {
	v := NewView()
	v.Add(NodeID{Host: "a", Port: 1})
	m := v.Members()
	m[0] = NodeID{Host: "z", Port: 9}
	if !v.Contains(NodeID{Host: "a", Port: 1}) {
		t.Fatal("mutating Members() changed the view")
	}
}
