package crdt

import "testing"

func TestPrimitiveMergeLatestWins(t *testing.T) {
	a := &Primitive{Data: "old", ClientID: "c1", Timestamp: 1}
	b := &Primitive{Data: "new", ClientID: "c2", Timestamp: 2}

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if a.Data != "new" {
		t.Errorf("Data = %v, want %v", a.Data, "new")
	}
}

func TestPrimitiveMergeTieBreaksOnClientID(t *testing.T) {
	a := &Primitive{Data: "a-wins", ClientID: "zzz", Timestamp: 5}
	b := &Primitive{Data: "b-loses", ClientID: "aaa", Timestamp: 5}

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if a.Data != "a-wins" {
		t.Errorf("Data = %v, want %v (higher client id wins tie)", a.Data, "a-wins")
	}
}

func TestCounterMergeIsIdempotent(t *testing.T) {
	a := NewCounter()
	a.Add("d1", CounterDelta{ID: "d1", ClientID: "c1", Amount: 5})

	b := NewCounter()
	b.Add("d1", CounterDelta{ID: "d1", ClientID: "c1", Amount: 5})
	b.Add("d2", CounterDelta{ID: "d2", ClientID: "c2", Amount: 3})

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if got := a.Value(); got != 8 {
		t.Errorf("Value() = %d, want 8", got)
	}

	// Merging again must not double-count.
	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if got := a.Value(); got != 8 {
		t.Errorf("Value() after re-merge = %d, want 8 (idempotent)", got)
	}
}

func TestSetAddWinsOverConcurrentRemove(t *testing.T) {
	s := NewSet()
	s.Add("x", "c1", 10)
	s.Remove("x", 5) // remove happens-before the add: add wins

	members := s.Members()
	if len(members) != 1 || members[0] != "x" {
		t.Errorf("Members() = %v, want [x]", members)
	}
}

func TestSetRemoveAfterAdd(t *testing.T) {
	s := NewSet()
	s.Add("x", "c1", 1)
	s.Remove("x", 2)

	if members := s.Members(); len(members) != 0 {
		t.Errorf("Members() = %v, want empty", members)
	}
}

func TestSetMergeUnion(t *testing.T) {
	a := NewSet()
	a.Add("x", "c1", 1)

	b := NewSet()
	b.Add("y", "c2", 1)

	if err := a.Merge(b); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	members := a.Members()
	if len(members) != 2 {
		t.Errorf("Members() = %v, want 2 elements", members)
	}
}

func TestFragmentInsertAndDelete(t *testing.T) {
	f := NewFragment()
	n := 0
	idGen := func(i int) string { n++; return string(rune('a' + n)) }

	f.InsertAt(0, "hello", idGen)
	if got := f.Text(); got != "hello" {
		t.Fatalf("Text() = %q, want %q", got, "hello")
	}

	f.DeleteRange(1, 3) // delete "ell"
	if got := f.Text(); got != "ho" {
		t.Errorf("Text() after delete = %q, want %q", got, "ho")
	}
}

func TestFragmentMergeConcurrentInserts(t *testing.T) {
	base := NewFragment()
	base.InsertAt(0, "ac", func(i int) string { return []string{"id-a", "id-c"}[i] })

	replicaA := &Fragment{chars: append([]fragChar(nil), base.chars...), seen: map[string]bool{"id-a": true, "id-c": true}}
	replicaA.InsertAt(1, "b", func(i int) string { return "id-b" })

	replicaB := &Fragment{chars: append([]fragChar(nil), base.chars...), seen: map[string]bool{"id-a": true, "id-c": true}}

	if err := replicaB.Merge(replicaA); err != nil {
		t.Fatalf("Merge failed: %v", err)
	}
	if got := replicaB.Text(); got != "abc" {
		t.Errorf("Text() after merge = %q, want %q", got, "abc")
	}
}
