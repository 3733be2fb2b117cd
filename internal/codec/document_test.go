package codec

import (
	"testing"

	"github.com/replikit/replikit/internal/crdt"
)

func TestTransactProducesDeltaAgainstPreVector(t *testing.T) {
	doc := NewDocument("client-a")

	delta := doc.Transact(func(tx *Tx) {
		tx.SetField("title", "hello", 100)
	})

	if len(delta) == 0 {
		t.Fatal("expected non-empty delta")
	}

	records, err := DecodeUpdate(delta)
	if err != nil {
		t.Fatalf("DecodeUpdate failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("len(records) = %d, want 1", len(records))
	}
	if records[0].FieldPath != "title" {
		t.Errorf("FieldPath = %q, want %q", records[0].FieldPath, "title")
	}
}

func TestApplyUpdateRoundTrip(t *testing.T) {
	writer := NewDocument("client-a")
	delta := writer.Transact(func(tx *Tx) {
		tx.SetField("title", "A", 1)
	})

	reader := NewDocument("client-b")
	if err := reader.ApplyUpdate(delta, "server"); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}

	got := reader.Materialize()
	if got["title"] != "A" {
		t.Errorf("title = %v, want %v", got["title"], "A")
	}
}

func TestMergeUpdatesAssociativeAndCommutative(t *testing.T) {
	docA := NewDocument("a")
	deltaA := docA.Transact(func(tx *Tx) { tx.SetField("x", 1.0, 10) })

	docB := NewDocument("b")
	deltaB := docB.Transact(func(tx *Tx) { tx.SetField("y", 2.0, 20) })

	mergedAB, err := MergeUpdates([][]byte{deltaA, deltaB})
	if err != nil {
		t.Fatalf("MergeUpdates failed: %v", err)
	}
	mergedBA, err := MergeUpdates([][]byte{deltaB, deltaA})
	if err != nil {
		t.Fatalf("MergeUpdates failed: %v", err)
	}

	if string(mergedAB) != string(mergedBA) {
		t.Error("MergeUpdates is not order-independent")
	}

	peer1 := NewDocument("peer1")
	peer1.ApplyUpdate(mergedAB, "server")
	peer2 := NewDocument("peer2")
	peer2.ApplyUpdate(mergedBA, "server")

	if string(peer1.EncodeStateVector()) != string(peer2.EncodeStateVector()) {
		t.Error("state vectors diverged after applying updates in different orders")
	}
}

func TestDiffAgainstDominatingVectorIsEmpty(t *testing.T) {
	doc := NewDocument("a")
	doc.Transact(func(tx *Tx) { tx.SetField("x", 1.0, 1) })

	vector, err := DecodeStateVector(doc.EncodeStateVector())
	if err != nil {
		t.Fatalf("DecodeStateVector failed: %v", err)
	}

	diff, err := doc.EncodeUpdateSince(vector)
	if err != nil {
		t.Fatalf("EncodeUpdateSince failed: %v", err)
	}
	if !IsEmptyDiff(diff) {
		t.Errorf("expected empty diff against dominating vector, got %d bytes", len(diff))
	}
}

func TestDiffAgainstEmptyVectorReturnsEverything(t *testing.T) {
	doc := NewDocument("a")
	doc.Transact(func(tx *Tx) { tx.SetField("x", 1.0, 1) })

	diff, err := doc.EncodeUpdateSince(map[string]uint64{})
	if err != nil {
		t.Fatalf("EncodeUpdateSince failed: %v", err)
	}
	if IsEmptyDiff(diff) {
		t.Error("expected non-empty diff against empty vector")
	}
}

func TestCounterAndSetFields(t *testing.T) {
	doc := NewDocument("a")
	doc.Transact(func(tx *Tx) {
		tx.CounterAdd("likes", 3, 1)
		tx.CounterAdd("likes", 2, 2)
		tx.SetAdd("tags", "go", 3)
		tx.SetAdd("tags", "crdt", 4)
	})

	materialized := doc.Materialize()
	if materialized["likes"] != int64(5) {
		t.Errorf("likes = %v, want 5", materialized["likes"])
	}
	tags, ok := materialized["tags"].([]string)
	if !ok || len(tags) != 2 {
		t.Errorf("tags = %v, want 2 elements", materialized["tags"])
	}
}

func TestRegisterFieldKeepsConcurrentWritesVisible(t *testing.T) {
	docA := NewDocument("a")
	docA.Transact(func(tx *Tx) {
		tx.RegisterSet("status", "reviewing", 1)
	})

	docB := NewDocument("b")
	docB.Transact(func(tx *Tx) {
		tx.RegisterSet("status", "approved", 1)
	})

	if err := docA.ApplyUpdate(docB.EncodeUpdate(), "remote"); err != nil {
		t.Fatalf("ApplyUpdate failed: %v", err)
	}

	materialized := docA.Materialize()
	values, ok := materialized["status"].([]interface{})
	if !ok || len(values) != 2 {
		t.Fatalf("status = %v, want a 2-element conflict set", materialized["status"])
	}

	r, ok := docA.Field("status").(*crdt.Register)
	if !ok {
		t.Fatalf("status field = %T, want *crdt.Register", docA.Field("status"))
	}
	if r.Kind() != crdt.KindRegister {
		t.Errorf("Kind() = %v, want %v", r.Kind(), crdt.KindRegister)
	}
}
