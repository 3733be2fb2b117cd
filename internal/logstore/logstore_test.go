package logstore

import (
	"context"
	"testing"
)

type fakeDB struct {
	seq         uint64
	deltas      []*Delta
	counts      map[string]int64
	insertCalls int
}

func newFakeDB() *fakeDB {
	return &fakeDB{counts: make(map[string]int64)}
}

func (f *fakeDB) NextSeq(ctx context.Context, collection string) (uint64, error) {
	f.seq++
	return f.seq, nil
}

func (f *fakeDB) InsertDelta(ctx context.Context, d *Delta) error {
	f.insertCalls++
	f.deltas = append(f.deltas, d)
	return nil
}

func (f *fakeDB) IncrementDeltaCount(ctx context.Context, collection, documentID string) (int64, error) {
	key := collection + "/" + documentID
	f.counts[key]++
	return f.counts[key], nil
}

func (f *fakeDB) Deltas(ctx context.Context, collection string, afterSeq uint64, limit int) ([]*Delta, error) {
	var out []*Delta
	for _, d := range f.deltas {
		if d.Collection == collection && d.Seq > afterSeq {
			out = append(out, d)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeDB) OldestDelta(ctx context.Context, collection string) (*Delta, error) {
	for _, d := range f.deltas {
		if d.Collection == collection {
			return d, nil
		}
	}
	return nil, nil
}

func (f *fakeDB) Snapshots(ctx context.Context, collection string) ([]*Snapshot, error) {
	return nil, nil
}

type fakeScheduler struct {
	scheduled []string
}

func (f *fakeScheduler) Schedule(collection, documentID string) {
	f.scheduled = append(f.scheduled, collection+"/"+documentID)
}

func TestNextSeqIsMonotonic(t *testing.T) {
	store := New(newFakeDB(), nil, 0)
	ctx := context.Background()

	first, _ := store.NextSeq(ctx, "notes")
	second, _ := store.NextSeq(ctx, "notes")
	if second <= first {
		t.Errorf("second seq %d is not greater than first %d", second, first)
	}
}

func TestAppendDeltaSchedulesCompactionAtThreshold(t *testing.T) {
	db := newFakeDB()
	scheduler := &fakeScheduler{}
	store := New(db, scheduler, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := store.AppendDelta(ctx, &Delta{Collection: "notes", DocumentID: "doc-1", Seq: uint64(i + 1)}); err != nil {
			t.Fatalf("AppendDelta failed: %v", err)
		}
	}

	if len(scheduler.scheduled) != 1 || scheduler.scheduled[0] != "notes/doc-1" {
		t.Errorf("scheduled = %v, want exactly one schedule for notes/doc-1", scheduler.scheduled)
	}
}

func TestAppendDeltaDoesNotScheduleBelowThreshold(t *testing.T) {
	db := newFakeDB()
	scheduler := &fakeScheduler{}
	store := New(db, scheduler, 5)
	ctx := context.Background()

	store.AppendDelta(ctx, &Delta{Collection: "notes", DocumentID: "doc-1", Seq: 1})
	store.AppendDelta(ctx, &Delta{Collection: "notes", DocumentID: "doc-1", Seq: 2})

	if len(scheduler.scheduled) != 0 {
		t.Errorf("scheduled = %v, want none", scheduler.scheduled)
	}
}

func TestDeltasReturnsOnlyAfterSeq(t *testing.T) {
	db := newFakeDB()
	store := New(db, nil, 0)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		db.InsertDelta(ctx, &Delta{Collection: "notes", Seq: uint64(i)})
	}

	got, err := store.Deltas(ctx, "notes", 2, 0)
	if err != nil {
		t.Fatalf("Deltas failed: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("len(got) = %d, want 3", len(got))
	}
	for _, d := range got {
		if d.Seq <= 2 {
			t.Errorf("Deltas returned seq %d, want > 2", d.Seq)
		}
	}
}
