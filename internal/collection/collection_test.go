package collection

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/replikit/replikit/internal/codec"
	"github.com/replikit/replikit/internal/logstore"
	"github.com/replikit/replikit/internal/storage"
)

// fakeStorage is an in-memory stand-in for storage.StorageAdapter, covering
// every method Collection's wiring depends on.
type fakeStorage struct {
	mu sync.Mutex

	seq        map[string]uint64
	deltas     []*logstore.Delta
	deltaCount map[string]int64
	snapshots  map[string]*logstore.Snapshot

	docs map[string]*storage.DocumentState

	sessions map[string]*storage.SessionEntry

	jobs map[string]*storage.CompactionJobEntry
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		seq:        make(map[string]uint64),
		deltaCount: make(map[string]int64),
		snapshots:  make(map[string]*logstore.Snapshot),
		docs:       make(map[string]*storage.DocumentState),
		sessions:   make(map[string]*storage.SessionEntry),
		jobs:       make(map[string]*storage.CompactionJobEntry),
	}
}

func (f *fakeStorage) NextSeq(ctx context.Context, collection string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq[collection]++
	return f.seq[collection], nil
}

func (f *fakeStorage) CurrentSeq(ctx context.Context, collection string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.seq[collection], nil
}

func (f *fakeStorage) InsertDelta(ctx context.Context, d *logstore.Delta) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deltas = append(f.deltas, d)
	return nil
}

func (f *fakeStorage) IncrementDeltaCount(ctx context.Context, collection, documentID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := collection + "/" + documentID
	f.deltaCount[key]++
	return f.deltaCount[key], nil
}

func (f *fakeStorage) ResetDeltaCount(ctx context.Context, collection, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.deltaCount, collection+"/"+documentID)
	return nil
}

func (f *fakeStorage) Deltas(ctx context.Context, collection string, afterSeq uint64, limit int) ([]*logstore.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*logstore.Delta
	for _, d := range f.deltas {
		if d.Seq > afterSeq {
			out = append(out, d)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStorage) DeltasForDocument(ctx context.Context, collection, documentID string, afterSeq uint64) ([]*logstore.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*logstore.Delta
	for _, d := range f.deltas {
		if d.DocumentID == documentID && d.Seq > afterSeq {
			out = append(out, d)
		}
	}
	return out, nil
}

func (f *fakeStorage) OldestDelta(ctx context.Context, collection string) (*logstore.Delta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.deltas) == 0 {
		return nil, nil
	}
	return f.deltas[0], nil
}

func (f *fakeStorage) DeleteDeltasUpTo(ctx context.Context, collection, documentID string, seq uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var remaining []*logstore.Delta
	for _, d := range f.deltas {
		if d.Seq > seq {
			remaining = append(remaining, d)
		}
	}
	f.deltas = remaining
	return nil
}

func (f *fakeStorage) SaveSnapshot(ctx context.Context, s *logstore.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots[s.DocumentID] = s
	return nil
}

func (f *fakeStorage) GetSnapshot(ctx context.Context, collection, documentID string) (*logstore.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snapshots[documentID], nil
}

func (f *fakeStorage) Snapshots(ctx context.Context, collection string) ([]*logstore.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*logstore.Snapshot
	for _, s := range f.snapshots {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStorage) Connect(ctx context.Context) error      { return nil }
func (f *fakeStorage) Disconnect(ctx context.Context) error   { return nil }
func (f *fakeStorage) IsConnected() bool                      { return true }
func (f *fakeStorage) HealthCheck(ctx context.Context) (bool, error) { return true, nil }

func (f *fakeStorage) GetDocument(ctx context.Context, collection, id string) (*storage.DocumentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[id], nil
}

func (f *fakeStorage) SaveDocument(ctx context.Context, collection, id string, state map[string]interface{}) (*storage.DocumentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc := &storage.DocumentState{ID: id, Collection: collection, State: state}
	f.docs[id] = doc
	return doc, nil
}

func (f *fakeStorage) DeleteDocument(ctx context.Context, collection, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.docs[id]
	delete(f.docs, id)
	return ok, nil
}

func (f *fakeStorage) ListDocuments(ctx context.Context, collection string, limit, offset int) ([]*storage.DocumentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.DocumentState
	for _, d := range f.docs {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeStorage) SaveSession(ctx context.Context, session *storage.SessionEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[session.DocumentID+"/"+session.ClientID] = session
	return nil
}

func (f *fakeStorage) UpdateSession(ctx context.Context, collection, documentID, clientID string, vector []byte, seq uint64, lastSeen time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := documentID + "/" + clientID
	entry, ok := f.sessions[key]
	if !ok {
		entry = &storage.SessionEntry{Collection: collection, DocumentID: documentID, ClientID: clientID}
		f.sessions[key] = entry
	}
	entry.Vector = vector
	entry.Seq = seq
	entry.LastSeen = lastSeen
	entry.Connected = true
	return nil
}

func (f *fakeStorage) MarkDisconnected(ctx context.Context, collection, documentID, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry, ok := f.sessions[documentID+"/"+clientID]; ok {
		entry.Connected = false
	}
	return nil
}

func (f *fakeStorage) GetSessions(ctx context.Context, collection, documentID string) ([]*storage.SessionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.SessionEntry
	for _, s := range f.sessions {
		if s.DocumentID == documentID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStorage) GetConnectedSessions(ctx context.Context, collection, documentID string) ([]*storage.SessionEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*storage.SessionEntry
	for _, s := range f.sessions {
		if s.DocumentID == documentID && s.Connected {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStorage) DeleteSession(ctx context.Context, collection, documentID, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, documentID+"/"+clientID)
	return nil
}

func (f *fakeStorage) ClaimCompactionJob(ctx context.Context, id, collection, documentID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := collection + "/" + documentID
	if j, ok := f.jobs[key]; ok && (j.Status == "pending" || j.Status == "running") {
		return false, nil
	}
	f.jobs[key] = &storage.CompactionJobEntry{ID: id, Collection: collection, DocumentID: documentID, Status: "running"}
	return true, nil
}

func (f *fakeStorage) CompleteCompactionJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			j.Status = "done"
		}
	}
	return nil
}

func (f *fakeStorage) FailCompactionJob(ctx context.Context, id string, retries int, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, j := range f.jobs {
		if j.ID == id {
			j.Status = "failed"
			j.Retries = retries
		}
	}
	return nil
}

func (f *fakeStorage) GetCompactionJob(ctx context.Context, collection, documentID string) (*storage.CompactionJobEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.jobs[collection+"/"+documentID], nil
}

func (f *fakeStorage) Cleanup(ctx context.Context, options *storage.CleanupOptions) (*storage.CleanupResult, error) {
	return &storage.CleanupResult{}, nil
}

func newTestCollection(s *fakeStorage) *Collection {
	return New(Config{Name: "notes", ServerID: "server-1", Storage: s, HeartbeatInterval: 20 * time.Millisecond})
}

func TestMutateAppendsDeltaAndMaterializes(t *testing.T) {
	s := newFakeStorage()
	c := newTestCollection(s)

	_, seq, err := c.Mutate(context.Background(), "doc-1", func(tx *codec.Tx) {
		tx.SetField("title", "hello", 1)
	})
	if err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("seq = %d, want 1", seq)
	}

	s.mu.Lock()
	doc := s.docs["doc-1"]
	s.mu.Unlock()
	if doc == nil || doc.State["title"] != "hello" {
		t.Errorf("materialized state = %+v, want title=hello", doc)
	}
}

func TestMutateSchedulesCompactionAtThreshold(t *testing.T) {
	s := newFakeStorage()
	c := New(Config{Name: "notes", ServerID: "server-1", Storage: s, DeltaThreshold: 2})

	for i := 0; i < 2; i++ {
		if _, _, err := c.Mutate(context.Background(), "doc-1", func(tx *codec.Tx) {
			tx.SetField("title", "v", int64(i))
		}); err != nil {
			t.Fatalf("Mutate %d failed: %v", i, err)
		}
	}

	time.Sleep(50 * time.Millisecond)
	s.mu.Lock()
	_, claimed := s.jobs["notes/doc-1"]
	s.mu.Unlock()
	if !claimed {
		t.Error("expected a compaction job to be scheduled once the threshold was crossed")
	}
}

func TestStreamReturnsAppendedDeltas(t *testing.T) {
	s := newFakeStorage()
	c := newTestCollection(s)

	if _, _, err := c.Mutate(context.Background(), "doc-1", func(tx *codec.Tx) {
		tx.SetField("title", "hello", 1)
	}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	resp, err := c.Stream(context.Background(), 0, 10)
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	if len(resp.Changes) != 1 {
		t.Fatalf("len(Changes) = %d, want 1", len(resp.Changes))
	}
	if resp.Changes[0].Document != "doc-1" {
		t.Errorf("Document = %q, want doc-1", resp.Changes[0].Document)
	}
}

func TestRecoverReturnsDiffAgainstStoredState(t *testing.T) {
	s := newFakeStorage()
	c := newTestCollection(s)

	if _, _, err := c.Mutate(context.Background(), "doc-1", func(tx *codec.Tx) {
		tx.SetField("title", "hello", 1)
	}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	result, err := c.Recover(context.Background(), "doc-1", map[string]uint64{})
	if err != nil {
		t.Fatalf("Recover failed: %v", err)
	}
	if len(result.Diff) == 0 {
		t.Error("expected a non-empty diff for a client with an empty vector")
	}
}

func TestTouchAndLeaveUpdateSessions(t *testing.T) {
	s := newFakeStorage()
	c := newTestCollection(s)

	c.Touch("doc-1", "client-a", map[string]interface{}{"name": "Fox"}, nil)
	if len(c.Sessions("doc-1")) != 1 {
		t.Fatalf("Sessions() = %v, want 1 entry", c.Sessions("doc-1"))
	}

	c.Leave("doc-1", "client-a")
	if len(c.Sessions("doc-1")) != 0 {
		t.Errorf("Sessions() after Leave = %v, want empty", c.Sessions("doc-1"))
	}
}

func TestSessionExpiryMarksDisconnectedInStorage(t *testing.T) {
	s := newFakeStorage()
	c := newTestCollection(s)

	c.Touch("doc-1", "client-a", nil, nil)
	if err := c.UpdateVector(context.Background(), "doc-1", "client-a", []byte{}, 0); err != nil {
		t.Fatalf("UpdateVector failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	s.mu.Lock()
	entry := s.sessions["doc-1/client-a"]
	s.mu.Unlock()
	if entry == nil || entry.Connected {
		t.Errorf("entry = %+v, want Connected=false after expiry", entry)
	}
}

func TestApplyClientDeleteRemovesDocument(t *testing.T) {
	s := newFakeStorage()
	c := newTestCollection(s)

	if _, _, err := c.Mutate(context.Background(), "doc-1", func(tx *codec.Tx) {
		tx.SetField("title", "hello", 1)
	}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	doc, err := c.docs.Get("doc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	deleteDelta := doc.Transact(func(tx *codec.Tx) {
		tx.SetField("_deleted", true, 2)
	})

	if _, err := c.ApplyClientDelta(context.Background(), "doc-1", deleteDelta, "delete"); err != nil {
		t.Fatalf("ApplyClientDelta failed: %v", err)
	}

	s.mu.Lock()
	_, exists := s.docs["doc-1"]
	s.mu.Unlock()
	if exists {
		t.Error("expected document row to be deleted")
	}
}

func TestDestroyStopsSessionTimersAndClearsDocuments(t *testing.T) {
	s := newFakeStorage()
	c := newTestCollection(s)

	c.Touch("doc-1", "client-a", nil, nil)
	if _, _, err := c.Mutate(context.Background(), "doc-1", func(tx *codec.Tx) {
		tx.SetField("title", "hello", 1)
	}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	c.Destroy()

	if len(c.docs.Documents()) != 0 {
		t.Errorf("documents after Destroy = %v, want empty", c.docs.Documents())
	}
	if len(c.Sessions("doc-1")) != 0 {
		t.Errorf("sessions after Destroy = %v, want empty", c.Sessions("doc-1"))
	}
}
