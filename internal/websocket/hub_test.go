package websocket

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/replikit/replikit/internal/codec"
	"github.com/replikit/replikit/internal/collection"
	"github.com/replikit/replikit/internal/logstore"
	"github.com/replikit/replikit/internal/protocol"
	"github.com/replikit/replikit/internal/storage"
)

// fakeStorage is an in-memory stand-in for storage.StorageAdapter, enough
// of it for a Collection wired through a Hub to exercise.
type fakeStorage struct {
	mu sync.Mutex

	seq        map[string]uint64
	deltas     []*logstore.Delta
	deltaCount map[string]int64
	snapshots  map[string]*logstore.Snapshot
	docs       map[string]*storage.DocumentState
	sessions   map[string]*storage.SessionEntry
	jobs       map[string]*storage.CompactionJobEntry
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

func (f *fakeStorage) Connect(ctx context.Context) error            { return nil }
func (f *fakeStorage) Disconnect(ctx context.Context) error         { return nil }
func (f *fakeStorage) IsConnected() bool                            { return true }
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
	if _, ok := f.jobs[key]; ok {
		return false, nil
	}
	f.jobs[key] = &storage.CompactionJobEntry{ID: id, Collection: collection, DocumentID: documentID, Status: "running"}
	return true, nil
}

func (f *fakeStorage) CompleteCompactionJob(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, j := range f.jobs {
		if j.ID == id {
			delete(f.jobs, k)
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

func newTestHub(t *testing.T) (*Hub, *fakeStorage) {
	t.Helper()
	s := newFakeStorage()
	registry := collection.NewRegistry(collection.RegistryConfig{
		Storage:           s,
		ServerID:          "server-1",
		HeartbeatInterval: time.Minute,
	})
	return NewHub("test-secret", registry), s
}

func authedConn(t *testing.T, h *Hub) *Connection {
	t.Helper()
	t.Setenv("REPLIKIT_AUTH_REQUIRED", "false")
	conn := NewConnection("conn-1", nil, h)
	h.handleMessage(conn, &protocol.Message{
		Type: protocol.TypeAuth,
		ID:   "auth-1",
		Payload: map[string]interface{}{
			"type":     protocol.TypeAuth,
			"clientId": "client-a",
		},
	})
	drain(t, conn) // auth_success
	return conn
}

// drain reads and decodes the next message queued on conn's send channel.
func drain(t *testing.T, conn *Connection) *protocol.Message {
	t.Helper()
	select {
	case data := <-conn.send:
		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			t.Fatalf("DecodeMessage failed: %v", err)
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a message")
		return nil
	}
}

func TestSubscribeReturnsFullRecoveryDiff(t *testing.T) {
	h, _ := newTestHub(t)
	conn := authedConn(t, h)

	// Seed a document directly through the registry, as a prior writer would.
	_, _, err := h.registry.Get(DefaultCollectionName).Mutate(context.Background(), "room:doc-1", func(tx *codec.Tx) {
		tx.SetField("title", "hello", 1)
	})
	if err != nil {
		t.Fatalf("seed mutate failed: %v", err)
	}

	h.handleMessage(conn, &protocol.Message{
		Type: protocol.TypeSubscribe,
		ID:   "sub-1",
		Payload: map[string]interface{}{
			"type":  protocol.TypeSubscribe,
			"docId": "room:doc-1",
		},
	})

	msg := drain(t, conn)
	if msg.Type != protocol.TypeSyncResponse {
		t.Fatalf("Type = %q, want %q", msg.Type, protocol.TypeSyncResponse)
	}
	if _, ok := msg.Payload["diff"].(string); !ok {
		t.Errorf("expected a non-empty diff field in the sync response, got %+v", msg.Payload)
	}
}

func TestDeltaAppliesAndBroadcastsToOtherSubscribers(t *testing.T) {
	h, _ := newTestHub(t)

	writer := authedConn(t, h)
	reader := NewConnection("conn-2", nil, h)
	h.handleMessage(reader, &protocol.Message{
		Type:    protocol.TypeAuth,
		ID:      "auth-2",
		Payload: map[string]interface{}{"type": protocol.TypeAuth, "clientId": "client-b"},
	})
	drain(t, reader)

	for _, conn := range []*Connection{writer, reader} {
		h.handleMessage(conn, &protocol.Message{
			Type:    protocol.TypeSubscribe,
			ID:      "sub",
			Payload: map[string]interface{}{"type": protocol.TypeSubscribe, "docId": "room:doc-2"},
		})
		drain(t, conn) // sync_response
	}

	doc := codec.NewDocument("client-a")
	delta := doc.Transact(func(tx *codec.Tx) {
		tx.SetField("title", "hi", 1)
	})

	h.handleMessage(writer, &protocol.Message{
		Type: protocol.TypeDelta,
		ID:   "delta-1",
		Payload: map[string]interface{}{
			"type":  protocol.TypeDelta,
			"docId": "room:doc-2",
			"delta": protocol.EncodeBytesField(delta),
		},
	})

	ack := drain(t, writer)
	if ack.Type != protocol.TypeAck {
		t.Fatalf("writer got %q, want ack", ack.Type)
	}

	broadcast := drain(t, reader)
	if broadcast.Type != protocol.TypeDelta {
		t.Fatalf("reader got %q, want delta broadcast", broadcast.Type)
	}
	got, _, err := protocol.DecodeBytesField(broadcast.Payload, "delta")
	if err != nil || string(got) != string(delta) {
		t.Errorf("broadcast delta = %v, err=%v, want %v", got, err, delta)
	}
}

func TestSeqStreamReturnsEmptyStreamForAnEmptyLog(t *testing.T) {
	h, _ := newTestHub(t)
	conn := authedConn(t, h)

	h.handleMessage(conn, &protocol.Message{
		Type: protocol.TypeSeqStream,
		ID:   "stream-1",
		Payload: map[string]interface{}{
			"type": protocol.TypeSeqStream,
			"seq":  float64(0),
		},
	})

	msg := drain(t, conn)
	if msg.Type != protocol.TypeSeqStream {
		t.Fatalf("Type = %q, want %q", msg.Type, protocol.TypeSeqStream)
	}
	if msg.Payload["seq"].(float64) != 0 {
		t.Errorf("seq = %v, want 0 for an empty log", msg.Payload["seq"])
	}
}

func TestAwarenessUpdateTouchesSessionAndBroadcasts(t *testing.T) {
	h, _ := newTestHub(t)
	author := authedConn(t, h)
	peer := NewConnection("conn-2", nil, h)
	h.handleMessage(peer, &protocol.Message{
		Type:    protocol.TypeAuth,
		ID:      "auth-2",
		Payload: map[string]interface{}{"type": protocol.TypeAuth, "clientId": "client-b"},
	})
	drain(t, peer)

	for _, conn := range []*Connection{author, peer} {
		h.handleMessage(conn, &protocol.Message{
			Type:    protocol.TypeSubscribe,
			ID:      "sub",
			Payload: map[string]interface{}{"type": protocol.TypeSubscribe, "docId": "room:doc-3"},
		})
		drain(t, conn)
	}

	h.handleMessage(author, &protocol.Message{
		Type: protocol.TypeAwarenessUpdate,
		ID:   "aware-1",
		Payload: map[string]interface{}{
			"type":  protocol.TypeAwarenessUpdate,
			"docId": "room:doc-3",
			"state": map[string]interface{}{"cursor": float64(3)},
		},
	})

	broadcast := drain(t, peer)
	if broadcast.Type != protocol.TypeAwarenessState {
		t.Fatalf("Type = %q, want %q", broadcast.Type, protocol.TypeAwarenessState)
	}

	sessions := h.registry.Get(DefaultCollectionName).Sessions("room:doc-3")
	if len(sessions) != 1 {
		t.Fatalf("Sessions() = %v, want 1 entry after awareness touch", sessions)
	}
}
