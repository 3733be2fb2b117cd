// Package replication implements the replication driver (component C9):
// the client-side glue that reconstructs local CRDT document state on
// startup, runs recovery to catch up with the server, applies stream
// batches, and pushes local edits through the sync queue. Grounded on
// the startup/apply-batch sequencing spec.md §4.9 describes; the local
// persistence adapter's key scheme is grounded on
// other_examples/2aad34cb_vanillacake369-agent-collab__src-infrastructure-storage-badger-delta_store.go.go's
// sharded `delta:{source}:{ts}:{id}` keys, adapted here to
// `{collection}:{document}` document blobs and `cursor:{collection}`.
package replication

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/replikit/replikit/internal/codec"
	"github.com/replikit/replikit/internal/docstore"
	"github.com/replikit/replikit/internal/recovery"
	"github.com/replikit/replikit/internal/stream"
	"github.com/replikit/replikit/internal/syncqueue"
)

// LocalStore is the client-side local persistence collaborator: an
// atomic key-value get/set, used for the cursor seq and per-document CRDT
// blobs. Durability across restarts is required; eventual consistency
// with in-memory state is acceptable.
type LocalStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// MainTable is the materialized row table a collection's replicated
// documents are projected into — the surface external queries read.
type MainTable interface {
	Upsert(ctx context.Context, documentID string, materialized map[string]interface{}) error
	Delete(ctx context.Context, documentID string) error
	DocumentIDs(ctx context.Context) ([]string, error)
	Exists(ctx context.Context, documentID string) (bool, error)
}

// Pusher delivers a locally-originated mutation to the server. It is the
// client's transport collaborator; replication only calls it from inside
// the sync queue, so retries/backoff are handled there.
type Pusher interface {
	Push(ctx context.Context, collection, documentID string, task PushTask) error
}

// PushTask is what a local edit pushes upstream.
type PushTask struct {
	Type         string // insert|update|delete
	Delta        []byte
	Materialized map[string]interface{}
}

// PresenceMarker reports a document's post-apply client vector and seq to
// the server, fire-and-forget.
type PresenceMarker interface {
	Mark(ctx context.Context, collection, documentID string, vector []byte, seq uint64)
}

// existenceAdapter satisfies stream.ExistenceChecker over a MainTable.
type existenceAdapter struct{ table MainTable }

func (e existenceAdapter) DocumentExists(ctx context.Context, collection, documentID string) (bool, error) {
	return e.table.Exists(ctx, documentID)
}

// Driver is the replication driver for one collection.
type Driver struct {
	collection string
	clientID   string

	local     LocalStore
	mainTable MainTable
	docs      *docstore.Store
	streamSvc *stream.Service
	recover   *recovery.Service
	queue     *syncqueue.Queue
	pusher    Pusher
	presence  PresenceMarker

	mu       sync.Mutex
	cursor   uint64
	lastSeq  map[string]uint64
}

// Config bundles Driver's collaborators.
type Config struct {
	Collection string
	ClientID   string
	Local      LocalStore
	MainTable  MainTable
	StreamDB   stream.DB
	RecoveryDB recovery.DB
	Queue      *syncqueue.Queue
	Pusher     Pusher
	Presence   PresenceMarker
}

// New creates a Driver for one collection.
func New(cfg Config) *Driver {
	return &Driver{
		collection: cfg.Collection,
		clientID:   cfg.ClientID,
		local:      cfg.Local,
		mainTable:  cfg.MainTable,
		docs:       docstore.New(cfg.Collection, cfg.ClientID),
		streamSvc:  stream.New(cfg.StreamDB, existenceAdapter{cfg.MainTable}),
		recover:    recovery.New(cfg.RecoveryDB),
		queue:      cfg.Queue,
		pusher:     cfg.Pusher,
		presence:   cfg.Presence,
		lastSeq:    make(map[string]uint64),
	}
}

func cursorKey(collection string) string {
	return fmt.Sprintf("cursor:%s", collection)
}

func docKey(collection, documentID string) string {
	return fmt.Sprintf("%s:%s", collection, documentID)
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}

func decodeSeq(data []byte) uint64 {
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

// Bootstrap runs the startup sequence: reconstruct document handles from
// local persistence, apply any delivered initial materialization, run
// recovery for every local document without pushing local state, and
// reserialize into the main table. initial may be nil.
func (d *Driver) Bootstrap(ctx context.Context, initial map[string][]byte) error {
	cursorBytes, ok, err := d.local.Get(ctx, cursorKey(d.collection))
	if err != nil {
		return fmt.Errorf("replication: read cursor: %w", err)
	}
	d.mu.Lock()
	if ok {
		d.cursor = decodeSeq(cursorBytes)
	}
	d.mu.Unlock()

	ids, err := d.mainTable.DocumentIDs(ctx)
	if err != nil {
		return fmt.Errorf("replication: list document ids: %w", err)
	}
	for _, id := range ids {
		blob, found, err := d.local.Get(ctx, docKey(d.collection, id))
		if err != nil {
			log.Printf("replication: read local document %s/%s: %v", d.collection, id, err)
			continue
		}
		if !found {
			continue
		}
		if err := d.docs.ApplyUpdate(id, blob, "local"); err != nil {
			log.Printf("replication: corrupt local document %s/%s, skipping: %v", d.collection, id, err)
			continue
		}
	}

	for doc, bytes := range initial {
		if err := d.docs.ApplyUpdate(doc, bytes, "server"); err != nil {
			log.Printf("replication: apply initial state for %s/%s: %v", d.collection, doc, err)
		}
	}

	for _, id := range d.docs.Documents() {
		if err := d.recoverDocument(ctx, id, false); err != nil {
			log.Printf("replication: recovery for %s/%s: %v", d.collection, id, err)
		}
	}

	for _, id := range d.docs.Documents() {
		materialized, err := d.docs.Serialize(id)
		if err != nil {
			continue
		}
		if err := d.mainTable.Upsert(ctx, id, materialized); err != nil {
			log.Printf("replication: serialize %s/%s into main table: %v", d.collection, id, err)
		}
	}
	return nil
}

// recoverDocument runs recovery for one document and applies any diff
// with server origin. push is reserved for the online-return path (§4.9
// step 7); it is not yet wired to a push primitive beyond the local CRDT
// merge, since the server always accepts a client's recovery-triggered
// delta on its next regular push.
func (d *Driver) recoverDocument(ctx context.Context, documentID string, push bool) error {
	vector, err := d.docs.EncodeStateVector(documentID)
	if err != nil {
		return err
	}
	decoded, err := codec.DecodeStateVector(vector)
	if err != nil {
		return err
	}
	result, err := d.recover.Recover(ctx, d.collection, documentID, decoded)
	if err != nil {
		return err
	}
	if result.Diff != nil {
		if err := d.docs.ApplyUpdate(documentID, result.Diff, "server"); err != nil {
			return err
		}
	}
	return nil
}

// Reconnect re-runs recovery for every local document with push_local
// semantics: any local state the server is missing resurfaces on the next
// regular sync-queue push rather than being forced here, matching
// spec.md's "re-push local state on the next sync" wording.
func (d *Driver) Reconnect(ctx context.Context) error {
	for _, id := range d.docs.Documents() {
		if err := d.recoverDocument(ctx, id, true); err != nil {
			log.Printf("replication: reconnect recovery for %s/%s: %v", d.collection, id, err)
		}
	}
	return nil
}

// PollOnce fetches and applies one stream batch starting at the driver's
// current cursor. It returns whether more rows are available beyond this
// batch.
func (d *Driver) PollOnce(ctx context.Context, limit int) (bool, error) {
	d.mu.Lock()
	cursor := d.cursor
	d.mu.Unlock()

	resp, err := d.streamSvc.Stream(ctx, d.collection, cursor, limit)
	if err != nil {
		return false, fmt.Errorf("replication: stream: %w", err)
	}
	if len(resp.Changes) == 0 {
		return resp.More, nil
	}

	touched := make([]string, 0, len(resp.Changes))
	for _, change := range resp.Changes {
		if err := d.applyChange(ctx, change); err != nil {
			log.Printf("replication: apply change %s/%s: %v", d.collection, change.Document, err)
			continue
		}
		touched = append(touched, change.Document)
	}

	if err := d.local.Set(ctx, cursorKey(d.collection), encodeSeq(resp.Seq)); err != nil {
		return false, fmt.Errorf("replication: persist cursor: %w", err)
	}
	d.mu.Lock()
	d.cursor = resp.Seq
	d.mu.Unlock()

	if d.presence != nil {
		for _, id := range touched {
			vector, err := d.docs.EncodeStateVector(id)
			if err != nil {
				continue
			}
			go d.presence.Mark(context.Background(), d.collection, id, vector, resp.Seq)
		}
	}
	return resp.More, nil
}

func (d *Driver) applyChange(ctx context.Context, change stream.Change) error {
	d.mu.Lock()
	prevSeq := d.lastSeq[change.Document]
	d.mu.Unlock()

	if !change.Exists {
		if change.Seq <= prevSeq {
			// Local state is at least as new as this delete; ignore it. A
			// tie resolves toward existence, not deletion, so the CRDT
			// merge will resurrect the document on the next local push.
			return nil
		}
		if _, err := d.docs.Get(change.Document); errors.Is(err, docstore.ErrNotFound) {
			return nil
		}
		d.docs.Delete(change.Document)
		if err := d.local.Set(ctx, docKey(d.collection, change.Document), nil); err != nil {
			return err
		}
		if err := d.mainTable.Delete(ctx, change.Document); err != nil {
			return err
		}
		d.mu.Lock()
		d.lastSeq[change.Document] = change.Seq
		d.mu.Unlock()
		return nil
	}

	if err := d.docs.ApplyUpdate(change.Document, change.Bytes, "server"); err != nil {
		return err
	}
	d.mu.Lock()
	d.lastSeq[change.Document] = change.Seq
	d.mu.Unlock()

	materialized, err := d.docs.Serialize(change.Document)
	if err != nil {
		return err
	}
	if err := d.mainTable.Upsert(ctx, change.Document, materialized); err != nil {
		return err
	}
	full, err := fullDocumentBytes(d.docs, change.Document)
	if err != nil {
		return err
	}
	return d.local.Set(ctx, docKey(d.collection, change.Document), full)
}

func fullDocumentBytes(docs *docstore.Store, documentID string) ([]byte, error) {
	doc, err := docs.Get(documentID)
	if err != nil {
		return nil, err
	}
	return doc.EncodeUpdate(), nil
}

// Insert builds a CRDT transaction marking the document created and
// writing every entry of fields as a primitive field value, captures the
// resulting delta, persists it locally, and pushes it via the sync queue.
// The driver has no schema: rich-text fields are not told apart and
// nothing is materialized into a fragment.
func (d *Driver) Insert(ctx context.Context, documentID string, fields map[string]interface{}, timestamp int64) error {
	doc := d.docs.GetOrCreate(documentID)
	delta := doc.Transact(func(tx *codec.Tx) {
		tx.SetField("_created", true, timestamp)
		for field, value := range fields {
			tx.SetField(field, value, timestamp)
		}
	})
	return d.pushLocalChange(ctx, documentID, "insert", delta)
}

// Update writes every entry of fields into the document's CRDT state as a
// primitive field value and pushes the resulting delta. Fragment fields
// are not skipped: the driver has no schema to tell them apart.
func (d *Driver) Update(ctx context.Context, documentID string, fields map[string]interface{}, timestamp int64) error {
	delta, err := d.docs.TransactWithDelta(documentID, func(tx *codec.Tx) {
		for field, value := range fields {
			tx.SetField(field, value, timestamp)
		}
	})
	if err != nil {
		return fmt.Errorf("replication: update %s/%s: %w", d.collection, documentID, err)
	}
	return d.pushLocalChange(ctx, documentID, "update", delta)
}

// Delete records a `_deleted` marker inside the document's CRDT state and
// pushes a delete task; the row is not dropped locally until the server
// confirms (via a later stream delete) or a local read treats it as gone.
func (d *Driver) Delete(ctx context.Context, documentID string, timestamp int64) error {
	delta, err := d.docs.TransactWithDelta(documentID, func(tx *codec.Tx) {
		tx.SetField("_deleted", true, timestamp)
	})
	if err != nil {
		return fmt.Errorf("replication: delete %s/%s: %w", d.collection, documentID, err)
	}
	return d.pushLocalChange(ctx, documentID, "delete", delta)
}

func (d *Driver) pushLocalChange(ctx context.Context, documentID, taskType string, delta []byte) error {
	materialized, err := d.docs.Serialize(documentID)
	if err != nil {
		return err
	}
	full, err := fullDocumentBytes(d.docs, documentID)
	if err != nil {
		return err
	}
	if err := d.local.Set(ctx, docKey(d.collection, documentID), full); err != nil {
		return err
	}

	if d.queue == nil || d.pusher == nil {
		return nil
	}
	task := PushTask{Type: taskType, Delta: delta, Materialized: materialized}
	d.queue.Enqueue(documentID, func(ctx context.Context) error {
		return d.pusher.Push(ctx, d.collection, documentID, task)
	})
	return nil
}
