// Package collection implements the top-level Collection (component
// wiring C1-C9 into a single owner, per spec.md §9's instruction to
// replace global mutable registries with one struct owning its
// subsystems): document store, log store, session tracker, compaction
// coordinator, stream and recovery services, and the main row table they
// all feed. internal/server builds a Registry that creates one Collection
// per collection name on first use, and the websocket hub routes every
// message for that name through it instead of touching
// docstore/logstore/session directly.
package collection

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/replikit/replikit/internal/codec"
	"github.com/replikit/replikit/internal/compaction"
	"github.com/replikit/replikit/internal/docstore"
	"github.com/replikit/replikit/internal/logstore"
	"github.com/replikit/replikit/internal/recovery"
	"github.com/replikit/replikit/internal/session"
	"github.com/replikit/replikit/internal/storage"
	"github.com/replikit/replikit/internal/stream"
)

// ServerOrigin tags every delta a Collection produces from a server-side
// mutation, distinguishing it from deltas applied with a remote client's
// own origin tag when observers need to tell the two apart (see
// internal/codec's origin parameter).
const ServerOrigin = "server"

// Notifier fans a newly-appended delta out to other server processes so
// their own connected clients see it without each server re-polling
// Postgres. storage.RedisPubSub implements it; a single-server deployment
// passes nil and Collection skips fanout entirely.
type Notifier interface {
	PublishDelta(ctx context.Context, collection string, delta interface{}) error
}

// Config configures a Collection. Storage is the only required field; a
// zero DeltaThreshold falls back to logstore.DefaultThreshold, a zero
// HeartbeatInterval to 10s and a zero PeerTimeout to 24h.
type Config struct {
	Name              string
	ServerID          string
	Storage           storage.StorageAdapter
	Notifier          Notifier
	DeltaThreshold    int64
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
}

// Collection owns every in-process subsystem serving one named
// collection: live document handles, the log store, connected-session
// tracking, and the compaction/stream/recovery services that read
// through to Storage.
type Collection struct {
	name     string
	serverID string
	storage  storage.StorageAdapter
	notifier Notifier

	docs      *docstore.Store
	logs      *logstore.Store
	sessions  *session.Tracker
	compactor *compaction.Coordinator
	streamSvc *stream.Service
	recovery  *recovery.Service
}

// New wires up a Collection from cfg.
func New(cfg Config) *Collection {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 24 * time.Hour
	}

	c := &Collection{
		name:     cfg.Name,
		serverID: cfg.ServerID,
		storage:  cfg.Storage,
		notifier: cfg.Notifier,
		docs:     docstore.New(cfg.Name, cfg.ServerID),
	}

	c.compactor = compaction.New(cfg.Storage, cfg.Storage, &sessionVectors{storage: cfg.Storage}, cfg.PeerTimeout)
	c.logs = logstore.New(cfg.Storage, schedulerAdapter{c.compactor}, cfg.DeltaThreshold)
	c.streamSvc = stream.New(cfg.Storage, &existenceChecker{storage: cfg.Storage})
	c.recovery = recovery.New(cfg.Storage)
	c.sessions = session.New(cfg.HeartbeatInterval, c.onSessionGone)

	return c
}

// schedulerAdapter satisfies logstore.CompactionScheduler by discarding
// compaction.Coordinator.Schedule's dedup result — logstore only needs
// fire-and-forget scheduling, callers who want the dedup decision call
// the coordinator directly.
type schedulerAdapter struct{ c *compaction.Coordinator }

func (s schedulerAdapter) Schedule(collection, documentID string) {
	s.c.Schedule(collection, documentID)
}

// existenceChecker adapts storage's main row table to stream.ExistenceChecker.
type existenceChecker struct{ storage storage.StorageAdapter }

func (e *existenceChecker) DocumentExists(ctx context.Context, collection, documentID string) (bool, error) {
	doc, err := e.storage.GetDocument(ctx, collection, documentID)
	if err != nil {
		return false, err
	}
	return doc != nil, nil
}

// sessionVectors adapts storage's persisted session rows to
// compaction.SessionVectors: the state vector a connected client last
// reported, read back from the sessions table rather than from
// session.Tracker, since the tracker only holds presence/profile/cursor
// in memory and a session's state vector must survive this process
// restarting underneath a still-connected client.
type sessionVectors struct{ storage storage.StorageAdapter }

func (v *sessionVectors) ConnectedVectors(ctx context.Context, collection, documentID string) ([][]byte, error) {
	entries, err := v.storage.GetConnectedSessions(ctx, collection, documentID)
	if err != nil {
		return nil, err
	}
	vectors := make([][]byte, len(entries))
	for i, e := range entries {
		vectors[i] = e.Vector
	}
	return vectors, nil
}

func (v *sessionVectors) DisconnectedSessions(ctx context.Context, collection, documentID string) ([]compaction.DisconnectedSession, error) {
	entries, err := v.storage.GetSessions(ctx, collection, documentID)
	if err != nil {
		return nil, err
	}
	var out []compaction.DisconnectedSession
	for _, e := range entries {
		if e.Connected {
			continue
		}
		out = append(out, compaction.DisconnectedSession{
			ClientID: e.ClientID,
			Vector:   e.Vector,
			LastSeen: e.LastSeen,
		})
	}
	return out, nil
}

// onSessionGone runs on the session tracker's own goroutine when a
// client's heartbeat grace period elapses; persisting the disconnect is
// best-effort, matching the teacher's error-handling texture for presence
// bookkeeping (internal/websocket/hub.go's cleanupStaleAwareness never
// fails the cleanup loop over one bad entry).
func (c *Collection) onSessionGone(collection, documentID, clientID string) {
	ctx := context.Background()
	if err := c.storage.MarkDisconnected(ctx, collection, documentID, clientID); err != nil {
		log.Printf("collection %s: mark disconnected %s/%s failed: %v", c.name, documentID, clientID, err)
	}
}

// Touch records a heartbeat for clientID on documentID: presence,
// profile/cursor, and the disconnect timer reset. profile/cursor may be
// nil to leave the previous value unchanged.
func (c *Collection) Touch(documentID, clientID string, profile, cursor map[string]interface{}) {
	c.sessions.Heartbeat(c.name, documentID, clientID, profile, cursor)
}

// Leave removes clientID's session immediately.
func (c *Collection) Leave(documentID, clientID string) {
	c.sessions.Leave(c.name, documentID, clientID)
}

// Sessions returns the currently-tracked sessions on documentID.
func (c *Collection) Sessions(documentID string) []session.Session {
	return c.sessions.Sessions(c.name, documentID)
}

// UpdateVector persists clientID's last-known state vector and seq for
// documentID, the bookkeeping compaction's connected-session coverage
// check depends on. Called whenever a client streams or recovers, since
// that is when the server learns what the client has actually observed.
func (c *Collection) UpdateVector(ctx context.Context, documentID, clientID string, vector []byte, seq uint64) error {
	return c.storage.UpdateSession(ctx, c.name, documentID, clientID, vector, seq, time.Now())
}

// Mutate runs mutator inside a server-authoritative transaction on
// documentID, appends the resulting delta to the log, materializes the
// document into the main row table, schedules compaction if the delta
// threshold is crossed, and fans the delta out to other server processes.
// documentID is created if it does not already exist.
func (c *Collection) Mutate(ctx context.Context, documentID string, mutator func(tx *codec.Tx)) ([]byte, uint64, error) {
	c.docs.GetOrCreate(documentID)
	delta, err := c.docs.TransactWithDelta(documentID, mutator)
	if err != nil {
		return nil, 0, fmt.Errorf("collection %s: mutate %s: %w", c.name, documentID, err)
	}

	seq, err := c.appendAndMaterialize(ctx, documentID, delta, "update")
	if err != nil {
		return nil, 0, err
	}
	return delta, seq, nil
}

// ApplyClientDelta merges an already-encoded delta a client pushed
// (internal/replication.Pusher's server-side counterpart) into
// documentID, then appends and materializes exactly as Mutate does.
// deltaType is "insert", "update" or "delete", matching the meta markers
// internal/replication.Driver stamps onto its materialized payload.
func (c *Collection) ApplyClientDelta(ctx context.Context, documentID string, delta []byte, deltaType string) (uint64, error) {
	if err := c.docs.ApplyUpdate(documentID, delta, ServerOrigin); err != nil {
		return 0, fmt.Errorf("collection %s: apply client delta %s: %w", c.name, documentID, err)
	}
	return c.appendAndMaterialize(ctx, documentID, delta, deltaType)
}

func (c *Collection) appendAndMaterialize(ctx context.Context, documentID string, delta []byte, deltaType string) (uint64, error) {
	seq, err := c.logs.NextSeq(ctx, c.name)
	if err != nil {
		return 0, fmt.Errorf("collection %s: next seq: %w", c.name, err)
	}
	if err := c.logs.AppendDelta(ctx, &logstore.Delta{
		Collection: c.name,
		DocumentID: documentID,
		Seq:        seq,
		Bytes:      delta,
		Type:       deltaType,
	}); err != nil {
		return 0, fmt.Errorf("collection %s: append delta: %w", c.name, err)
	}

	if err := c.materialize(ctx, documentID, deltaType); err != nil {
		log.Printf("collection %s: materialize %s failed: %v", c.name, documentID, err)
	}

	if c.notifier != nil {
		if err := c.notifier.PublishDelta(ctx, c.name, delta); err != nil {
			log.Printf("collection %s: publish delta %s failed: %v", c.name, documentID, err)
		}
	}
	return seq, nil
}

// materialize writes documentID's current CRDT state into the main row
// table, or, for a "delete" delta, drops the live document and deletes its
// row.
func (c *Collection) materialize(ctx context.Context, documentID, deltaType string) error {
	if deltaType == "delete" {
		c.docs.Delete(documentID)
		_, err := c.storage.DeleteDocument(ctx, c.name, documentID)
		return err
	}
	state, err := c.docs.Serialize(documentID)
	if err != nil {
		return err
	}
	_, err = c.storage.SaveDocument(ctx, c.name, documentID, state)
	return err
}

// Stream delegates to the stream service (C6).
func (c *Collection) Stream(ctx context.Context, seq uint64, limit int) (*stream.Response, error) {
	return c.streamSvc.Stream(ctx, c.name, seq, limit)
}

// Recover delegates to the recovery service (C7).
func (c *Collection) Recover(ctx context.Context, documentID string, clientVector map[string]uint64) (*recovery.Result, error) {
	return c.recovery.Recover(ctx, c.name, documentID, clientVector)
}

// Compact runs an immediate synchronous compaction for documentID,
// bypassing the scheduler — used by admin/maintenance endpoints that
// want to wait for the result rather than fire-and-forget it.
func (c *Collection) Compact(ctx context.Context, documentID string) (*compaction.Result, error) {
	return c.compactor.Compact(ctx, c.name, documentID)
}

// Destroy tears down every subsystem this Collection owns: cancels all
// session disconnect timers and drops the live document registry. It
// does not touch Storage, which may be shared with other collections.
func (c *Collection) Destroy() {
	c.sessions.Close()
	for _, id := range c.docs.Documents() {
		c.docs.Delete(id)
	}
}
