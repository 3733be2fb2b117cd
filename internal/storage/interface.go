// Package storage provides database adapters for document persistence:
// the main per-document row table (fed by a document's materialized CRDT
// state), the append-only delta log and snapshot tables the replication
// engine's log store depends on, and session/presence tracking.
package storage

import (
	"context"
	"time"

	"github.com/replikit/replikit/internal/logstore"
)

// DocumentState represents the current materialized row for a document —
// the output of codec.Document.Materialize, persisted so a cold server can
// serve a document without replaying its whole delta log.
type DocumentState struct {
	ID         string                 `json:"id"`
	Collection string                 `json:"collection"`
	State      map[string]interface{} `json:"state"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// SessionEntry represents one client's connection to one document:
// presence, its last-known state vector, and the disconnect bookkeeping
// the session tracker needs.
type SessionEntry struct {
	Collection string                 `json:"collection"`
	DocumentID string                 `json:"documentId"`
	ClientID   string                 `json:"clientId"`
	Vector     []byte                 `json:"vector,omitempty"`
	Seq        uint64                 `json:"seq"`
	Connected  bool                   `json:"connected"`
	LastSeen   time.Time              `json:"lastSeen"`
	Profile    map[string]interface{} `json:"profile,omitempty"`
	Cursor     map[string]interface{} `json:"cursor,omitempty"`
}

// CompactionJobEntry mirrors one row of the compaction_jobs table: the
// state machine compaction.Coordinator drives.
type CompactionJobEntry struct {
	ID          string
	Collection  string
	DocumentID  string
	Status      string // pending|running|done|failed
	Retries     int
	Error       string
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// CleanupOptions specifies what to clean up.
type CleanupOptions struct {
	OldSessionsHours        int
	OldDeltasDays           int
	MaxSnapshotsPerDocument int
}

// CleanupResult contains cleanup statistics.
type CleanupResult struct {
	SessionsDeleted  int `json:"sessionsDeleted"`
	DeltasDeleted    int `json:"deltasDeleted"`
	SnapshotsDeleted int `json:"snapshotsDeleted"`
}

// StorageAdapter is the full persistence surface the server depends on.
// It embeds ReplicaStore (the seam internal/logstore needs) alongside the
// document/session/maintenance operations the rest of the server uses.
type StorageAdapter interface {
	ReplicaStore

	// Connection lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	HealthCheck(ctx context.Context) (bool, error)

	// Document operations (main row table)
	GetDocument(ctx context.Context, collection, id string) (*DocumentState, error)
	SaveDocument(ctx context.Context, collection, id string, state map[string]interface{}) (*DocumentState, error)
	DeleteDocument(ctx context.Context, collection, id string) (bool, error)
	ListDocuments(ctx context.Context, collection string, limit, offset int) ([]*DocumentState, error)

	// Session operations (presence + per-document sync state)
	SaveSession(ctx context.Context, session *SessionEntry) error
	UpdateSession(ctx context.Context, collection, documentID, clientID string, vector []byte, seq uint64, lastSeen time.Time) error
	MarkDisconnected(ctx context.Context, collection, documentID, clientID string) error
	GetSessions(ctx context.Context, collection, documentID string) ([]*SessionEntry, error)
	GetConnectedSessions(ctx context.Context, collection, documentID string) ([]*SessionEntry, error)
	DeleteSession(ctx context.Context, collection, documentID, clientID string) error

	// Compaction job bookkeeping
	ClaimCompactionJob(ctx context.Context, id, collection, documentID string) (bool, error)
	CompleteCompactionJob(ctx context.Context, id string) error
	FailCompactionJob(ctx context.Context, id string, retries int, cause error) error
	GetCompactionJob(ctx context.Context, collection, documentID string) (*CompactionJobEntry, error)

	// Maintenance
	Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error)
}

// ReplicaStore is the persistence seam internal/logstore and
// internal/compaction depend on — the append-only log, its sequence
// counter, and snapshots. PostgresAdapter implements it directly;
// logstore.Store wraps it with retry-free, Postgres-agnostic orchestration.
type ReplicaStore interface {
	NextSeq(ctx context.Context, collection string) (uint64, error)
	CurrentSeq(ctx context.Context, collection string) (uint64, error)
	InsertDelta(ctx context.Context, d *logstore.Delta) error
	IncrementDeltaCount(ctx context.Context, collection, documentID string) (int64, error)
	ResetDeltaCount(ctx context.Context, collection, documentID string) error
	Deltas(ctx context.Context, collection string, afterSeq uint64, limit int) ([]*logstore.Delta, error)
	DeltasForDocument(ctx context.Context, collection, documentID string, afterSeq uint64) ([]*logstore.Delta, error)
	OldestDelta(ctx context.Context, collection string) (*logstore.Delta, error)
	DeleteDeltasUpTo(ctx context.Context, collection, documentID string, seq uint64) error
	SaveSnapshot(ctx context.Context, s *logstore.Snapshot) error
	GetSnapshot(ctx context.Context, collection, documentID string) (*logstore.Snapshot, error)
	Snapshots(ctx context.Context, collection string) ([]*logstore.Snapshot, error)
}

// StorageConfig holds configuration for storage adapters.
type StorageConfig struct {
	ConnectionString  string
	PoolMinConns      int32
	PoolMaxConns      int32
	ConnectionTimeout time.Duration
}

// DefaultStorageConfig returns sensible defaults.
func DefaultStorageConfig() *StorageConfig {
	return &StorageConfig{
		PoolMinConns:      2,
		PoolMaxConns:      10,
		ConnectionTimeout: 5 * time.Second,
	}
}
