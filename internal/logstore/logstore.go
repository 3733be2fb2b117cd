// Package logstore implements the append-only delta log (component C3):
// per-collection monotonic sequence allocation, delta append with
// threshold-triggered compaction scheduling, and the read paths compaction,
// stream and recovery all share. Persistence itself lives behind the DB
// interface so logstore stays free of Postgres-specific retry/error-code
// detail — that detail lives in internal/storage, grounded on the
// teacher's postgres.go.
package logstore

import (
	"context"
	"fmt"
	"time"
)

// Delta is one entry in a collection's append-only log.
type Delta struct {
	Collection string
	DocumentID string
	Seq        uint64
	Bytes      []byte
	Type       string // insert|update|delete
	CreatedAt  time.Time
}

// Snapshot is a compacted point-in-time merge of a document's deltas up to
// (and including) Seq.
type Snapshot struct {
	Collection string
	DocumentID string
	Bytes      []byte
	Vector     []byte
	Seq        uint64
	CreatedAt  time.Time
}

// DB is the persistence boundary logstore needs. internal/storage's
// PostgresAdapter implements it; NextSeq is expected to already retry
// Postgres serialization failures internally and to seed a collection's
// counter from its highest existing delta seq the first time it's used.
type DB interface {
	NextSeq(ctx context.Context, collection string) (uint64, error)
	InsertDelta(ctx context.Context, d *Delta) error
	IncrementDeltaCount(ctx context.Context, collection, documentID string) (int64, error)
	Deltas(ctx context.Context, collection string, afterSeq uint64, limit int) ([]*Delta, error)
	OldestDelta(ctx context.Context, collection string) (*Delta, error)
	Snapshots(ctx context.Context, collection string) ([]*Snapshot, error)
}

// CompactionScheduler is notified when a document's pending delta count
// crosses the compaction threshold. internal/compaction.Coordinator
// implements it; logstore depends only on this narrow seam so it never
// needs to import compaction.
type CompactionScheduler interface {
	Schedule(collection, documentID string)
}

// DefaultThreshold is the default delta count at which a document is
// flagged for compaction (spec's "threshold" parameter).
const DefaultThreshold = 500

// Store is the log store for one server process: it owns sequence
// allocation and delta append, and fans out to a CompactionScheduler once
// a document accumulates enough un-compacted deltas.
type Store struct {
	db        DB
	scheduler CompactionScheduler
	threshold int64
}

// New creates a Store. threshold <= 0 uses DefaultThreshold.
func New(db DB, scheduler CompactionScheduler, threshold int64) *Store {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Store{db: db, scheduler: scheduler, threshold: threshold}
}

// NextSeq allocates the next sequence number for collection. Sequence
// allocation is per-collection and monotonic: every delta appended to a
// collection gets a strictly increasing seq, regardless of which document
// it belongs to, so stream/recovery can reason about a single collection
// cursor.
func (s *Store) NextSeq(ctx context.Context, collection string) (uint64, error) {
	seq, err := s.db.NextSeq(ctx, collection)
	if err != nil {
		return 0, fmt.Errorf("logstore: next seq: %w", err)
	}
	return seq, nil
}

// AppendDelta persists d and, once the owning document's pending delta
// count reaches the compaction threshold, schedules a compaction job for
// it. Scheduling is fire-and-forget: a failure to schedule never fails the
// append, matching spec's "session tracker / compaction scheduling is best
// effort" error-handling texture.
func (s *Store) AppendDelta(ctx context.Context, d *Delta) error {
	if err := s.db.InsertDelta(ctx, d); err != nil {
		return fmt.Errorf("logstore: append delta: %w", err)
	}

	count, err := s.db.IncrementDeltaCount(ctx, d.Collection, d.DocumentID)
	if err != nil {
		return nil // count bookkeeping is best-effort; the delta itself is durable
	}
	if count >= s.threshold && s.scheduler != nil {
		s.scheduler.Schedule(d.Collection, d.DocumentID)
	}
	return nil
}

// Deltas returns up to limit deltas for collection with seq > afterSeq, in
// ascending seq order.
func (s *Store) Deltas(ctx context.Context, collection string, afterSeq uint64, limit int) ([]*Delta, error) {
	deltas, err := s.db.Deltas(ctx, collection, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("logstore: deltas: %w", err)
	}
	return deltas, nil
}

// OldestDelta returns the oldest delta still retained for collection, or
// nil if the log is empty for it. Used by stream's gap-detection check.
func (s *Store) OldestDelta(ctx context.Context, collection string) (*Delta, error) {
	d, err := s.db.OldestDelta(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("logstore: oldest delta: %w", err)
	}
	return d, nil
}

// Snapshots returns every snapshot currently stored for collection.
func (s *Store) Snapshots(ctx context.Context, collection string) ([]*Snapshot, error) {
	snaps, err := s.db.Snapshots(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("logstore: snapshots: %w", err)
	}
	return snaps, nil
}
