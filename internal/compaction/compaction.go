// Package compaction implements the compaction coordinator (component C5):
// boundary-seq snapshot compaction with a TOCTOU-safe read of the
// sequence horizon, a can-delete-all gate keyed on every connected
// session's state vector, and a pending/running/done/failed job state
// machine with bounded retry. Scheduling's dedup and the retry-with-backoff
// loop are grounded on the teacher's Hub.runAwarenessCleanup
// ticker-goroutine pattern (internal/websocket/hub.go), generalized from a
// fixed ticker to one timer per scheduled job.
package compaction

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/replikit/replikit/internal/codec"
	"github.com/replikit/replikit/internal/logstore"
)

// MaxRetries bounds how many times a failed compaction job is retried
// before being marked permanently failed.
const MaxRetries = 3

// baseBackoff is the delay before the first retry; each subsequent retry
// doubles it.
const baseBackoff = 500 * time.Millisecond

// DB is the persistence seam compaction needs beyond the plain log reads
// logstore.Store already offers: snapshot/delta deletion and the job
// state machine's row operations.
type DB interface {
	DeltasForDocument(ctx context.Context, collection, documentID string, afterSeq uint64) ([]*logstore.Delta, error)
	GetSnapshot(ctx context.Context, collection, documentID string) (*logstore.Snapshot, error)
	SaveSnapshot(ctx context.Context, s *logstore.Snapshot) error
	DeleteDeltasUpTo(ctx context.Context, collection, documentID string, seq uint64) error
	ResetDeltaCount(ctx context.Context, collection, documentID string) error
	DeleteSession(ctx context.Context, collection, documentID, clientID string) error

	ClaimCompactionJob(ctx context.Context, id, collection, documentID string) (bool, error)
	CompleteCompactionJob(ctx context.Context, id string) error
	FailCompactionJob(ctx context.Context, id string, retries int, cause error) error
}

// SequenceSource reads the current collection sequence counter without
// allocating a new one — compaction needs the boundary read, not a fresh
// seq.
type SequenceSource interface {
	CurrentSeq(ctx context.Context, collection string) (uint64, error)
}

// DisconnectedSession is one disconnected peer's last-reported state
// vector and the time it went quiet, read back for the step-7 sweep.
type DisconnectedSession struct {
	ClientID string
	Vector   []byte
	LastSeen time.Time
}

// SessionVectors reports a document's connected sessions' state vectors
// (for the can-delete-all coverage gate) and its disconnected sessions
// (for the stale-peer sweep).
type SessionVectors interface {
	ConnectedVectors(ctx context.Context, collection, documentID string) ([][]byte, error)
	DisconnectedSessions(ctx context.Context, collection, documentID string) ([]DisconnectedSession, error)
}

// Coordinator runs compactions and schedules them from delta-count
// pressure reported by logstore.
type Coordinator struct {
	db          DB
	seqs        SequenceSource
	sessions    SessionVectors
	peerTimeout time.Duration
}

// New creates a Coordinator. peerTimeout is spec.md §6's peer_timeout: a
// disconnected session older than this, and whose last-reported vector is
// already covered by the merged document, is swept during Compact.
func New(db DB, seqs SequenceSource, sessions SessionVectors, peerTimeout time.Duration) *Coordinator {
	return &Coordinator{db: db, seqs: seqs, sessions: sessions, peerTimeout: peerTimeout}
}

// Result reports what one compaction run did, mirroring spec's
// removed/retained accounting.
type Result struct {
	Removed     int
	Retained    int
	BoundarySeq uint64
	SweptPeers  int
}

// Compact runs the compaction algorithm for (collection, documentID): read
// the boundary seq, collect deltas up to it, merge with any existing
// snapshot, persist the merged snapshot, and delete the collected deltas
// only if every connected session's vector already covers them.
func (c *Coordinator) Compact(ctx context.Context, collection, documentID string) (*Result, error) {
	boundarySeq, err := c.seqs.CurrentSeq(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("compaction: read boundary seq: %w", err)
	}

	existing, err := c.db.GetSnapshot(ctx, collection, documentID)
	if err != nil {
		return nil, fmt.Errorf("compaction: get snapshot: %w", err)
	}
	afterSeq := uint64(0)
	var base []byte
	if existing != nil {
		afterSeq = existing.Seq
		base = existing.Bytes
	}
	if afterSeq >= boundarySeq {
		return &Result{BoundarySeq: boundarySeq}, nil
	}

	deltas, err := c.db.DeltasForDocument(ctx, collection, documentID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("compaction: collect deltas: %w", err)
	}
	// Only deltas up to the boundary belong to this compaction; anything
	// appended after the boundary read is excluded and kept for the next run.
	var collected []*logstore.Delta
	for _, d := range deltas {
		if d.Seq <= boundarySeq {
			collected = append(collected, d)
		}
	}
	if len(collected) == 0 {
		return &Result{BoundarySeq: boundarySeq}, nil
	}

	updates := make([][]byte, 0, len(collected)+1)
	if base != nil {
		updates = append(updates, base)
	}
	for _, d := range collected {
		updates = append(updates, d.Bytes)
	}
	merged, err := codec.MergeUpdates(updates)
	if err != nil {
		return nil, fmt.Errorf("compaction: merge deltas: %w", err)
	}

	canDeleteAll, err := c.canDeleteAll(ctx, collection, documentID, merged)
	if err != nil {
		return nil, fmt.Errorf("compaction: session coverage check: %w", err)
	}

	mergedRecords, err := codec.DecodeUpdate(merged)
	if err != nil {
		return nil, fmt.Errorf("compaction: decode merged: %w", err)
	}
	vector := codec.EncodeStateVector(codec.StateVectorFromRecords(mergedRecords))

	if err := c.db.SaveSnapshot(ctx, &logstore.Snapshot{
		Collection: collection,
		DocumentID: documentID,
		Bytes:      merged,
		Vector:     vector,
		Seq:        boundarySeq,
	}); err != nil {
		return nil, fmt.Errorf("compaction: save snapshot: %w", err)
	}

	result := &Result{BoundarySeq: boundarySeq, Retained: len(collected)}
	if canDeleteAll {
		if err := c.db.DeleteDeltasUpTo(ctx, collection, documentID, boundarySeq); err != nil {
			return nil, fmt.Errorf("compaction: delete deltas: %w", err)
		}
		c.db.ResetDeltaCount(ctx, collection, documentID)
		result.Removed = len(collected)
		result.Retained = 0
	}

	swept, err := c.sweepStalePeers(ctx, collection, documentID, merged)
	if err != nil {
		return nil, fmt.Errorf("compaction: sweep stale peers: %w", err)
	}
	result.SweptPeers = swept

	return result, nil
}

// sweepStalePeers implements spec §4.5 step 7: a disconnected session
// whose last-reported vector is already dominated by merged, and who has
// been quiet for longer than peerTimeout, is deleted outright — it can
// never ask for anything compaction would otherwise have retained for it.
func (c *Coordinator) sweepStalePeers(ctx context.Context, collection, documentID string, merged []byte) (int, error) {
	if c.peerTimeout <= 0 {
		return 0, nil
	}

	disconnected, err := c.sessions.DisconnectedSessions(ctx, collection, documentID)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	swept := 0
	for _, peer := range disconnected {
		if now.Sub(peer.LastSeen) < c.peerTimeout {
			continue
		}
		if len(peer.Vector) == 0 {
			continue
		}
		vector, err := codec.DecodeStateVector(peer.Vector)
		if err != nil {
			return swept, err
		}
		diff, err := codec.Diff(merged, vector)
		if err != nil {
			return swept, err
		}
		if !codec.IsEmptyDiff(diff) {
			continue
		}
		if err := c.db.DeleteSession(ctx, collection, documentID, peer.ClientID); err != nil {
			return swept, err
		}
		swept++
	}
	return swept, nil
}

// canDeleteAll reports whether every connected session's state vector
// already dominates merged — i.e. deleting the collected deltas would not
// make any connected client's recovery diff non-empty. A session with no
// stored vector at all is treated conservatively as not yet covered.
func (c *Coordinator) canDeleteAll(ctx context.Context, collection, documentID string, merged []byte) (bool, error) {
	vectors, err := c.sessions.ConnectedVectors(ctx, collection, documentID)
	if err != nil {
		return false, err
	}
	for _, raw := range vectors {
		if len(raw) == 0 {
			return false, nil
		}
		vector, err := codec.DecodeStateVector(raw)
		if err != nil {
			return false, err
		}
		diff, err := codec.Diff(merged, vector)
		if err != nil {
			return false, err
		}
		if !codec.IsEmptyDiff(diff) {
			return false, nil
		}
	}
	return true, nil
}

// ScheduleResult reports the outcome of Schedule for callers (e.g. tests
// or an admin endpoint) that want to observe the dedup decision.
type ScheduleResult string

const (
	ScheduleStarted       ScheduleResult = "started"
	ScheduleAlreadyPending ScheduleResult = "already_pending"
	ScheduleAlreadyRunning ScheduleResult = "already_running"
)

// Schedule claims a compaction job for (collection, documentID) and runs
// it in a new goroutine, retrying on failure with exponential backoff up
// to MaxRetries. It returns immediately with the dedup decision; the
// compaction itself runs asynchronously.
func (c *Coordinator) Schedule(collection, documentID string) ScheduleResult {
	jobID := uuid.NewString()
	ctx := context.Background()

	claimed, err := c.db.ClaimCompactionJob(ctx, jobID, collection, documentID)
	if err != nil {
		log.Printf("compaction: schedule %s/%s: claim failed: %v", collection, documentID, err)
		return ScheduleAlreadyRunning
	}
	if !claimed {
		return ScheduleAlreadyPending
	}

	go c.runWithRetry(ctx, jobID, collection, documentID)
	return ScheduleStarted
}

func (c *Coordinator) runWithRetry(ctx context.Context, jobID, collection, documentID string) {
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff(attempt))
		}
		_, err := c.Compact(ctx, collection, documentID)
		if err == nil {
			if completeErr := c.db.CompleteCompactionJob(ctx, jobID); completeErr != nil {
				log.Printf("compaction: job %s: mark done failed: %v", jobID, completeErr)
			}
			return
		}
		lastErr = err
		log.Printf("compaction: job %s attempt %d failed: %v", jobID, attempt, err)
	}
	if failErr := c.db.FailCompactionJob(ctx, jobID, MaxRetries, lastErr); failErr != nil {
		log.Printf("compaction: job %s: mark failed failed: %v", jobID, failErr)
	}
}

// backoff returns attempt's exponential delay with +/-20% jitter, mirroring
// the sync queue's retry shape so both client and server back off the same
// way under repeated failure.
func backoff(attempt int) time.Duration {
	d := baseBackoff << uint(attempt-1)
	jitter := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * jitter)
}
