// Package recovery implements the recovery service (component C7): given
// a client's last-known state vector for one document, merge the
// document's stored snapshot and deltas and compute what the client is
// missing. Grounded on internal/compaction's merge step, reusing the same
// codec.MergeUpdates/codec.Diff pipeline against a client vector instead
// of a session-coverage vector.
package recovery

import (
	"context"
	"fmt"

	"github.com/replikit/replikit/internal/codec"
	"github.com/replikit/replikit/internal/logstore"
)

// DB is the persistence seam recovery needs: the document's snapshot (if
// any) and every delta recorded after it.
type DB interface {
	GetSnapshot(ctx context.Context, collection, documentID string) (*logstore.Snapshot, error)
	DeltasForDocument(ctx context.Context, collection, documentID string, afterSeq uint64) ([]*logstore.Delta, error)
}

// Result is what Recover returns: a diff update the client should apply
// (nil if the client is already caught up) and the server's current state
// vector for the document.
type Result struct {
	Diff         []byte
	ServerVector map[string]uint64
}

// Service serves recovery requests for one server process.
type Service struct {
	db DB
}

// New creates a Service.
func New(db DB) *Service {
	return &Service{db: db}
}

// Recover merges the document's snapshot and deltas, diffs the result
// against clientVector, and returns the diff (if non-empty) plus the
// server's current vector. A document with no snapshot and no deltas
// recovers to an empty-document vector and no diff.
func (s *Service) Recover(ctx context.Context, collection, documentID string, clientVector map[string]uint64) (*Result, error) {
	snapshot, err := s.db.GetSnapshot(ctx, collection, documentID)
	if err != nil {
		return nil, fmt.Errorf("recovery: get snapshot: %w", err)
	}

	afterSeq := uint64(0)
	var updates [][]byte
	if snapshot != nil {
		afterSeq = snapshot.Seq
		updates = append(updates, snapshot.Bytes)
	}

	deltas, err := s.db.DeltasForDocument(ctx, collection, documentID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("recovery: collect deltas: %w", err)
	}
	for _, d := range deltas {
		updates = append(updates, d.Bytes)
	}

	if len(updates) == 0 {
		return &Result{ServerVector: map[string]uint64{}}, nil
	}

	merged, err := codec.MergeUpdates(updates)
	if err != nil {
		return nil, fmt.Errorf("recovery: merge: %w", err)
	}

	records, err := codec.DecodeUpdate(merged)
	if err != nil {
		return nil, fmt.Errorf("recovery: decode merged: %w", err)
	}
	serverVector := codec.StateVectorFromRecords(records)

	diff, err := codec.Diff(merged, clientVector)
	if err != nil {
		return nil, fmt.Errorf("recovery: diff: %w", err)
	}
	if codec.IsEmptyDiff(diff) {
		return &Result{ServerVector: serverVector}, nil
	}
	return &Result{Diff: diff, ServerVector: serverVector}, nil
}
