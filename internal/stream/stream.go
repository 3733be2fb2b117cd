// Package stream implements the stream service (component C6): the
// cursor-based change feed a replication driver subscribes to, with gap
// detection and a snapshot fallback when the requested cursor has fallen
// out of the retained delta window. Grounded on internal/logstore.Store's
// read surface, composed the way internal/protocol.protocol.go composes
// framed reads into one response envelope.
package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/replikit/replikit/internal/logstore"
)

// ErrDisparity is returned when a client's cursor has fallen behind the
// retained delta window and the collection has no snapshot to fall back
// to. Fatal for the stream session: the caller must re-bootstrap.
var ErrDisparity = errors.New("stream: disparity, no snapshot available to recover from")

// ChangeType distinguishes a delta replay entry from a compaction
// snapshot fallback entry.
type ChangeType string

const (
	ChangeDelta    ChangeType = "delta"
	ChangeSnapshot ChangeType = "snapshot"
)

// Change is one entry in a stream response.
type Change struct {
	Document string
	Bytes    []byte
	Seq      uint64
	Type     ChangeType
	Exists   bool
}

// Response is what Stream returns to a subscriber.
type Response struct {
	Changes []Change
	Seq     uint64
	More    bool
}

// DB is the persistence seam stream needs: ascending delta reads, the
// oldest retained delta (for gap detection), and the collection's
// snapshots (for the gap fallback).
type DB interface {
	Deltas(ctx context.Context, collection string, afterSeq uint64, limit int) ([]*logstore.Delta, error)
	OldestDelta(ctx context.Context, collection string) (*logstore.Delta, error)
	Snapshots(ctx context.Context, collection string) ([]*logstore.Snapshot, error)
}

// ExistenceChecker reports whether a document still has a row in the
// collection's materialized main table, distinguishing "apply delta and
// keep" from "apply delta but the row is gone — treat as delete".
type ExistenceChecker interface {
	DocumentExists(ctx context.Context, collection, documentID string) (bool, error)
}

// Service serves stream requests for one server process.
type Service struct {
	db       DB
	exists   ExistenceChecker
}

// New creates a Service.
func New(db DB, exists ExistenceChecker) *Service {
	return &Service{db: db, exists: exists}
}

// Stream returns changes for collection after seq, ordered ascending, up
// to limit rows. If the log no longer retains seq, it falls back to every
// current snapshot for the collection, or fails with ErrDisparity if none
// exist.
func (s *Service) Stream(ctx context.Context, collection string, seq uint64, limit int) (*Response, error) {
	deltas, err := s.db.Deltas(ctx, collection, seq, limit)
	if err != nil {
		return nil, fmt.Errorf("stream: read deltas: %w", err)
	}

	if len(deltas) > 0 {
		changes := make([]Change, 0, len(deltas))
		maxSeq := seq
		for _, d := range deltas {
			exists, err := s.checkExists(ctx, collection, d.DocumentID)
			if err != nil {
				return nil, err
			}
			changes = append(changes, Change{
				Document: d.DocumentID,
				Bytes:    d.Bytes,
				Seq:      d.Seq,
				Type:     ChangeDelta,
				Exists:   exists,
			})
			if d.Seq > maxSeq {
				maxSeq = d.Seq
			}
		}
		return &Response{Changes: changes, Seq: maxSeq, More: len(deltas) == limit}, nil
	}

	oldest, err := s.db.OldestDelta(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("stream: read oldest delta: %w", err)
	}
	if oldest != nil && seq < oldest.Seq {
		return s.snapshotFallback(ctx, collection)
	}

	return &Response{Seq: seq}, nil
}

func (s *Service) snapshotFallback(ctx context.Context, collection string) (*Response, error) {
	snapshots, err := s.db.Snapshots(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("stream: read snapshots: %w", err)
	}
	if len(snapshots) == 0 {
		return nil, ErrDisparity
	}

	changes := make([]Change, 0, len(snapshots))
	maxSeq := uint64(0)
	for _, snap := range snapshots {
		exists, err := s.checkExists(ctx, collection, snap.DocumentID)
		if err != nil {
			return nil, err
		}
		changes = append(changes, Change{
			Document: snap.DocumentID,
			Bytes:    snap.Bytes,
			Seq:      snap.Seq,
			Type:     ChangeSnapshot,
			Exists:   exists,
		})
		if snap.Seq > maxSeq {
			maxSeq = snap.Seq
		}
	}
	return &Response{Changes: changes, Seq: maxSeq}, nil
}

func (s *Service) checkExists(ctx context.Context, collection, documentID string) (bool, error) {
	if s.exists == nil {
		return true, nil
	}
	exists, err := s.exists.DocumentExists(ctx, collection, documentID)
	if err != nil {
		return false, fmt.Errorf("stream: check existence of %s/%s: %w", collection, documentID, err)
	}
	return exists, nil
}
