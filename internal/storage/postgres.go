package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/replikit/replikit/internal/logstore"
)

// maxSeqRetries bounds the optimistic-concurrency retry loop in NextSeq.
const maxSeqRetries = 5

// PostgresAdapter implements StorageAdapter for PostgreSQL.
type PostgresAdapter struct {
	config    *StorageConfig
	pool      *pgxpool.Pool
	connected bool
}

// NewPostgresAdapter creates a new PostgreSQL storage adapter.
func NewPostgresAdapter(config *StorageConfig) *PostgresAdapter {
	if config == nil {
		config = DefaultStorageConfig()
	}
	return &PostgresAdapter{config: config}
}

// Connect establishes connection to PostgreSQL.
func (p *PostgresAdapter) Connect(ctx context.Context) error {
	poolConfig, err := pgxpool.ParseConfig(p.config.ConnectionString)
	if err != nil {
		return NewConnectionError("failed to parse connection string", err)
	}

	poolConfig.MinConns = p.config.PoolMinConns
	poolConfig.MaxConns = p.config.PoolMaxConns
	poolConfig.ConnConfig.ConnectTimeout = p.config.ConnectionTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return NewConnectionError("failed to connect to PostgreSQL", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return NewConnectionError("failed to ping PostgreSQL", err)
	}

	p.pool = pool
	p.connected = true
	return nil
}

// Disconnect closes the connection pool.
func (p *PostgresAdapter) Disconnect(ctx context.Context) error {
	if p.pool != nil {
		p.pool.Close()
		p.connected = false
	}
	return nil
}

// IsConnected returns connection status.
func (p *PostgresAdapter) IsConnected() bool {
	return p.connected && p.pool != nil
}

// HealthCheck verifies database connectivity.
func (p *PostgresAdapter) HealthCheck(ctx context.Context) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	err := p.pool.Ping(ctx)
	return err == nil, err
}

// --- ReplicaStore: sequence allocation ---

// NextSeq allocates the next sequence number for collection, seeding the
// counter from the collection's highest existing delta seq the first time
// it's used, and retrying serialization failures under concurrent callers.
func (p *PostgresAdapter) NextSeq(ctx context.Context, collection string) (uint64, error) {
	if !p.IsConnected() {
		return 0, ErrNotConnected
	}

	var seq uint64
	var err error
	for attempt := 0; attempt < maxSeqRetries; attempt++ {
		seq, err = p.nextSeqOnce(ctx, collection)
		if err == nil {
			return seq, nil
		}
		if !isRetryable(err) {
			return 0, NewQueryError("failed to allocate sequence", err)
		}
	}
	return 0, NewQueryError("failed to allocate sequence after retries", err)
}

// CurrentSeq reads collection's sequence counter without allocating a new
// value — the TOCTOU-safe boundary read compaction needs before collecting
// deltas. A collection that has never allocated a seq reads as 0.
func (p *PostgresAdapter) CurrentSeq(ctx context.Context, collection string) (uint64, error) {
	if !p.IsConnected() {
		return 0, ErrNotConnected
	}
	var seq uint64
	err := p.pool.QueryRow(ctx, `
		SELECT seq FROM sequences WHERE collection = $1
	`, collection).Scan(&seq)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, NewQueryError("failed to read current sequence", err)
	}
	return seq, nil
}

func (p *PostgresAdapter) nextSeqOnce(ctx context.Context, collection string) (uint64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var seq uint64
	err = tx.QueryRow(ctx, `
		UPDATE sequences SET seq = seq + 1 WHERE collection = $1 RETURNING seq
	`, collection).Scan(&seq)
	if err == pgx.ErrNoRows {
		// First use: seed from the highest delta seq already recorded, or 0.
		var maxSeq uint64
		if scanErr := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(seq), 0) FROM deltas WHERE collection = $1
		`, collection).Scan(&maxSeq); scanErr != nil {
			return 0, scanErr
		}
		seq = maxSeq + 1
		if _, insertErr := tx.Exec(ctx, `
			INSERT INTO sequences (collection, seq) VALUES ($1, $2)
		`, collection, seq); insertErr != nil {
			return 0, insertErr
		}
	} else if err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return seq, nil
}

// --- ReplicaStore: delta log ---

func (p *PostgresAdapter) InsertDelta(ctx context.Context, d *logstore.Delta) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO deltas (collection, document_id, seq, bytes, delta_type)
		VALUES ($1, $2, $3, $4, $5)
	`, d.Collection, d.DocumentID, d.Seq, d.Bytes, d.Type)
	if err != nil {
		return NewQueryError("failed to insert delta", err)
	}
	return nil
}

func (p *PostgresAdapter) IncrementDeltaCount(ctx context.Context, collection, documentID string) (int64, error) {
	if !p.IsConnected() {
		return 0, ErrNotConnected
	}
	var count int64
	err := p.pool.QueryRow(ctx, `
		INSERT INTO delta_counts (collection, document_id, count)
		VALUES ($1, $2, 1)
		ON CONFLICT (collection, document_id) DO UPDATE SET count = delta_counts.count + 1
		RETURNING count
	`, collection, documentID).Scan(&count)
	if err != nil {
		return 0, NewQueryError("failed to increment delta count", err)
	}
	return count, nil
}

func (p *PostgresAdapter) ResetDeltaCount(ctx context.Context, collection, documentID string) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE delta_counts SET count = 0 WHERE collection = $1 AND document_id = $2
	`, collection, documentID)
	if err != nil {
		return NewQueryError("failed to reset delta count", err)
	}
	return nil
}

func (p *PostgresAdapter) Deltas(ctx context.Context, collection string, afterSeq uint64, limit int) ([]*logstore.Delta, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	if limit <= 0 {
		limit = 500
	}
	rows, err := p.pool.Query(ctx, `
		SELECT collection, document_id, seq, bytes, delta_type, created_at
		FROM deltas
		WHERE collection = $1 AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`, collection, afterSeq, limit)
	if err != nil {
		return nil, NewQueryError("failed to list deltas", err)
	}
	defer rows.Close()
	return scanDeltas(rows)
}

func (p *PostgresAdapter) DeltasForDocument(ctx context.Context, collection, documentID string, afterSeq uint64) ([]*logstore.Delta, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	rows, err := p.pool.Query(ctx, `
		SELECT collection, document_id, seq, bytes, delta_type, created_at
		FROM deltas
		WHERE collection = $1 AND document_id = $2 AND seq > $3
		ORDER BY seq ASC
	`, collection, documentID, afterSeq)
	if err != nil {
		return nil, NewQueryError("failed to list document deltas", err)
	}
	defer rows.Close()
	return scanDeltas(rows)
}

func (p *PostgresAdapter) OldestDelta(ctx context.Context, collection string) (*logstore.Delta, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	row := p.pool.QueryRow(ctx, `
		SELECT collection, document_id, seq, bytes, delta_type, created_at
		FROM deltas
		WHERE collection = $1
		ORDER BY seq ASC
		LIMIT 1
	`, collection)
	var d logstore.Delta
	err := row.Scan(&d.Collection, &d.DocumentID, &d.Seq, &d.Bytes, &d.Type, &d.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("failed to get oldest delta", err)
	}
	return &d, nil
}

func (p *PostgresAdapter) DeleteDeltasUpTo(ctx context.Context, collection, documentID string, seq uint64) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	_, err := p.pool.Exec(ctx, `
		DELETE FROM deltas WHERE collection = $1 AND document_id = $2 AND seq <= $3
	`, collection, documentID, seq)
	if err != nil {
		return NewQueryError("failed to delete compacted deltas", err)
	}
	return nil
}

func scanDeltas(rows pgx.Rows) ([]*logstore.Delta, error) {
	var deltas []*logstore.Delta
	for rows.Next() {
		var d logstore.Delta
		if err := rows.Scan(&d.Collection, &d.DocumentID, &d.Seq, &d.Bytes, &d.Type, &d.CreatedAt); err != nil {
			return nil, NewQueryError("failed to scan delta", err)
		}
		deltas = append(deltas, &d)
	}
	return deltas, nil
}

// --- ReplicaStore: snapshots ---

func (p *PostgresAdapter) SaveSnapshot(ctx context.Context, s *logstore.Snapshot) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO snapshots (collection, document_id, bytes, vector, seq)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (collection, document_id) DO UPDATE
		SET bytes = $3, vector = $4, seq = $5, created_at = NOW()
	`, s.Collection, s.DocumentID, s.Bytes, s.Vector, s.Seq)
	if err != nil {
		return NewQueryError("failed to save snapshot", err)
	}
	return nil
}

func (p *PostgresAdapter) GetSnapshot(ctx context.Context, collection, documentID string) (*logstore.Snapshot, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	row := p.pool.QueryRow(ctx, `
		SELECT collection, document_id, bytes, vector, seq, created_at
		FROM snapshots WHERE collection = $1 AND document_id = $2
	`, collection, documentID)
	var s logstore.Snapshot
	err := row.Scan(&s.Collection, &s.DocumentID, &s.Bytes, &s.Vector, &s.Seq, &s.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("failed to get snapshot", err)
	}
	return &s, nil
}

func (p *PostgresAdapter) Snapshots(ctx context.Context, collection string) ([]*logstore.Snapshot, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	rows, err := p.pool.Query(ctx, `
		SELECT collection, document_id, bytes, vector, seq, created_at
		FROM snapshots WHERE collection = $1
	`, collection)
	if err != nil {
		return nil, NewQueryError("failed to list snapshots", err)
	}
	defer rows.Close()

	var snaps []*logstore.Snapshot
	for rows.Next() {
		var s logstore.Snapshot
		if err := rows.Scan(&s.Collection, &s.DocumentID, &s.Bytes, &s.Vector, &s.Seq, &s.CreatedAt); err != nil {
			return nil, NewQueryError("failed to scan snapshot", err)
		}
		snaps = append(snaps, &s)
	}
	return snaps, nil
}

// --- Main row table ---

func (p *PostgresAdapter) GetDocument(ctx context.Context, collection, id string) (*DocumentState, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	row := p.pool.QueryRow(ctx, `
		SELECT id, collection, state, created_at, updated_at FROM documents
		WHERE collection = $1 AND id = $2
	`, collection, id)

	var doc DocumentState
	var stateJSON []byte
	err := row.Scan(&doc.ID, &doc.Collection, &stateJSON, &doc.CreatedAt, &doc.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("failed to get document", err)
	}
	if err := json.Unmarshal(stateJSON, &doc.State); err != nil {
		return nil, NewQueryError("failed to unmarshal state", err)
	}
	return &doc, nil
}

func (p *PostgresAdapter) SaveDocument(ctx context.Context, collection, id string, state map[string]interface{}) (*DocumentState, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, NewQueryError("failed to marshal state", err)
	}

	row := p.pool.QueryRow(ctx, `
		INSERT INTO documents (id, collection, state)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, id) DO UPDATE
		SET state = $3, updated_at = NOW()
		RETURNING id, collection, state, created_at, updated_at
	`, id, collection, stateJSON)

	var doc DocumentState
	var returnedJSON []byte
	if err := row.Scan(&doc.ID, &doc.Collection, &returnedJSON, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return nil, NewQueryError("failed to save document", err)
	}
	if err := json.Unmarshal(returnedJSON, &doc.State); err != nil {
		return nil, NewQueryError("failed to unmarshal state", err)
	}
	return &doc, nil
}

func (p *PostgresAdapter) DeleteDocument(ctx context.Context, collection, id string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	result, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return false, NewQueryError("failed to delete document", err)
	}
	return result.RowsAffected() > 0, nil
}

func (p *PostgresAdapter) ListDocuments(ctx context.Context, collection string, limit, offset int) ([]*DocumentState, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, collection, state, created_at, updated_at
		FROM documents WHERE collection = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`, collection, limit, offset)
	if err != nil {
		return nil, NewQueryError("failed to list documents", err)
	}
	defer rows.Close()

	var docs []*DocumentState
	for rows.Next() {
		var doc DocumentState
		var stateJSON []byte
		if err := rows.Scan(&doc.ID, &doc.Collection, &stateJSON, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, NewQueryError("failed to scan document", err)
		}
		if err := json.Unmarshal(stateJSON, &doc.State); err != nil {
			return nil, NewQueryError("failed to unmarshal state", err)
		}
		docs = append(docs, &doc)
	}
	return docs, nil
}

// --- Sessions ---

func (p *PostgresAdapter) SaveSession(ctx context.Context, session *SessionEntry) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	profileJSON, err := json.Marshal(session.Profile)
	if err != nil {
		return NewQueryError("failed to marshal profile", err)
	}
	cursorJSON, err := json.Marshal(session.Cursor)
	if err != nil {
		return NewQueryError("failed to marshal cursor", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO sessions (collection, document_id, client_id, vector, seq, connected, last_seen, profile, cursor)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), $6, $7)
		ON CONFLICT (collection, document_id, client_id) DO UPDATE
		SET vector = $4, seq = GREATEST(sessions.seq, $5), connected = TRUE, last_seen = NOW(), profile = $6, cursor = $7
	`, session.Collection, session.DocumentID, session.ClientID, session.Vector, session.Seq, profileJSON, cursorJSON)
	if err != nil {
		return NewQueryError("failed to save session", err)
	}
	return nil
}

func (p *PostgresAdapter) UpdateSession(ctx context.Context, collection, documentID, clientID string, vector []byte, seq uint64, lastSeen time.Time) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE sessions SET vector = $4, seq = GREATEST(sessions.seq, $5), last_seen = $6, connected = TRUE
		WHERE collection = $1 AND document_id = $2 AND client_id = $3
	`, collection, documentID, clientID, vector, seq, lastSeen)
	if err != nil {
		return NewQueryError("failed to update session", err)
	}
	return nil
}

func (p *PostgresAdapter) MarkDisconnected(ctx context.Context, collection, documentID, clientID string) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE sessions SET connected = FALSE, last_seen = NOW()
		WHERE collection = $1 AND document_id = $2 AND client_id = $3
	`, collection, documentID, clientID)
	if err != nil {
		return NewQueryError("failed to mark session disconnected", err)
	}
	return nil
}

func (p *PostgresAdapter) DeleteSession(ctx context.Context, collection, documentID, clientID string) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	_, err := p.pool.Exec(ctx, `
		DELETE FROM sessions WHERE collection = $1 AND document_id = $2 AND client_id = $3
	`, collection, documentID, clientID)
	if err != nil {
		return NewQueryError("failed to delete session", err)
	}
	return nil
}

func (p *PostgresAdapter) GetSessions(ctx context.Context, collection, documentID string) ([]*SessionEntry, error) {
	return p.querySessions(ctx, `
		SELECT collection, document_id, client_id, vector, seq, connected, last_seen, profile, cursor
		FROM sessions WHERE collection = $1 AND document_id = $2
	`, collection, documentID)
}

func (p *PostgresAdapter) GetConnectedSessions(ctx context.Context, collection, documentID string) ([]*SessionEntry, error) {
	return p.querySessions(ctx, `
		SELECT collection, document_id, client_id, vector, seq, connected, last_seen, profile, cursor
		FROM sessions WHERE collection = $1 AND document_id = $2 AND connected = TRUE
	`, collection, documentID)
}

func (p *PostgresAdapter) querySessions(ctx context.Context, query string, args ...interface{}) ([]*SessionEntry, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewQueryError("failed to query sessions", err)
	}
	defer rows.Close()

	var sessions []*SessionEntry
	for rows.Next() {
		var s SessionEntry
		var profileJSON, cursorJSON []byte
		if err := rows.Scan(&s.Collection, &s.DocumentID, &s.ClientID, &s.Vector, &s.Seq, &s.Connected, &s.LastSeen, &profileJSON, &cursorJSON); err != nil {
			return nil, NewQueryError("failed to scan session", err)
		}
		if len(profileJSON) > 0 {
			json.Unmarshal(profileJSON, &s.Profile)
		}
		if len(cursorJSON) > 0 {
			json.Unmarshal(cursorJSON, &s.Cursor)
		}
		sessions = append(sessions, &s)
	}
	return sessions, nil
}

// --- Compaction jobs ---

// ClaimCompactionJob atomically inserts a pending job row, reporting false
// (not an error) if one is already pending or running for this document —
// the schedule-time dedup compaction's scheduler depends on.
func (p *PostgresAdapter) ClaimCompactionJob(ctx context.Context, id, collection, documentID string) (bool, error) {
	if !p.IsConnected() {
		return false, ErrNotConnected
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO compaction_jobs (id, collection, document_id, status, started_at)
		VALUES ($1, $2, $3, 'pending', NOW())
		ON CONFLICT (collection, document_id, status) DO NOTHING
	`, id, collection, documentID)
	if err != nil {
		return false, NewQueryError("failed to claim compaction job", err)
	}
	var claimedID string
	err = p.pool.QueryRow(ctx, `
		SELECT id FROM compaction_jobs WHERE collection = $1 AND document_id = $2 AND status = 'pending'
	`, collection, documentID).Scan(&claimedID)
	if err != nil {
		return false, NewQueryError("failed to verify compaction claim", err)
	}
	return claimedID == id, nil
}

func (p *PostgresAdapter) CompleteCompactionJob(ctx context.Context, id string) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE compaction_jobs SET status = 'done', completed_at = NOW() WHERE id = $1
	`, id)
	if err != nil {
		return NewQueryError("failed to complete compaction job", err)
	}
	return nil
}

func (p *PostgresAdapter) FailCompactionJob(ctx context.Context, id string, retries int, cause error) error {
	if !p.IsConnected() {
		return ErrNotConnected
	}
	var msg string
	if cause != nil {
		msg = cause.Error()
	}
	_, err := p.pool.Exec(ctx, `
		UPDATE compaction_jobs SET status = 'failed', retries = $2, error = $3, completed_at = NOW()
		WHERE id = $1
	`, id, retries, msg)
	if err != nil {
		return NewQueryError("failed to mark compaction job failed", err)
	}
	return nil
}

func (p *PostgresAdapter) GetCompactionJob(ctx context.Context, collection, documentID string) (*CompactionJobEntry, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	row := p.pool.QueryRow(ctx, `
		SELECT id, collection, document_id, status, retries, COALESCE(error, ''), started_at, completed_at
		FROM compaction_jobs
		WHERE collection = $1 AND document_id = $2
		ORDER BY started_at DESC LIMIT 1
	`, collection, documentID)
	var job CompactionJobEntry
	err := row.Scan(&job.ID, &job.Collection, &job.DocumentID, &job.Status, &job.Retries, &job.Error, &job.StartedAt, &job.CompletedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, NewQueryError("failed to get compaction job", err)
	}
	return &job, nil
}

// --- Maintenance ---

func (p *PostgresAdapter) Cleanup(ctx context.Context, options *CleanupOptions) (*CleanupResult, error) {
	if !p.IsConnected() {
		return nil, ErrNotConnected
	}
	if options == nil {
		options = &CleanupOptions{OldSessionsHours: 24, OldDeltasDays: 30, MaxSnapshotsPerDocument: 10}
	}

	result := &CleanupResult{}

	if options.OldSessionsHours > 0 {
		query := fmt.Sprintf(`DELETE FROM sessions WHERE connected = FALSE AND last_seen < NOW() - INTERVAL '%d hours'`, options.OldSessionsHours)
		if r, err := p.pool.Exec(ctx, query); err == nil {
			result.SessionsDeleted = int(r.RowsAffected())
		}
	}

	if options.OldDeltasDays > 0 {
		query := fmt.Sprintf(`DELETE FROM deltas WHERE created_at < NOW() - INTERVAL '%d days'`, options.OldDeltasDays)
		if r, err := p.pool.Exec(ctx, query); err == nil {
			result.DeltasDeleted = int(r.RowsAffected())
		}
	}

	return result, nil
}
