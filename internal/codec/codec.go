// Package codec implements the delta codec (component C1): encoding and
// decoding of binary CRDT updates and state vectors, diffing against a
// remote state vector, and merging sets of updates into one. Updates and
// state vectors are opaque blobs to every other package — this is the only
// package permitted to look inside them.
//
// Framing follows the big-endian length-prefixed style used by
// internal/protocol's wire messages: every variable-length field is
// preceded by its length.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/replikit/replikit/internal/crdt"
)

// EmptyThreshold is the byte length at or below which a diff is considered
// to carry no missing data: the 4-byte record count of an update with no
// records.
const EmptyThreshold = 4

// Record is one field-level mutation inside a CRDT transaction. The
// (ClientID, Seq) pair uniquely identifies a record across all replicas —
// that pair, not wall-clock order, is what merge/diff key off of.
type Record struct {
	ClientID  string
	Seq       uint64
	Kind      crdt.Kind
	FieldPath string
	Op        string // variant-specific: "set", "add-delta", "add-elem", "remove-elem", "insert", "delete"
	Timestamp int64
	Payload   []byte
}

func recordKey(r Record) string {
	return r.ClientID + "\x00" + fmt.Sprint(r.Seq)
}

// EncodeStateVector serializes a state vector (client id -> highest
// observed seq from that client) to bytes.
func EncodeStateVector(vector map[string]uint64) []byte {
	clients := sortedClients(vector)
	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(clients)))
	for _, c := range clients {
		writeString(&buf, c)
		writeUint64(&buf, vector[c])
	}
	return buf.Bytes()
}

// DecodeStateVector parses bytes produced by EncodeStateVector.
func DecodeStateVector(data []byte) (map[string]uint64, error) {
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	vector := make(map[string]uint64, count)
	for i := uint32(0); i < count; i++ {
		clientID, err := readString(r)
		if err != nil {
			return nil, err
		}
		seq, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		vector[clientID] = seq
	}
	return vector, nil
}

// EncodeUpdate serializes a set of records into an opaque update blob. The
// records are always written in canonical (ClientID, Seq) order so two
// peers that independently assemble the same record set produce
// byte-identical output.
func EncodeUpdate(records []Record) []byte {
	records = canonicalize(records)
	var buf bytes.Buffer
	writeUint32(&buf, uint32(len(records)))
	for _, rec := range records {
		writeString(&buf, rec.ClientID)
		writeUint64(&buf, rec.Seq)
		buf.WriteByte(byte(rec.Kind))
		writeString(&buf, rec.FieldPath)
		writeString(&buf, rec.Op)
		writeInt64(&buf, rec.Timestamp)
		writeBytes(&buf, rec.Payload)
	}
	return buf.Bytes()
}

// DecodeUpdate parses bytes produced by EncodeUpdate.
func DecodeUpdate(data []byte) ([]Record, error) {
	r := bytes.NewReader(data)
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, count)
	for i := uint32(0); i < count; i++ {
		clientID, err := readString(r)
		if err != nil {
			return nil, err
		}
		seq, err := readUint64(r)
		if err != nil {
			return nil, err
		}
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		fieldPath, err := readString(r)
		if err != nil {
			return nil, err
		}
		op, err := readString(r)
		if err != nil {
			return nil, err
		}
		ts, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		payload, err := readBytesField(r)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{
			ClientID:  clientID,
			Seq:       seq,
			Kind:      crdt.Kind(kindByte),
			FieldPath: fieldPath,
			Op:        op,
			Timestamp: ts,
			Payload:   payload,
		})
	}
	return records, nil
}

// MergeUpdates decodes every update, deduplicates records by (ClientID,
// Seq), and re-encodes the union in canonical order. Because records are
// immutable and keyed by their origin, this is associative and
// commutative: feeding the same set of updates through MergeUpdates in any
// order or grouping yields the same bytes.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	seen := make(map[string]Record)
	for _, u := range updates {
		records, err := DecodeUpdate(u)
		if err != nil {
			return nil, fmt.Errorf("codec: merge: %w", err)
		}
		for _, rec := range records {
			seen[recordKey(rec)] = rec
		}
	}
	merged := make([]Record, 0, len(seen))
	for _, rec := range seen {
		merged = append(merged, rec)
	}
	return EncodeUpdate(merged), nil
}

// Diff returns the subset of mergedBytes' records the holder of
// remoteVector has not yet observed, re-encoded as an update. An empty
// result (len <= EmptyThreshold) means remoteVector already dominates
// mergedBytes.
func Diff(mergedBytes []byte, remoteVector map[string]uint64) ([]byte, error) {
	records, err := DecodeUpdate(mergedBytes)
	if err != nil {
		return nil, fmt.Errorf("codec: diff: %w", err)
	}
	var missing []Record
	for _, rec := range records {
		if rec.Seq > remoteVector[rec.ClientID] {
			missing = append(missing, rec)
		}
	}
	return EncodeUpdate(missing), nil
}

// IsEmptyDiff reports whether a diff blob carries no missing data.
func IsEmptyDiff(diff []byte) bool {
	return len(diff) <= EmptyThreshold
}

// StateVectorFromRecords computes the state vector implied by a set of
// records: for each client, the highest seq seen.
func StateVectorFromRecords(records []Record) map[string]uint64 {
	vector := make(map[string]uint64)
	for _, rec := range records {
		if rec.Seq > vector[rec.ClientID] {
			vector[rec.ClientID] = rec.Seq
		}
	}
	return vector
}

// NewDeltaID generates a fresh globally-unique id for one CRDT operation,
// used to tag records produced by a local transaction.
func NewDeltaID() string {
	return uuid.NewString()
}

func canonicalize(records []Record) []Record {
	seen := make(map[string]Record, len(records))
	for _, rec := range records {
		seen[recordKey(rec)] = rec
	}
	out := make([]Record, 0, len(seen))
	for _, rec := range seen {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

func sortedClients(vector map[string]uint64) []string {
	clients := make([]string, 0, len(vector))
	for c := range vector {
		clients = append(clients, c)
	}
	sort.Strings(clients)
	return clients
}

// --- little encoding helpers ---

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	writeUint64(buf, uint64(v))
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUint32(buf, uint32(len(b)))
	buf.Write(b)
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readUint64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	v, err := readUint64(r)
	return int64(v), err
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytesField(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readBytesField(r *bytes.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("codec: short read: got %d want %d", n, len(b))
	}
	return n, nil
}
