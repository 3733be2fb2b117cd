package codec

import (
	"fmt"
	"sync"

	"github.com/replikit/replikit/internal/crdt"
)

// Document is one CRDT document instance: a field map plus whatever
// fragments/registers/counters/sets the schema has attached to it, along
// with the append-only record log that encode_update/diff/merge operate
// on. It is the "CRDT document instance" referenced throughout spec §4.1
// and §4.2 — codec owns its shape because codec is the only package
// allowed to interpret update bytes.
type Document struct {
	mu       sync.Mutex
	clientID string
	fields   map[string]crdt.Value
	records  []Record
	seqs     map[string]uint64 // per-client highest applied seq
	localSeq uint64            // next seq this client will stamp
}

// NewDocument creates an empty document whose local transactions are
// stamped with clientID.
func NewDocument(clientID string) *Document {
	return &Document{
		clientID: clientID,
		fields:   make(map[string]crdt.Value),
		seqs:     make(map[string]uint64),
	}
}

// Tx is the mutation surface passed to a transaction's mutator callback.
type Tx struct {
	doc     *Document
	records []Record
}

// SetField assigns value (as a Primitive) to fieldPath within the
// transaction.
func (tx *Tx) SetField(fieldPath string, value interface{}, timestamp int64) {
	tx.doc.applyPrimitiveLocked(fieldPath, value, tx.doc.clientID, timestamp)
	tx.records = append(tx.records, tx.doc.nextRecordLocked(crdt.KindPrimitive, fieldPath, "set", timestamp, encodeScalar(value)))
}

// RegisterSet records value under this transaction's client in a
// conflict-set register field, keeping every client's last write visible
// (per crdt.Register) instead of silently overwriting concurrent writes.
func (tx *Tx) RegisterSet(fieldPath string, value interface{}, timestamp int64) {
	r := tx.doc.registerLocked(fieldPath)
	r.Set(tx.doc.clientID, value, timestamp)
	tx.records = append(tx.records, tx.doc.nextRecordLocked(crdt.KindRegister, fieldPath, "set", timestamp, encodeScalar(value)))
}

// CounterAdd appends a signed delta to a counter field.
func (tx *Tx) CounterAdd(fieldPath string, amount int64, timestamp int64) {
	id := NewDeltaID()
	c := tx.doc.counterLocked(fieldPath)
	c.Add(id, crdt.CounterDelta{ID: id, ClientID: tx.doc.clientID, Amount: amount, Timestamp: timestamp})
	tx.records = append(tx.records, tx.doc.nextRecordLocked(crdt.KindCounter, fieldPath, "add-delta", timestamp, encodeCounterDelta(id, tx.doc.clientID, amount, timestamp)))
}

// SetAdd adds element to an add-wins set field.
func (tx *Tx) SetAdd(fieldPath, element string, timestamp int64) {
	s := tx.doc.setLocked(fieldPath)
	s.Add(element, tx.doc.clientID, timestamp)
	tx.records = append(tx.records, tx.doc.nextRecordLocked(crdt.KindSet, fieldPath, "add-elem", timestamp, []byte(element)))
}

// SetRemove removes element from an add-wins set field.
func (tx *Tx) SetRemove(fieldPath, element string, timestamp int64) {
	s := tx.doc.setLocked(fieldPath)
	s.Remove(element, timestamp)
	tx.records = append(tx.records, tx.doc.nextRecordLocked(crdt.KindSet, fieldPath, "remove-elem", timestamp, []byte(element)))
}

// FragmentInsert inserts text into a rich-text fragment field at index.
func (tx *Tx) FragmentInsert(fieldPath string, index int, text string, timestamp int64) {
	f := tx.doc.fragmentLocked(fieldPath)
	f.InsertAt(index, text, func(int) string { return NewDeltaID() })
	tx.records = append(tx.records, tx.doc.nextRecordLocked(crdt.KindFragment, fieldPath, "insert", timestamp, encodeFragmentOp(index, text, 0)))
}

// FragmentDelete deletes a range from a rich-text fragment field.
func (tx *Tx) FragmentDelete(fieldPath string, index, length int, timestamp int64) {
	f := tx.doc.fragmentLocked(fieldPath)
	f.DeleteRange(index, length)
	tx.records = append(tx.records, tx.doc.nextRecordLocked(crdt.KindFragment, fieldPath, "delete", timestamp, encodeFragmentOp(index, "", length)))
}

// Transact runs mutator inside a single CRDT transaction and returns the
// delta — the set of records produced by this transaction only, encoded
// against the document's pre-transaction state — per spec §4.2's
// transact_with_delta contract.
func (d *Document) Transact(mutator func(tx *Tx)) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx := &Tx{doc: d}
	mutator(tx)
	return EncodeUpdate(tx.records)
}

// ApplyUpdate decodes bytes and merges every record it contains into the
// document, skipping records already applied (ApplyUpdate is idempotent).
// origin is an opaque tag (e.g. "local" vs "server") observers can use to
// distinguish the update's source; codec itself does not interpret it.
func (d *Document) ApplyUpdate(data []byte, origin string) error {
	records, err := DecodeUpdate(data)
	if err != nil {
		return fmt.Errorf("codec: apply update: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, rec := range records {
		d.applyRecordLocked(rec)
	}
	return nil
}

// EncodeStateVector returns the document's current state vector.
func (d *Document) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	vector := make(map[string]uint64, len(d.seqs))
	for k, v := range d.seqs {
		vector[k] = v
	}
	return EncodeStateVector(vector)
}

// EncodeUpdate returns every record the document has ever applied,
// encoded as one update blob — the full state needed to reconstruct the
// document elsewhere.
func (d *Document) EncodeUpdate() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return EncodeUpdate(append([]Record(nil), d.records...))
}

// EncodeUpdateSince returns only the records the holder of remoteVector
// has not observed.
func (d *Document) EncodeUpdateSince(remoteVector map[string]uint64) ([]byte, error) {
	full := d.EncodeUpdate()
	return Diff(full, remoteVector)
}

// Field returns the current value at fieldPath, or nil if unset.
func (d *Document) Field(fieldPath string) crdt.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fields[fieldPath]
}

// Materialize returns a plain structured value derived from the document's
// current CRDT state — the "serialize(id) -> structured value" operation
// from spec §4.2, used to feed the main row table.
func (d *Document) Materialize() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]interface{}, len(d.fields))
	for path, v := range d.fields {
		switch val := v.(type) {
		case *crdt.Primitive:
			out[path] = val.Data
		case *crdt.Register:
			out[path] = val.Values()
		case *crdt.Counter:
			out[path] = val.Value()
		case *crdt.Set:
			out[path] = val.Members()
		case *crdt.Fragment:
			out[path] = val.Text()
		}
	}
	return out
}

func (d *Document) applyRecordLocked(rec Record) {
	existing := d.seqs[rec.ClientID]
	if rec.Seq <= existing {
		return // already applied
	}
	d.seqs[rec.ClientID] = rec.Seq
	d.records = append(d.records, rec)

	switch rec.Kind {
	case crdt.KindPrimitive:
		data, ts, clientID := decodeScalar(rec.Payload), rec.Timestamp, rec.ClientID
		existing, _ := d.fields[rec.FieldPath].(*crdt.Primitive)
		incoming := &crdt.Primitive{Data: data, ClientID: clientID, Timestamp: ts}
		if existing == nil {
			d.fields[rec.FieldPath] = incoming
		} else {
			existing.Merge(incoming)
		}
	case crdt.KindCounter:
		c := d.counterLocked(rec.FieldPath)
		id, clientID, amount, ts := decodeCounterDelta(rec.Payload)
		c.Add(id, crdt.CounterDelta{ID: id, ClientID: clientID, Amount: amount, Timestamp: ts})
	case crdt.KindRegister:
		r := d.registerLocked(rec.FieldPath)
		r.Set(rec.ClientID, decodeScalar(rec.Payload), rec.Timestamp)
	case crdt.KindSet:
		s := d.setLocked(rec.FieldPath)
		element := string(rec.Payload)
		if rec.Op == "add-elem" {
			s.Add(element, rec.ClientID, rec.Timestamp)
		} else {
			s.Remove(element, rec.Timestamp)
		}
	case crdt.KindFragment:
		f := d.fragmentLocked(rec.FieldPath)
		index, text, length := decodeFragmentOp(rec.Payload)
		if rec.Op == "insert" {
			f.InsertAt(index, text, func(i int) string { return fmt.Sprintf("%s-%d", recordKey(rec), i) })
		} else {
			f.DeleteRange(index, length)
		}
	}
}

func (d *Document) applyPrimitiveLocked(fieldPath string, value interface{}, clientID string, timestamp int64) {
	existing, _ := d.fields[fieldPath].(*crdt.Primitive)
	incoming := &crdt.Primitive{Data: value, ClientID: clientID, Timestamp: timestamp}
	if existing == nil {
		d.fields[fieldPath] = incoming
		return
	}
	existing.Merge(incoming)
}

func (d *Document) registerLocked(fieldPath string) *crdt.Register {
	r, _ := d.fields[fieldPath].(*crdt.Register)
	if r == nil {
		r = crdt.NewRegister()
		d.fields[fieldPath] = r
	}
	return r
}

func (d *Document) counterLocked(fieldPath string) *crdt.Counter {
	c, _ := d.fields[fieldPath].(*crdt.Counter)
	if c == nil {
		c = crdt.NewCounter()
		d.fields[fieldPath] = c
	}
	return c
}

func (d *Document) setLocked(fieldPath string) *crdt.Set {
	s, _ := d.fields[fieldPath].(*crdt.Set)
	if s == nil {
		s = crdt.NewSet()
		d.fields[fieldPath] = s
	}
	return s
}

func (d *Document) fragmentLocked(fieldPath string) *crdt.Fragment {
	f, _ := d.fields[fieldPath].(*crdt.Fragment)
	if f == nil {
		f = crdt.NewFragment()
		d.fields[fieldPath] = f
	}
	return f
}

func (d *Document) nextRecordLocked(kind crdt.Kind, fieldPath, op string, timestamp int64, payload []byte) Record {
	d.localSeq++
	rec := Record{
		ClientID:  d.clientID,
		Seq:       d.localSeq,
		Kind:      kind,
		FieldPath: fieldPath,
		Op:        op,
		Timestamp: timestamp,
		Payload:   payload,
	}
	d.seqs[d.clientID] = d.localSeq
	d.records = append(d.records, rec)
	return rec
}
