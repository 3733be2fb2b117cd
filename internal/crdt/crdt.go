// Package crdt provides the typed value variants a document field can hold:
// plain primitives, rich-text fragments, tagged registers, grow-only
// counters, and add-wins sets. Each variant knows how to merge itself with
// a concurrent copy; callers never need to type-switch on raw JSON to tell
// variants apart.
package crdt

import (
	"fmt"
	"sort"
)

// Kind tags which CRDT variant a Value implements.
type Kind uint8

const (
	KindPrimitive Kind = iota
	KindFragment
	KindRegister
	KindCounter
	KindSet
)

func (k Kind) String() string {
	switch k {
	case KindPrimitive:
		return "primitive"
	case KindFragment:
		return "fragment"
	case KindRegister:
		return "register"
	case KindCounter:
		return "counter"
	case KindSet:
		return "set"
	default:
		return "unknown"
	}
}

// Value is the common interface every field-level CRDT variant implements.
type Value interface {
	Kind() Kind
	Clone() Value
	Merge(other Value) error
}

// Primitive is a plain last-writer-wins scalar (string, number, bool, nil).
type Primitive struct {
	Data      interface{}
	ClientID  string
	Timestamp int64
}

func (p *Primitive) Kind() Kind { return KindPrimitive }

func (p *Primitive) Clone() Value {
	return &Primitive{Data: p.Data, ClientID: p.ClientID, Timestamp: p.Timestamp}
}

// Merge keeps whichever write has the later (timestamp, client_id) tuple —
// ties broken by client id so merge stays deterministic across replicas.
func (p *Primitive) Merge(other Value) error {
	o, ok := other.(*Primitive)
	if !ok {
		return fmt.Errorf("crdt: cannot merge Primitive with %T", other)
	}
	if wins(o.Timestamp, o.ClientID, p.Timestamp, p.ClientID) {
		p.Data, p.ClientID, p.Timestamp = o.Data, o.ClientID, o.Timestamp
	}
	return nil
}

func wins(ts1 int64, client1 string, ts2 int64, client2 string) bool {
	if ts1 != ts2 {
		return ts1 > ts2
	}
	return client1 > client2
}

// Register is a conflict-set of timestamped values per client: every
// client's last write is retained until explicitly superseded, giving
// callers visibility into concurrent writes rather than silently picking
// one (used for fields like "status" where showing the conflict matters).
type Register struct {
	entries map[string]registerEntry
}

type registerEntry struct {
	Value     interface{}
	Timestamp int64
}

func NewRegister() *Register {
	return &Register{entries: make(map[string]registerEntry)}
}

func (r *Register) Kind() Kind { return KindRegister }

func (r *Register) Clone() Value {
	clone := NewRegister()
	for k, v := range r.entries {
		clone.entries[k] = v
	}
	return clone
}

// Set records client's value at timestamp, replacing any older entry from
// the same client.
func (r *Register) Set(clientID string, value interface{}, timestamp int64) {
	if existing, ok := r.entries[clientID]; ok && existing.Timestamp > timestamp {
		return
	}
	r.entries[clientID] = registerEntry{Value: value, Timestamp: timestamp}
}

// Values returns the current conflict set, most recent write first.
func (r *Register) Values() []interface{} {
	type kv struct {
		clientID string
		entry    registerEntry
	}
	all := make([]kv, 0, len(r.entries))
	for k, v := range r.entries {
		all = append(all, kv{k, v})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].entry.Timestamp != all[j].entry.Timestamp {
			return all[i].entry.Timestamp > all[j].entry.Timestamp
		}
		return all[i].clientID > all[j].clientID
	})
	out := make([]interface{}, len(all))
	for i, e := range all {
		out[i] = e.entry.Value
	}
	return out
}

func (r *Register) Merge(other Value) error {
	o, ok := other.(*Register)
	if !ok {
		return fmt.Errorf("crdt: cannot merge Register with %T", other)
	}
	for clientID, entry := range o.entries {
		r.Set(clientID, entry.Value, entry.Timestamp)
	}
	return nil
}

// Counter is an append-only list of signed deltas; its value is their sum.
// Each delta is tagged with the client and timestamp that produced it so
// duplicate application (the same delta merged twice) can be detected.
type Counter struct {
	deltas []CounterDelta
	seen   map[string]bool
}

type CounterDelta struct {
	ID        string
	ClientID  string
	Amount    int64
	Timestamp int64
}

func NewCounter() *Counter {
	return &Counter{seen: make(map[string]bool)}
}

func (c *Counter) Kind() Kind { return KindCounter }

func (c *Counter) Clone() Value {
	clone := NewCounter()
	clone.deltas = append([]CounterDelta(nil), c.deltas...)
	for k := range c.seen {
		clone.seen[k] = true
	}
	return clone
}

// Add appends a signed delta. Deltas are never removed or coalesced —
// that is what distinguishes a counter from a register.
func (c *Counter) Add(id string, d CounterDelta) {
	if c.seen[id] {
		return
	}
	c.seen[id] = true
	c.deltas = append(c.deltas, d)
}

// Value sums every delta applied so far.
func (c *Counter) Value() int64 {
	var total int64
	for _, d := range c.deltas {
		total += d.Amount
	}
	return total
}

func (c *Counter) Merge(other Value) error {
	o, ok := other.(*Counter)
	if !ok {
		return fmt.Errorf("crdt: cannot merge Counter with %T", other)
	}
	for _, d := range o.deltas {
		c.Add(d.ID, d)
	}
	return nil
}

// Set is an add-wins element set: an element is present if it has ever
// been added and not removed by a strictly later operation. Ties between
// a concurrent add and remove resolve toward existence (add wins).
type Set struct {
	elements map[string]setEntry
}

type setEntry struct {
	AddedBy   string
	AddedAt   int64
	removed   bool
	removedAt int64
}

func NewSet() *Set {
	return &Set{elements: make(map[string]setEntry)}
}

func (s *Set) Kind() Kind { return KindSet }

func (s *Set) Clone() Value {
	clone := NewSet()
	for k, v := range s.elements {
		clone.elements[k] = v
	}
	return clone
}

// Add inserts element, tagged with who added it and when.
func (s *Set) Add(element, clientID string, timestamp int64) {
	existing, ok := s.elements[element]
	if ok && existing.AddedAt >= timestamp && !(existing.removed && existing.removedAt < timestamp) {
		return
	}
	s.elements[element] = setEntry{AddedBy: clientID, AddedAt: timestamp}
}

// Remove tombstones element as of timestamp. A concurrent Add at the same
// or later timestamp still wins per add-wins semantics.
func (s *Set) Remove(element string, timestamp int64) {
	existing, ok := s.elements[element]
	if !ok {
		return
	}
	if timestamp <= existing.AddedAt {
		return // add at the same or a later timestamp: add wins
	}
	existing.removed = true
	existing.removedAt = timestamp
	s.elements[element] = existing
}

// Members returns the currently-present elements.
func (s *Set) Members() []string {
	out := make([]string, 0, len(s.elements))
	for el, entry := range s.elements {
		if !entry.removed || entry.removedAt < entry.AddedAt {
			out = append(out, el)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Set) Merge(other Value) error {
	o, ok := other.(*Set)
	if !ok {
		return fmt.Errorf("crdt: cannot merge Set with %T", other)
	}
	for el, entry := range o.elements {
		s.Add(el, entry.AddedBy, entry.AddedAt)
		if entry.removed {
			s.Remove(el, entry.removedAt)
		}
	}
	return nil
}

// Fragment is a rich-text CRDT fragment addressed by fractional position,
// following the tombstone-and-fractional-index model: characters are never
// physically removed, only marked deleted, which keeps concurrent inserts
// near a deletion well-ordered.
type Fragment struct {
	chars []fragChar
	seen  map[string]bool
}

type fragChar struct {
	ID       string
	Char     rune
	Position float64
	Deleted  bool
}

func NewFragment() *Fragment {
	return &Fragment{seen: make(map[string]bool)}
}

func (f *Fragment) Kind() Kind { return KindFragment }

func (f *Fragment) Clone() Value {
	clone := NewFragment()
	clone.chars = append([]fragChar(nil), f.chars...)
	for k := range f.seen {
		clone.seen[k] = true
	}
	return clone
}

// InsertAt inserts text starting at the given visible-character index,
// assigning each rune a fractional position between its neighbors.
func (f *Fragment) InsertAt(index int, text string, idPrefix func(i int) string) {
	visible := f.visible()
	start := f.positionFor(index, visible)
	for i, r := range text {
		id := idPrefix(i)
		if f.seen[id] {
			continue
		}
		f.seen[id] = true
		f.chars = append(f.chars, fragChar{ID: id, Char: r, Position: start + float64(i)*1e-6})
	}
	f.sort()
}

// DeleteRange tombstones length visible characters starting at index.
func (f *Fragment) DeleteRange(index, length int) {
	visible := f.visible()
	end := index + length
	if end > len(visible) {
		end = len(visible)
	}
	for i := index; i < end && i >= 0; i++ {
		for j := range f.chars {
			if f.chars[j].ID == visible[i].ID {
				f.chars[j].Deleted = true
			}
		}
	}
}

// Text returns the fragment's current visible content.
func (f *Fragment) Text() string {
	visible := f.visible()
	out := make([]rune, len(visible))
	for i, c := range visible {
		out[i] = c.Char
	}
	return string(out)
}

func (f *Fragment) visible() []fragChar {
	var v []fragChar
	for _, c := range f.chars {
		if !c.Deleted {
			v = append(v, c)
		}
	}
	sort.Slice(v, func(i, j int) bool { return v[i].Position < v[j].Position })
	return v
}

func (f *Fragment) positionFor(index int, visible []fragChar) float64 {
	if index <= 0 {
		if len(visible) == 0 {
			return 1.0
		}
		return visible[0].Position / 2
	}
	if index >= len(visible) {
		if len(visible) == 0 {
			return 1.0
		}
		return visible[len(visible)-1].Position + 1.0
	}
	return (visible[index-1].Position + visible[index].Position) / 2
}

func (f *Fragment) sort() {
	sort.Slice(f.chars, func(i, j int) bool { return f.chars[i].Position < f.chars[j].Position })
}

func (f *Fragment) Merge(other Value) error {
	o, ok := other.(*Fragment)
	if !ok {
		return fmt.Errorf("crdt: cannot merge Fragment with %T", other)
	}
	for _, c := range o.chars {
		if f.seen[c.ID] {
			continue
		}
		f.seen[c.ID] = true
		f.chars = append(f.chars, c)
	}
	f.sort()
	// Deletions are idempotent tombstones: re-apply any the other side has.
	byID := make(map[string]bool, len(o.chars))
	for _, c := range o.chars {
		if c.Deleted {
			byID[c.ID] = true
		}
	}
	for i := range f.chars {
		if byID[f.chars[i].ID] {
			f.chars[i].Deleted = true
		}
	}
	return nil
}
