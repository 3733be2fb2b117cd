// Package session implements the session/presence tracker (component C4):
// who is currently connected to which document, their last-known cursor
// and profile, and the heartbeat-driven disconnect timer that also gates
// compaction's "can delete all deltas" check. Grounded on
// internal/security/middleware.go's limiter shape — a map guarded by a
// mutex, with per-key cleanup driven by timers rather than a shared
// ticker, since each session's disconnect deadline is independent.
package session

import (
	"sync"
	"time"
)

// DisconnectMultiplier is applied to the heartbeat interval to get the
// grace period before a session is considered disconnected: a client is
// given two and a half missed heartbeats before it's dropped.
const DisconnectMultiplier = 2.5

// Session is the presence/state snapshot for one connected client on one
// document.
type Session struct {
	ClientID string
	Profile  map[string]interface{}
	Cursor   map[string]interface{}
	LastSeen time.Time
}

type entry struct {
	session Session
	timer   *time.Timer
}

type docKey struct {
	collection string
	documentID string
}

// DisconnectFunc is invoked (from the timer's own goroutine) when a
// session's heartbeat grace period elapses without a renewal, or when Leave
// is called explicitly.
type DisconnectFunc func(collection, documentID, clientID string)

// Tracker tracks live sessions across every document a server process is
// serving.
type Tracker struct {
	interval time.Duration
	onGone   DisconnectFunc

	mu   sync.Mutex
	docs map[docKey]map[string]*entry
}

// New creates a Tracker. A client that fails to heartbeat within
// interval*DisconnectMultiplier is dropped and onGone is invoked for it.
func New(interval time.Duration, onGone DisconnectFunc) *Tracker {
	return &Tracker{
		interval: interval,
		onGone:   onGone,
		docs:     make(map[docKey]map[string]*entry),
	}
}

func (t *Tracker) grace() time.Duration {
	return time.Duration(float64(t.interval) * DisconnectMultiplier)
}

// Heartbeat records that clientID is still present on (collection,
// documentID), updating its profile/cursor and (re)arming its disconnect
// timer. profile/cursor may be nil to leave the previous value unchanged.
func (t *Tracker) Heartbeat(collection, documentID, clientID string, profile, cursor map[string]interface{}) {
	key := docKey{collection, documentID}

	t.mu.Lock()
	defer t.mu.Unlock()

	clients := t.docs[key]
	if clients == nil {
		clients = make(map[string]*entry)
		t.docs[key] = clients
	}

	e, ok := clients[clientID]
	if !ok {
		e = &entry{session: Session{ClientID: clientID}}
		clients[clientID] = e
	}
	if profile != nil {
		e.session.Profile = profile
	}
	if cursor != nil {
		e.session.Cursor = cursor
	}
	e.session.LastSeen = time.Now()

	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(t.grace(), func() {
		t.expire(collection, documentID, clientID)
	})
}

// expire drops a session whose disconnect timer fired without a renewing
// heartbeat.
func (t *Tracker) expire(collection, documentID, clientID string) {
	key := docKey{collection, documentID}

	t.mu.Lock()
	clients := t.docs[key]
	if clients != nil {
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(t.docs, key)
		}
	}
	t.mu.Unlock()

	if t.onGone != nil {
		t.onGone(collection, documentID, clientID)
	}
}

// Leave removes clientID's session immediately, cancelling its disconnect
// timer, and fires onGone synchronously.
func (t *Tracker) Leave(collection, documentID, clientID string) {
	key := docKey{collection, documentID}

	t.mu.Lock()
	clients := t.docs[key]
	if clients != nil {
		if e, ok := clients[clientID]; ok && e.timer != nil {
			e.timer.Stop()
		}
		delete(clients, clientID)
		if len(clients) == 0 {
			delete(t.docs, key)
		}
	}
	t.mu.Unlock()

	if t.onGone != nil {
		t.onGone(collection, documentID, clientID)
	}
}

// Sessions returns the currently-tracked sessions for (collection,
// documentID).
func (t *Tracker) Sessions(collection, documentID string) []Session {
	key := docKey{collection, documentID}

	t.mu.Lock()
	defer t.mu.Unlock()

	clients := t.docs[key]
	out := make([]Session, 0, len(clients))
	for _, e := range clients {
		out = append(out, e.session)
	}
	return out
}

// Count returns how many clients are currently tracked for (collection,
// documentID) — used by compaction's connected-session coverage check
// without needing the full Session payload.
func (t *Tracker) Count(collection, documentID string) int {
	key := docKey{collection, documentID}

	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.docs[key])
}

// Close stops every outstanding disconnect timer and drops all tracked
// state without firing onGone — used by a collection's teardown, which
// discards sessions rather than treating a shutdown as every client
// disconnecting individually.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, clients := range t.docs {
		for _, e := range clients {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
	}
	t.docs = make(map[docKey]map[string]*entry)
}

// ClientIDs returns the client ids currently tracked for (collection,
// documentID).
func (t *Tracker) ClientIDs(collection, documentID string) []string {
	key := docKey{collection, documentID}

	t.mu.Lock()
	defer t.mu.Unlock()

	clients := t.docs[key]
	out := make([]string, 0, len(clients))
	for id := range clients {
		out = append(out, id)
	}
	return out
}
