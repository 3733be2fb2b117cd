// Package docstore is the document store (component C2): an in-process
// registry of live CRDT document instances, keyed by collection and
// document id. It owns document lifecycle (create, fetch, destroy) and is
// the only package that constructs codec.Document values — compaction,
// streaming and recovery all reach documents through here.
package docstore

import (
	"errors"
	"fmt"
	"sync"

	"github.com/replikit/replikit/internal/codec"
)

// ErrNotFound is returned when an operation targets a document that has
// never been created (or was deleted) in this store.
var ErrNotFound = errors.New("docstore: document not found")

// Store is a registry of live documents scoped to one collection.
// Document identity within a Store is the document id alone; callers that
// need multi-collection scoping run one Store per collection, mirroring
// how the teacher's websocket.Hub keeps one subscriber map per doc id
// rather than a single flat namespace.
type Store struct {
	collection string
	clientID   string

	mu   sync.RWMutex
	docs map[string]*codec.Document
}

// New creates an empty store for collection. clientID stamps every local
// transaction run through this store's documents.
func New(collection, clientID string) *Store {
	return &Store{
		collection: collection,
		clientID:   clientID,
		docs:       make(map[string]*codec.Document),
	}
}

// Collection returns the collection name this store serves.
func (s *Store) Collection() string { return s.collection }

// GetOrCreate returns the document handle for id, creating an empty one if
// none exists yet.
func (s *Store) GetOrCreate(id string) *codec.Document {
	s.mu.RLock()
	doc, ok := s.docs[id]
	s.mu.RUnlock()
	if ok {
		return doc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok := s.docs[id]; ok {
		return doc
	}
	doc = codec.NewDocument(s.clientID)
	s.docs[id] = doc
	return doc
}

// Get returns the document handle for id, or ErrNotFound if it has never
// been created.
func (s *Store) Get(id string) (*codec.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, s.collection, id)
	}
	return doc, nil
}

// Delete destroys the CRDT instance for id and releases its memory. Delete
// of a document that was never created is a no-op, matching the teacher's
// idempotent-unregister style in Hub.Unregister.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
}

// Documents returns the ids of every currently live document.
func (s *Store) Documents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	return out
}

// TransactWithDelta records the document's state vector before mutator
// runs, applies mutator inside one CRDT transaction, and returns the delta
// produced — exactly what codec.Document.Transact returns, since the
// pre-vector is implicit in which records the transaction appends. Fails
// with ErrNotFound when id names a document that was never created; unlike
// GetOrCreate, a mutation against a missing document is treated as caller
// error rather than an implicit create.
func (s *Store) TransactWithDelta(id string, mutator func(tx *codec.Tx)) ([]byte, error) {
	doc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return doc.Transact(mutator), nil
}

// ApplyUpdate decodes and merges data into the document named by id,
// creating the document first if it does not yet exist — remote updates
// are how a document is first learned about on a client that has never
// opened it locally.
func (s *Store) ApplyUpdate(id string, data []byte, origin string) error {
	doc := s.GetOrCreate(id)
	return doc.ApplyUpdate(data, origin)
}

// EncodeStateVector returns the state vector for id, or ErrNotFound.
func (s *Store) EncodeStateVector(id string) ([]byte, error) {
	doc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return doc.EncodeStateVector(), nil
}

// Serialize returns the structured, JSON-able materialization of document
// id's current CRDT state, or ErrNotFound.
func (s *Store) Serialize(id string) (map[string]interface{}, error) {
	doc, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	return doc.Materialize(), nil
}
