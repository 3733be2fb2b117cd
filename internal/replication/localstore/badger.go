// Package localstore is the reference client-side replication.LocalStore
// adapter, backed by BadgerDB. Grounded on
// other_examples/2aad34cb_vanillacake369-agent-collab__src-infrastructure-storage-badger-delta_store.go.go's
// sharded key scheme; that file shards by source id to spread LSM writes
// across the key space, which here becomes a flat `key:{collection}:{document}`
// / `key:cursor:{collection}` namespace since replication.LocalStore's
// contract is a plain get/set, not a delta log.
package localstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "key:"

// Store is a badger-backed replication.LocalStore.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a badger database at dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("localstore: open badger at %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func badgerKey(key string) []byte {
	return []byte(keyPrefix + key)
}

// Get returns the stored value for key, or ok=false if it has never been
// set (or was cleared via Set(ctx, key, nil)).
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	})
	if err != nil {
		return nil, false, fmt.Errorf("localstore: get %s: %w", key, err)
	}
	if value == nil {
		return nil, false, nil
	}
	return value, true, nil
}

// Set stores value under key. Setting a nil value clears the key, since
// the replication driver uses a nil Set to drop a deleted document's
// persisted CRDT blob.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		if value == nil {
			err := txn.Delete(badgerKey(key))
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		return txn.Set(badgerKey(key), value)
	})
	if err != nil {
		return fmt.Errorf("localstore: set %s: %w", key, err)
	}
	return nil
}
