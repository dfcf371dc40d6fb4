// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package memdb

import (
	"slices"
	"strings"
	"sync"

	"golang.org/x/exp/maps"

	"github.com/duxnet/duxnetd/database"
)

var _ database.Database = (*Database)(nil)

// Database is an in-memory, thread-safe implementation of database.Database.
// Used in tests and as the mirror target before a durable store is attached.
type Database struct {
	lock sync.RWMutex
	db   map[string][]byte
}

func New() *Database {
	return &Database{db: make(map[string][]byte)}
}

func (db *Database) Has(key []byte) (bool, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.db == nil {
		return false, database.ErrClosed
	}
	_, ok := db.db[string(key)]
	return ok, nil
}

func (db *Database) Get(key []byte) ([]byte, error) {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.db == nil {
		return nil, database.ErrClosed
	}
	if value, ok := db.db[string(key)]; ok {
		return slices.Clone(value), nil
	}
	return nil, database.ErrNotFound
}

func (db *Database) Put(key []byte, value []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.db == nil {
		return database.ErrClosed
	}
	db.db[string(key)] = slices.Clone(value)
	return nil
}

func (db *Database) Delete(key []byte) error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.db == nil {
		return database.ErrClosed
	}
	delete(db.db, string(key))
	return nil
}

func (db *Database) NewIterator() database.Iterator {
	return db.NewIteratorWithPrefix(nil)
}

func (db *Database) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	db.lock.RLock()
	defer db.lock.RUnlock()

	if db.db == nil {
		return &iterator{err: database.ErrClosed}
	}

	keys := make([]string, 0, len(db.db))
	for key := range db.db {
		if strings.HasPrefix(key, string(prefix)) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	values := make([][]byte, len(keys))
	for i, key := range keys {
		values[i] = slices.Clone(db.db[key])
	}
	return &iterator{keys: keys, values: values}
}

func (db *Database) Close() error {
	db.lock.Lock()
	defer db.lock.Unlock()

	if db.db == nil {
		return database.ErrClosed
	}
	maps.Clear(db.db)
	db.db = nil
	return nil
}

type iterator struct {
	initialized bool
	keys        []string
	values      [][]byte
	err         error
}

func (it *iterator) Next() bool {
	if it.initialized {
		if len(it.keys) > 0 {
			it.keys = it.keys[1:]
			it.values = it.values[1:]
		}
	} else {
		it.initialized = true
	}
	return len(it.keys) > 0
}

func (it *iterator) Error() error {
	return it.err
}

func (it *iterator) Key() []byte {
	if len(it.keys) == 0 {
		return nil
	}
	return []byte(it.keys[0])
}

func (it *iterator) Value() []byte {
	if len(it.values) == 0 {
		return nil
	}
	return it.values[0]
}

func (*iterator) Release() {}
