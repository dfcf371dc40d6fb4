// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package prefixdb

import (
	"slices"

	"github.com/duxnet/duxnetd/database"
)

var _ database.Database = (*Database)(nil)

// Database partitions a database into a sub-database by prefixing all keys.
type Database struct {
	prefix []byte
	db     database.Database
}

func New(prefix []byte, db database.Database) *Database {
	return &Database{
		prefix: slices.Clone(prefix),
		db:     db,
	}
}

func (db *Database) prefixed(key []byte) []byte {
	prefixed := make([]byte, 0, len(db.prefix)+len(key))
	prefixed = append(prefixed, db.prefix...)
	return append(prefixed, key...)
}

func (db *Database) Has(key []byte) (bool, error) {
	return db.db.Has(db.prefixed(key))
}

func (db *Database) Get(key []byte) ([]byte, error) {
	return db.db.Get(db.prefixed(key))
}

func (db *Database) Put(key []byte, value []byte) error {
	return db.db.Put(db.prefixed(key), value)
}

func (db *Database) Delete(key []byte) error {
	return db.db.Delete(db.prefixed(key))
}

func (db *Database) NewIterator() database.Iterator {
	return db.NewIteratorWithPrefix(nil)
}

func (db *Database) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return &iterator{
		Iterator:  db.db.NewIteratorWithPrefix(db.prefixed(prefix)),
		prefixLen: len(db.prefix),
	}
}

// Close does not close the underlying database; a prefixdb is a view.
func (*Database) Close() error {
	return nil
}

type iterator struct {
	database.Iterator
	prefixLen int
}

func (it *iterator) Key() []byte {
	key := it.Iterator.Key()
	if len(key) < it.prefixLen {
		return key
	}
	return key[it.prefixLen:]
}
