// Copyright (C) 2024-2026, DuxNet, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package leveldb

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/duxnet/duxnetd/database"
)

var _ database.Database = (*Database)(nil)

// Database is a persistent key-value store backed by goleveldb.
type Database struct {
	db *leveldb.DB
}

func New(path string) (*Database, error) {
	db, err := leveldb.OpenFile(path, nil)
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

func (db *Database) Has(key []byte) (bool, error) {
	return db.db.Has(key, nil)
}

func (db *Database) Get(key []byte) ([]byte, error) {
	value, err := db.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, database.ErrNotFound
	}
	return value, err
}

func (db *Database) Put(key []byte, value []byte) error {
	return db.db.Put(key, value, nil)
}

func (db *Database) Delete(key []byte) error {
	return db.db.Delete(key, nil)
}

func (db *Database) NewIterator() database.Iterator {
	return &iter{it: db.db.NewIterator(nil, nil)}
}

func (db *Database) NewIteratorWithPrefix(prefix []byte) database.Iterator {
	return &iter{it: db.db.NewIterator(util.BytesPrefix(prefix), nil)}
}

func (db *Database) Close() error {
	err := db.db.Close()
	if err == leveldb.ErrClosed {
		return database.ErrClosed
	}
	return err
}

type iter struct {
	it iterator.Iterator
}

func (i *iter) Next() bool {
	return i.it.Next()
}

func (i *iter) Error() error {
	return i.it.Error()
}

func (i *iter) Key() []byte {
	return i.it.Key()
}

func (i *iter) Value() []byte {
	return i.it.Value()
}

func (i *iter) Release() {
	i.it.Release()
}
