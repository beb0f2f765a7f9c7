package store

import (
	"fmt"

	"github.com/dgraph-io/badger"

	cm "github.com/tempoledger/tempo/src/common"
)

// BadgerStore implements the Store interface on top of a Badger database. A
// write-through LRU cache sits in front of the database so that hot records
// (the latest rounds and the working set of blocks) are served from memory.
type BadgerStore struct {
	db    *badger.DB
	path  string
	cache *cm.LRU
}

// NewBadgerStore opens, or creates, a Badger database at the given path.
func NewBadgerStore(path string, cacheSize int) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.SyncWrites = false
	opts.Logger = nil

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	store := &BadgerStore{
		db:    handle,
		path:  path,
		cache: cm.NewLRU(cacheSize, nil),
	}

	return store, nil
}

// Path returns the directory containing the database files.
func (s *BadgerStore) Path() string {
	return s.path
}

func treeKey(tree string, key []byte) []byte {
	return []byte(fmt.Sprintf("%s_%s", tree, key))
}

// Put implements the Store interface.
func (s *BadgerStore) Put(tree string, key []byte, value []byte) error {
	tk := treeKey(tree, key)

	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(tk, value)
	})
	if err != nil {
		return err
	}

	s.cache.Add(string(tk), append([]byte(nil), value...))

	return nil
}

// Get implements the Store interface.
func (s *BadgerStore) Get(tree string, key []byte) ([]byte, error) {
	tk := treeKey(tree, key)

	if cached, ok := s.cache.Get(string(tk)); ok {
		return append([]byte(nil), cached.([]byte)...), nil
	}

	var res []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(tk)
		if err != nil {
			return err
		}
		res, err = item.ValueCopy(nil)
		return err
	})

	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, cm.NewStoreErr(tree, cm.KeyNotFound, string(key))
		}
		return nil, err
	}

	s.cache.Add(string(tk), append([]byte(nil), res...))

	return res, nil
}

// Has implements the Store interface.
func (s *BadgerStore) Has(tree string, key []byte) bool {
	_, err := s.Get(tree, key)
	return err == nil
}

// Close implements the Store interface.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}
