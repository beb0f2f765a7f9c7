package store

import (
	"sync"

	cm "github.com/tempoledger/tempo/src/common"
)

// InmemStore implements the Store interface with plain in-memory maps. It is
// the default for tests and for nodes run without the --store flag; nothing
// survives a restart.
type InmemStore struct {
	sync.RWMutex
	trees map[string]map[string][]byte
}

// NewInmemStore creates an empty InmemStore.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		trees: make(map[string]map[string][]byte),
	}
}

// Put implements the Store interface.
func (s *InmemStore) Put(tree string, key []byte, value []byte) error {
	s.Lock()
	defer s.Unlock()

	t, ok := s.trees[tree]
	if !ok {
		t = make(map[string][]byte)
		s.trees[tree] = t
	}

	v := make([]byte, len(value))
	copy(v, value)
	t[string(key)] = v

	return nil
}

// Get implements the Store interface.
func (s *InmemStore) Get(tree string, key []byte) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	t, ok := s.trees[tree]
	if !ok {
		return nil, cm.NewStoreErr(tree, cm.KeyNotFound, string(key))
	}

	v, ok := t[string(key)]
	if !ok {
		return nil, cm.NewStoreErr(tree, cm.KeyNotFound, string(key))
	}

	res := make([]byte, len(v))
	copy(res, v)

	return res, nil
}

// Has implements the Store interface.
func (s *InmemStore) Has(tree string, key []byte) bool {
	s.RLock()
	defer s.RUnlock()

	t, ok := s.trees[tree]
	if !ok {
		return false
	}
	_, ok = t[string(key)]
	return ok
}

// Close implements the Store interface.
func (s *InmemStore) Close() error {
	return nil
}
