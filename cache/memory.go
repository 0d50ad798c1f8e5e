package cache

import (
	"sort"
	"sync"
)

type MemStore struct {
	mutex *sync.RWMutex
	db    map[string]Record
}

func NewMemStore() MemStore {
	return MemStore{
		mutex: &sync.RWMutex{},
		db:    make(map[string]Record),
	}
}

func (m MemStore) Get(key string) (Record, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	rec, ok := m.db[key]
	return rec, ok, nil
}

func (m MemStore) Put(rec Record) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[rec.Key] = rec
	return nil
}

func (m MemStore) Keys() ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m MemStore) Close() error {
	return nil
}
