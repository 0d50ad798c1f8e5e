package cache

import (
	"fmt"
	"time"
)

// Record is the outcome of one successful upstream fetch.
// Records are treated as immutable once stored; callers must not modify Body.
type Record struct {
	Key         string
	Body        []byte
	ContentType string
	FetchedAt   time.Time
}

// Age returns how long ago the record was fetched, relative to now.
// It is negative if FetchedAt lies in the future.
func (r Record) Age(now time.Time) time.Duration {
	return now.Sub(r.FetchedAt)
}

// Store is a key to record mapping.
// It keeps every record until it is overwritten; there is no eviction.
//
// Implementations must be thread-safe!
type Store interface {
	// Get returns the last record stored for key.
	// The boolean is false if nothing has been stored for the key yet.
	Get(key string) (Record, bool, error)
	// Put stores the record under rec.Key, overwriting any previous record.
	Put(rec Record) error
	// Keys returns the keys that currently hold a record.
	Keys() ([]string, error)
	// Close releases resources held by the store.
	Close() error
}

const (
	ProviderMemory  = "memory"
	ProviderSQLite  = "sqlite"
	ProviderLevelDB = "leveldb"
)

// Open creates the store for the given provider.
// The path is the database file for sqlite and the directory for leveldb;
// it is ignored for the memory provider.
func Open(provider, path string) (Store, error) {
	switch provider {
	case "", ProviderMemory:
		return NewMemStore(), nil
	case ProviderSQLite:
		s, err := NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		return s, nil
	case ProviderLevelDB:
		l, err := NewLevelDBStore(path)
		if err != nil {
			return nil, err
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported store provider: %s", provider)
	}
}
