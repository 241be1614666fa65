package persistence

import (
	"errors"
)

var (
	// ErrKeyNotFound is returned by Get when the key does not exist.
	ErrKeyNotFound = errors.New("key not found")
	// ErrConflict is returned by CompareAndSwap when the stored value does not
	// match the expected one.
	ErrConflict = errors.New("compare-and-swap conflict")
)

// Item is a stored key/value pair.
type Item struct {
	Key   string
	Value []byte
}

// Engine represents a persistence backend shared by the ledger, approvals,
// anomalies, audit log and vault.
type Engine interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error

	// List returns every item whose key starts with prefix, sorted by key.
	List(prefix string) ([]Item, error)

	// CompareAndSwap replaces the value at key with next only when the current
	// value equals old. A nil old means the key must not exist yet.
	CompareAndSwap(key string, old, next []byte) error

	Close() error
}

// Config holds persistence configuration
type Config struct {
	Enabled    bool
	Type       string // "memory", "badger", "sqlite"
	DataDir    string
	SyncWrites bool
}
