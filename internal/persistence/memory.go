package persistence

import (
	"bytes"
	"sort"
	"strings"
	"sync"
)

// MemoryEngine is an in-memory implementation of Engine
type MemoryEngine struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryEngine creates a new in-memory persistence engine
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		data: make(map[string][]byte),
	}
}

func (m *MemoryEngine) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if val, ok := m.data[key]; ok {
		return bytes.Clone(val), nil
	}
	return nil, ErrKeyNotFound
}

func (m *MemoryEngine) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.data[key] = bytes.Clone(value)
	return nil
}

func (m *MemoryEngine) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

func (m *MemoryEngine) List(prefix string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]Item, 0)
	for key, val := range m.data {
		if strings.HasPrefix(key, prefix) {
			items = append(items, Item{Key: key, Value: bytes.Clone(val)})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (m *MemoryEngine) CompareAndSwap(key string, old, next []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.data[key]
	if old == nil {
		if exists {
			return ErrConflict
		}
	} else if !exists || !bytes.Equal(current, old) {
		return ErrConflict
	}

	m.data[key] = bytes.Clone(next)
	return nil
}

func (m *MemoryEngine) Close() error {
	return nil
}
