package persistence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/neogan74/overseer/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func engines(t *testing.T) map[string]Engine {
	t.Helper()
	log := logger.Nop()

	badgerEngine, err := NewBadgerEngine(t.TempDir(), true, log)
	if err != nil {
		t.Fatalf("Failed to create BadgerEngine: %v", err)
	}
	sqliteEngine, err := NewSQLiteEngine(t.TempDir(), true, log)
	if err != nil {
		t.Fatalf("Failed to create SQLiteEngine: %v", err)
	}

	all := map[string]Engine{
		"memory": NewMemoryEngine(),
		"badger": badgerEngine,
		"sqlite": sqliteEngine,
	}
	t.Cleanup(func() {
		for _, e := range all {
			_ = e.Close()
		}
	})
	return all
}

func TestEngine_Basic(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, engine.Put("test-key", []byte("test-value")))

			got, err := engine.Get("test-key")
			require.NoError(t, err)
			assert.Equal(t, "test-value", string(got))

			require.NoError(t, engine.Put("test-key", []byte("updated")))
			got, err = engine.Get("test-key")
			require.NoError(t, err)
			assert.Equal(t, "updated", string(got))

			require.NoError(t, engine.Delete("test-key"))
			_, err = engine.Get("test-key")
			assert.ErrorIs(t, err, ErrKeyNotFound)
		})
	}
}

func TestEngine_ListSortedByKey(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"ledger/003", "ledger/001", "approval/x", "ledger/002"} {
				require.NoError(t, engine.Put(k, []byte(k)))
			}

			items, err := engine.List("ledger/")
			require.NoError(t, err)
			require.Len(t, items, 3)
			assert.Equal(t, "ledger/001", items[0].Key)
			assert.Equal(t, "ledger/002", items[1].Key)
			assert.Equal(t, "ledger/003", items[2].Key)
			assert.Equal(t, []byte("ledger/003"), items[2].Value)

			empty, err := engine.List("vault/")
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestEngine_CompareAndSwap(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			// create-only
			require.NoError(t, engine.CompareAndSwap("k", nil, []byte("v1")))
			assert.ErrorIs(t, engine.CompareAndSwap("k", nil, []byte("other")), ErrConflict)

			// stale expectation
			assert.ErrorIs(t, engine.CompareAndSwap("k", []byte("nope"), []byte("v2")), ErrConflict)

			require.NoError(t, engine.CompareAndSwap("k", []byte("v1"), []byte("v2")))
			got, err := engine.Get("k")
			require.NoError(t, err)
			assert.Equal(t, "v2", string(got))

			// expecting a value on a missing key
			assert.ErrorIs(t, engine.CompareAndSwap("missing", []byte("v"), []byte("w")), ErrConflict)
		})
	}
}

func TestEngine_ConcurrentCreateOnlyHasOneWinner(t *testing.T) {
	for name, engine := range engines(t) {
		t.Run(name, func(t *testing.T) {
			const workers = 16
			var (
				wg   sync.WaitGroup
				mu   sync.Mutex
				wins int
			)
			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					if err := engine.CompareAndSwap("race", nil, []byte(fmt.Sprint(i))); err == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, 1, wins)
		})
	}
}

func TestBadgerEngine_Reopen(t *testing.T) {
	dir := t.TempDir()
	log := logger.Nop()

	engine, err := NewBadgerEngine(dir, true, log)
	require.NoError(t, err)
	require.NoError(t, engine.Put("persistent", []byte("yes")))
	require.NoError(t, engine.Close())

	engine, err = NewBadgerEngine(dir, true, log)
	require.NoError(t, err)
	defer func() { _ = engine.Close() }()

	got, err := engine.Get("persistent")
	require.NoError(t, err)
	assert.Equal(t, "yes", string(got))
}

func TestSQLiteEngine_Reopen(t *testing.T) {
	dir := t.TempDir()
	log := logger.Nop()

	engine, err := NewSQLiteEngine(dir, true, log)
	require.NoError(t, err)
	require.NoError(t, engine.Put("persistent", []byte("yes")))
	require.NoError(t, engine.Close())

	engine, err = NewSQLiteEngine(dir, false, log)
	require.NoError(t, err)
	defer func() { _ = engine.Close() }()

	got, err := engine.Get("persistent")
	require.NoError(t, err)
	assert.Equal(t, "yes", string(got))
}

func TestNewEngine(t *testing.T) {
	log := logger.Nop()

	e, err := NewEngine(Config{Enabled: false}, log)
	require.NoError(t, err)
	assert.IsType(t, &MemoryEngine{}, e)

	e, err = NewEngine(Config{Enabled: true, Type: "sqlite", DataDir: t.TempDir()}, log)
	require.NoError(t, err)
	assert.IsType(t, &SQLiteEngine{}, e)
	_ = e.Close()

	_, err = NewEngine(Config{Enabled: true, Type: "bolt", DataDir: t.TempDir()}, log)
	assert.Error(t, err)
}
