package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/neogan74/overseer/internal/logger"
)

// BadgerEngine implements Engine using BadgerDB
type BadgerEngine struct {
	db   *badger.DB
	log  logger.Logger
	stop chan struct{}
	done chan struct{}
}

// NewBadgerEngine creates a new BadgerDB persistence engine
func NewBadgerEngine(dataDir string, syncWrites bool, log logger.Logger) (*BadgerEngine, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	opts := badger.DefaultOptions(dataDir)
	opts.Logger = nil

	opts.ValueLogFileSize = 64 << 20
	opts.MemTableSize = 64 << 20
	opts.NumMemtables = 5
	opts.NumLevelZeroTables = 5
	opts.NumLevelZeroTablesStall = 10

	// Ledger appends must be on disk before the head advances.
	opts.SyncWrites = syncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	engine := &BadgerEngine{
		db:   db,
		log:  log,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go engine.runGarbageCollection()

	log.Info("BadgerDB persistence engine initialized",
		logger.String("data_dir", dataDir),
		logger.Bool("sync_writes", syncWrites))

	return engine, nil
}

func (b *BadgerEngine) runGarbageCollection() {
	defer close(b.done)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				b.log.Warn("BadgerDB garbage collection failed", logger.Error(err))
			}
		}
	}
}

func (b *BadgerEngine) Get(key string) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrKeyNotFound
	}
	return value, err
}

func (b *BadgerEngine) Put(key string, value []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

func (b *BadgerEngine) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *BadgerEngine) List(prefix string) ([]Item, error) {
	items := make([]Item, 0)

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			items = append(items, Item{Key: string(item.KeyCopy(nil)), Value: value})
		}
		return nil
	})
	return items, err
}

// CompareAndSwap runs the read and the write in one transaction. Badger's
// optimistic concurrency control rejects the commit if another transaction
// touched the key in between.
func (b *BadgerEngine) CompareAndSwap(key string, old, next []byte) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if old != nil {
				return ErrConflict
			}
		case err != nil:
			return err
		default:
			if old == nil {
				return ErrConflict
			}
			current, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(current, old) {
				return ErrConflict
			}
		}
		return txn.Set([]byte(key), next)
	})
	if errors.Is(err, badger.ErrConflict) {
		return ErrConflict
	}
	return err
}

func (b *BadgerEngine) Close() error {
	close(b.stop)
	<-b.done
	return b.db.Close()
}
