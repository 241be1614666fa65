package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/persistence"
)

const keyPrefix = "audit/"

// Sink receives a copy of every appended entry.
type Sink interface {
	Record(ctx context.Context, entry Entry) error
}

// LogOptions configures a Log.
type LogOptions struct {
	Retention int
	Clock     func() time.Time
	Sink      Sink
}

// Log is the append-only, queryable audit view. Entries are kept in append
// order with non-decreasing timestamps and persisted under audit/<seq>.
type Log struct {
	engine    persistence.Engine
	log       logger.Logger
	clock     func() time.Time
	sink      Sink
	retention int

	mu      sync.RWMutex
	entries []Entry
	keys    []string
	nextSeq uint64
}

// NewLog reloads persisted entries, newest retention entries only.
func NewLog(engine persistence.Engine, opts LogOptions, log logger.Logger) (*Log, error) {
	if opts.Retention <= 0 {
		opts.Retention = 50000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	l := &Log{
		engine:    engine,
		log:       log.WithComponent("audit"),
		clock:     opts.Clock,
		sink:      opts.Sink,
		retention: opts.Retention,
		nextSeq:   1,
	}

	items, err := engine.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load audit log: %w", err)
	}
	for _, item := range items {
		var e Entry
		if err := json.Unmarshal(item.Value, &e); err != nil {
			l.log.Warn("Skipping unreadable audit entry", logger.String("key", item.Key), logger.Error(err))
			continue
		}
		l.entries = append(l.entries, e)
		l.keys = append(l.keys, item.Key)
		if seq, err := strconv.ParseUint(strings.TrimPrefix(item.Key, keyPrefix), 10, 64); err == nil && seq >= l.nextSeq {
			l.nextSeq = seq + 1
		}
	}
	l.trim()

	l.log.Info("Audit log loaded", logger.Int("entries", len(l.entries)))
	return l, nil
}

// Append assigns an id and timestamp when missing, persists the entry and
// mirrors it to the sink. A sink failure is logged but not returned.
func (l *Log) Append(ctx context.Context, entry Entry) (Entry, error) {
	if !entry.Result.Valid() {
		return Entry{}, fmt.Errorf("invalid audit result %q", entry.Result)
	}
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	now := l.clock().UTC()
	if n := len(l.entries); n > 0 && now.Before(l.entries[n-1].Timestamp) {
		now = l.entries[n-1].Timestamp
	}
	entry.Timestamp = now

	data, err := json.Marshal(entry)
	if err != nil {
		l.mu.Unlock()
		return Entry{}, fmt.Errorf("failed to encode audit entry: %w", err)
	}
	key := fmt.Sprintf("%s%020d", keyPrefix, l.nextSeq)
	if err := l.engine.Put(key, data); err != nil {
		l.mu.Unlock()
		return Entry{}, fmt.Errorf("failed to store audit entry: %w", err)
	}
	l.nextSeq++
	l.entries = append(l.entries, entry)
	l.keys = append(l.keys, key)
	l.trim()
	l.mu.Unlock()

	if l.sink != nil {
		if err := l.sink.Record(ctx, entry); err != nil {
			l.log.Warn("Audit sink rejected entry", logger.String("id", entry.ID), logger.Error(err))
		}
	}
	return entry, nil
}

// trim drops the oldest entries beyond retention. Caller holds mu or is the
// constructor.
func (l *Log) trim() {
	excess := len(l.entries) - l.retention
	if excess <= 0 {
		return
	}
	for _, key := range l.keys[:excess] {
		if err := l.engine.Delete(key); err != nil {
			l.log.Warn("Failed to delete expired audit entry", logger.String("key", key), logger.Error(err))
		}
	}
	l.entries = append([]Entry(nil), l.entries[excess:]...)
	l.keys = append([]string(nil), l.keys[excess:]...)
}

// Query returns matching entries newest first, capped at filter.Limit.
func (l *Log) Query(filter Filter) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0)
	for i := len(l.entries) - 1; i >= 0; i-- {
		e := l.entries[i]
		if !filter.matches(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out
}

// Since returns entries at or after since, oldest first.
func (l *Log) Since(since time.Time) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range l.entries {
		if !e.Timestamp.Before(since) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
