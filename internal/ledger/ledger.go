package ledger

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/neogan74/overseer/internal/apperr"
	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/metrics"
	"github.com/neogan74/overseer/internal/persistence"
	"github.com/neogan74/overseer/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("ledger closed")

// Options configures a Ledger.
type Options struct {
	QueueSize int
	Clock     func() time.Time
}

// Stats summarizes the confirmed chain.
type Stats struct {
	Count          int        `json:"count"`
	FirstTimestamp *time.Time `json:"firstTimestamp,omitempty"`
	LastTimestamp  *time.Time `json:"lastTimestamp,omitempty"`
	HeadHash       string     `json:"headHash,omitempty"`
}

// Verification is the outcome of a full chain check.
type Verification struct {
	Valid            bool    `json:"valid"`
	BrokenAtSequence *uint64 `json:"brokenAtSequence,omitempty"`
	Checked          int     `json:"checked"`
	Reason           string  `json:"reason,omitempty"`
}

// Err returns a chain_integrity error when the verification failed.
func (v Verification) Err() error {
	if v.Valid {
		return nil
	}
	return apperr.New(apperr.CodeChainIntegrity,
		fmt.Sprintf("ledger chain broken at sequence %d: %s", *v.BrokenAtSequence, v.Reason))
}

type appendRequest struct {
	ctx     context.Context
	payload []byte
	result  chan appendResult
}

type appendResult struct {
	entry Entry
	err   error
}

// Ledger is an append-only hash chain. A single goroutine applies appends in
// arrival order; readers see a snapshot of confirmed entries.
type Ledger struct {
	engine persistence.Engine
	log    logger.Logger
	clock  func() time.Time

	mu      sync.RWMutex
	entries []Entry

	requests  chan appendRequest
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New loads the stored chain from engine and starts the writer.
func New(engine persistence.Engine, opts Options, log logger.Logger) (*Ledger, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	l := &Ledger{
		engine:   engine,
		log:      log.WithComponent("ledger"),
		clock:    opts.Clock,
		requests: make(chan appendRequest, opts.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	entries, err := l.load()
	if err != nil {
		return nil, err
	}
	l.entries = entries
	metrics.LedgerSize.Set(float64(len(entries)))

	go l.run()

	l.log.Info("Ledger loaded", logger.Int("entries", len(entries)))
	return l, nil
}

func (l *Ledger) load() ([]Entry, error) {
	items, err := l.engine.List(keyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}

	entries := make([]Entry, 0, len(items))
	for _, item := range items {
		var e Entry
		if err := json.Unmarshal(item.Value, &e); err != nil {
			// Keep loading; Verify reports the damaged entry.
			l.log.Error("Unreadable ledger entry", logger.String("key", item.Key), logger.Error(err))
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Append adds payload to the chain and returns the confirmed entry. The
// payload must be valid JSON; it is stored in compact form.
func (l *Ledger) Append(ctx context.Context, payload []byte) (Entry, error) {
	compact, err := compactPayload(payload)
	if err != nil {
		return Entry{}, apperr.Validation(err.Error())
	}

	req := appendRequest{ctx: ctx, payload: compact, result: make(chan appendResult, 1)}

	select {
	case l.requests <- req:
	case <-l.stop:
		return Entry{}, ErrClosed
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}

	select {
	case res := <-req.result:
		return res.entry, res.err
	case <-l.done:
		select {
		case res := <-req.result:
			return res.entry, res.err
		default:
			return Entry{}, ErrClosed
		}
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	}
}

func (l *Ledger) run() {
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			l.drain()
			return
		case req := <-l.requests:
			req.result <- l.apply(req)
		}
	}
}

// drain fails whatever is still queued at shutdown.
func (l *Ledger) drain() {
	for {
		select {
		case req := <-l.requests:
			req.result <- appendResult{err: ErrClosed}
		default:
			return
		}
	}
}

func (l *Ledger) apply(req appendRequest) appendResult {
	if err := req.ctx.Err(); err != nil {
		metrics.LedgerAppendsTotal.WithLabelValues("abandoned").Inc()
		return appendResult{err: err}
	}

	l.mu.RLock()
	seq := uint64(1)
	prev := GenesisHash
	if n := len(l.entries); n > 0 {
		head := l.entries[n-1]
		seq = head.Sequence + 1
		prev, _ = hex.DecodeString(head.Hash)
	}
	l.mu.RUnlock()

	entry := newEntry(seq, l.clock(), req.payload, prev)
	data, err := json.Marshal(entry)
	if err != nil {
		metrics.LedgerAppendsTotal.WithLabelValues("error").Inc()
		return appendResult{err: fmt.Errorf("failed to encode ledger entry: %w", err)}
	}

	if err := l.engine.CompareAndSwap(entryKey(seq), nil, data); err != nil {
		metrics.LedgerAppendsTotal.WithLabelValues("error").Inc()
		l.log.Error("Ledger append failed", logger.Uint64("sequence", seq), logger.Error(err))
		return appendResult{err: fmt.Errorf("failed to store ledger entry %d: %w", seq, err)}
	}

	l.mu.Lock()
	l.entries = append(l.entries, entry)
	size := len(l.entries)
	l.mu.Unlock()

	metrics.LedgerAppendsTotal.WithLabelValues("success").Inc()
	metrics.LedgerSize.Set(float64(size))
	return appendResult{entry: entry}
}

// ReadRecent returns up to limit most recent entries, oldest first.
func (l *Ledger) ReadRecent(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	start := 0
	if limit > 0 && len(l.entries) > limit {
		start = len(l.entries) - limit
	}
	out := make([]Entry, len(l.entries)-start)
	copy(out, l.entries[start:])
	return out
}

// Since returns confirmed entries with a timestamp at or after since.
func (l *Ledger) Since(since time.Time) []Entry {
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

// Stats returns the size and bounds of the confirmed chain.
func (l *Ledger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{Count: len(l.entries)}
	if s.Count == 0 {
		return s
	}
	first := l.entries[0].Timestamp
	last := l.entries[s.Count-1].Timestamp
	s.FirstTimestamp = &first
	s.LastTimestamp = &last
	s.HeadHash = l.entries[s.Count-1].Hash
	return s
}

// Verify re-reads the chain from storage and checks every link. An error is
// returned only when storage cannot be read; a broken chain is reported in
// the Verification.
func (l *Ledger) Verify(ctx context.Context) (Verification, error) {
	_, span := telemetry.StartSpan(ctx, "ledger.verify")

	// Entries are stored before they are confirmed, so counting first keeps
	// the listing at or ahead of the confirmed head.
	l.mu.RLock()
	confirmed := len(l.entries)
	l.mu.RUnlock()

	items, err := l.engine.List(keyPrefix)
	if err != nil {
		telemetry.EndSpan(span, err)
		return Verification{}, fmt.Errorf("failed to read ledger: %w", err)
	}

	v := checkChain(items, uint64(confirmed))
	span.SetAttributes(attribute.Int("ledger.checked", v.Checked), attribute.Bool("ledger.valid", v.Valid))

	if v.Valid {
		metrics.LedgerVerificationsTotal.WithLabelValues("valid").Inc()
		telemetry.EndSpan(span, nil)
		return v, nil
	}

	metrics.LedgerVerificationsTotal.WithLabelValues("broken").Inc()
	l.log.Error("Ledger chain integrity violation",
		logger.Uint64("broken_at_sequence", *v.BrokenAtSequence),
		logger.String("reason", v.Reason),
		logger.Int("checked", v.Checked))
	telemetry.EndSpan(span, v.Err())
	return v, nil
}

func checkChain(items []persistence.Item, confirmed uint64) Verification {
	broken := func(seq uint64, checked int, reason string) Verification {
		return Verification{Valid: false, BrokenAtSequence: &seq, Checked: checked, Reason: reason}
	}

	expected := uint64(1)
	prev := GenesisHash
	for i, item := range items {
		keySeq, ok := sequenceFromKey(item.Key)
		if !ok {
			return broken(expected, i, "unrecognized key "+item.Key)
		}
		if keySeq != expected {
			return broken(expected, i, "missing entry")
		}

		var e Entry
		if err := json.Unmarshal(item.Value, &e); err != nil {
			return broken(keySeq, i, "entry is not decodable")
		}
		if e.Sequence != keySeq {
			return broken(keySeq, i, "sequence does not match storage key")
		}
		if ok, reason := e.verify(prev); !ok {
			return broken(keySeq, i, reason)
		}

		prev, _ = hex.DecodeString(e.Hash)
		expected++
	}

	// Entries confirmed by this process but gone from storage.
	if stored := uint64(len(items)); stored < confirmed {
		return broken(stored+1, len(items), "entry missing from storage")
	}

	return Verification{Valid: true, Checked: len(items)}
}

// Close stops the writer. Queued appends fail with ErrClosed.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
	return nil
}
