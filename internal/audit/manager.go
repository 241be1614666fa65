package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/neogan74/overseer/internal/logger"
	"github.com/neogan74/overseer/internal/metrics"
)

var (
	// ErrManagerClosed is returned when entries arrive after shutdown.
	ErrManagerClosed = errors.New("audit sink closed")
	// ErrBufferFull is returned under the drop policy when the buffer is full.
	ErrBufferFull = errors.New("audit sink buffer full")
)

// DropPolicy determines how the manager handles a full channel.
type DropPolicy string

const (
	DropPolicyDrop  DropPolicy = "drop"
	DropPolicyBlock DropPolicy = "block"
)

// ManagerConfig configures the external audit sink.
type ManagerConfig struct {
	Sink          string // "none", "stdout", "file"
	FilePath      string
	BufferSize    int
	FlushInterval time.Duration
	DropPolicy    DropPolicy
}

// Writer defines the sink contract for audit entries.
type Writer interface {
	Write(entry Entry) error
	Flush() error
	Close(ctx context.Context) error
}

// Manager ships audit entries to an external pipeline asynchronously. It
// implements Sink.
type Manager struct {
	cfg    ManagerConfig
	log    logger.Logger
	writer Writer

	entries chan Entry
	wg      sync.WaitGroup

	flushTicker *time.Ticker
	stopOnce    sync.Once

	mu     sync.RWMutex
	closed bool
}

// NewManager builds a manager for cfg.Sink. The "none" sink yields a nil
// manager, which is a valid no-op Sink.
func NewManager(cfg ManagerConfig, log logger.Logger) (*Manager, error) {
	if cfg.Sink == "" || cfg.Sink == "none" {
		return nil, nil
	}
	writer, err := newWriter(cfg)
	if err != nil {
		return nil, err
	}
	return newManager(cfg, writer, log), nil
}

func newManager(cfg ManagerConfig, writer Writer, log logger.Logger) *Manager {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1024
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = DropPolicyDrop
	}

	m := &Manager{
		cfg:         cfg,
		log:         log.WithComponent("audit-sink"),
		writer:      writer,
		entries:     make(chan Entry, cfg.BufferSize),
		flushTicker: time.NewTicker(cfg.FlushInterval),
	}

	m.wg.Add(1)
	go m.run()

	return m
}

// Record buffers an entry for asynchronous delivery.
func (m *Manager) Record(ctx context.Context, entry Entry) error {
	if m == nil {
		return nil
	}

	// The read lock keeps Shutdown from closing the channel mid-send.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		metrics.AuditEventsDroppedTotal.WithLabelValues(m.cfg.Sink, "manager_closed").Inc()
		return ErrManagerClosed
	}

	select {
	case m.entries <- entry:
		return nil
	default:
	}

	if m.cfg.DropPolicy == DropPolicyDrop {
		metrics.AuditEventsDroppedTotal.WithLabelValues(m.cfg.Sink, "buffer_full").Inc()
		return ErrBufferFull
	}
	select {
	case m.entries <- entry:
		return nil
	case <-ctx.Done():
		metrics.AuditEventsDroppedTotal.WithLabelValues(m.cfg.Sink, "context_cancelled").Inc()
		return ctx.Err()
	}
}

func (m *Manager) run() {
	defer m.wg.Done()

	for {
		select {
		case entry, ok := <-m.entries:
			if !ok {
				m.flush()
				return
			}
			m.write(entry)
		case <-m.flushTicker.C:
			m.flush()
		}
	}
}

// Shutdown drains the buffer, flushes the writer, and closes resources.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.entries)
		m.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.flushTicker.Stop()
	return m.writer.Close(ctx)
}

func (m *Manager) write(entry Entry) {
	if err := m.writer.Write(entry); err != nil {
		m.log.Error("Failed to write audit entry", logger.String("id", entry.ID), logger.Error(err))
		metrics.AuditEventsTotal.WithLabelValues(m.cfg.Sink, "error").Inc()
		return
	}
	metrics.AuditEventsTotal.WithLabelValues(m.cfg.Sink, "written").Inc()
}

func (m *Manager) flush() {
	start := time.Now()
	if err := m.writer.Flush(); err != nil {
		m.log.Error("Failed to flush audit writer", logger.Error(err))
		return
	}
	metrics.AuditWriterFlushDuration.WithLabelValues(m.cfg.Sink).Observe(time.Since(start).Seconds())
}
