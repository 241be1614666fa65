package audit

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/neogan74/overseer/internal/logger"
)

func TestManagerNoneSinkIsNoop(t *testing.T) {
	mgr, err := NewManager(ManagerConfig{Sink: "none"}, logger.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := mgr.Record(context.Background(), Entry{Operation: "post.publish", Result: ResultAllowed}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestManagerUnknownSink(t *testing.T) {
	if _, err := NewManager(ManagerConfig{Sink: "kafka"}, logger.Nop()); err == nil {
		t.Fatal("expected error for unknown sink")
	}
}

func TestManagerFileSinkWritesEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.log")

	cfg := ManagerConfig{
		Sink:          "file",
		FilePath:      path,
		BufferSize:    8,
		FlushInterval: 5 * time.Millisecond,
		DropPolicy:    DropPolicyBlock,
	}

	mgr, err := NewManager(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	if err := mgr.Record(context.Background(), Entry{
		ID:        "a-1",
		Operation: "exec.shell",
		Result:    ResultBlocked,
		Source:    "agent-2",
	}); err != nil {
		t.Fatalf("record failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read audit log: %v", err)
	}

	if !strings.Contains(string(data), "\"operation\":\"exec.shell\"") {
		t.Fatalf("audit log missing operation, got: %s", string(data))
	}
}

func TestManagerRejectsWritesAfterShutdown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")

	mgr, err := NewManager(ManagerConfig{Sink: "file", FilePath: path, BufferSize: 1}, logger.Nop())
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := mgr.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if err := mgr.Record(context.Background(), Entry{Result: ResultAllowed}); !errors.Is(err, ErrManagerClosed) {
		t.Fatalf("expected ErrManagerClosed, got %v", err)
	}
}

// blockingWriter holds every Write until release is closed.
type blockingWriter struct {
	release chan struct{}
	mu      sync.Mutex
	written []Entry
}

func (w *blockingWriter) Write(entry Entry) error {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, entry)
	return nil
}

func (w *blockingWriter) Flush() error                { return nil }
func (w *blockingWriter) Close(context.Context) error { return nil }

func TestManagerDropPolicy(t *testing.T) {
	writer := &blockingWriter{release: make(chan struct{})}
	mgr := newManager(ManagerConfig{Sink: "test", BufferSize: 1, DropPolicy: DropPolicyDrop}, writer, logger.Nop())

	// The first entry is taken by the run loop and parked in Write; the
	// second fills the buffer; eventually one must be dropped.
	var dropped bool
	for i := 0; i < 4; i++ {
		if err := mgr.Record(context.Background(), Entry{Result: ResultAllowed}); errors.Is(err, ErrBufferFull) {
			dropped = true
			break
		}
	}
	close(writer.release)

	if !dropped {
		t.Fatal("expected an entry to be dropped")
	}
	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}

func TestManagerBlockPolicyHonorsContext(t *testing.T) {
	writer := &blockingWriter{release: make(chan struct{})}
	mgr := newManager(ManagerConfig{Sink: "test", BufferSize: 1, DropPolicy: DropPolicyBlock}, writer, logger.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var lastErr error
	for i := 0; i < 4 && lastErr == nil; i++ {
		lastErr = mgr.Record(ctx, Entry{Result: ResultAllowed})
	}
	close(writer.release)

	if !errors.Is(lastErr, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", lastErr)
	}
	if err := mgr.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
