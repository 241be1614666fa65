package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

func newWriter(cfg ManagerConfig) (Writer, error) {
	switch cfg.Sink {
	case "stdout":
		return newJSONLWriter(os.Stdout, nil), nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("audit file path cannot be empty")
		}
		if dir := filepath.Dir(cfg.FilePath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create audit log directory: %w", err)
			}
		}
		f, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		return newJSONLWriter(f, f), nil
	default:
		return nil, fmt.Errorf("unsupported audit sink: %s", cfg.Sink)
	}
}

// jsonlWriter emits one JSON document per entry per line. closer is nil for
// streams the process does not own, such as stdout.
type jsonlWriter struct {
	mu     sync.Mutex
	buf    *bufio.Writer
	closer io.Closer
}

func newJSONLWriter(w io.Writer, closer io.Closer) *jsonlWriter {
	return &jsonlWriter{buf: bufio.NewWriter(w), closer: closer}
}

func (w *jsonlWriter) Write(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err = w.buf.Write(line)
	return err
}

func (w *jsonlWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}

// Close flushes and releases the underlying file, giving up when ctx ends.
func (w *jsonlWriter) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		err := w.Flush()
		if w.closer != nil {
			if cerr := w.closer.Close(); err == nil {
				err = cerr
			}
		}
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
