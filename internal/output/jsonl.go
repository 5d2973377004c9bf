package output

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bicingtrips-data/internal/network"
)

// JSONLWriter appends one topology per line to a file, for the rendering
// side to replay.
type JSONLWriter struct {
	path string

	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
	n   int
}

// NewJSONLWriter truncates path and opens it for writing.
func NewJSONLWriter(path string) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating topology output: %w", err)
	}
	buf := bufio.NewWriterSize(f, 256*1024)
	return &JSONLWriter{path: path, f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (w *JSONLWriter) Name() string { return "jsonl" }

func (w *JSONLWriter) Write(_ context.Context, t network.Topology) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("topology output %s is closed", w.path)
	}
	if err := w.enc.Encode(t); err != nil {
		return fmt.Errorf("writing topology: %w", err)
	}
	w.n++
	return nil
}

// Count returns how many topologies were written.
func (w *JSONLWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.n
}

func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.f.Close()
	w.f = nil
	if flushErr != nil {
		return fmt.Errorf("flushing topology output: %w", flushErr)
	}
	return closeErr
}
