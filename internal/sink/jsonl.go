package sink

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// Output receives every article a run yields.
type Output interface {
	Write(ctx context.Context, article crawler.Article) error
	Path() string
	Close() error
}

// JSONLWriter appends one JSON article per line.
type JSONLWriter struct {
	mu    sync.Mutex
	path  string
	file  *os.File
	buf   *bufio.Writer
	enc   *json.Encoder
	count int
}

// OpenJSONL opens path for writing. With appendMode the existing content is
// kept, otherwise the file is truncated.
func OpenJSONL(path string, appendMode bool) (*JSONLWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &JSONLWriter{path: path, file: f, buf: buf, enc: enc}, nil
}

// Path returns the file being written.
func (w *JSONLWriter) Path() string { return w.path }

// Count returns the number of lines written by this writer.
func (w *JSONLWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Write appends article and flushes the line so a crash never leaves a
// partial record behind.
func (w *JSONLWriter) Write(_ context.Context, article crawler.Article) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return os.ErrClosed
	}
	if err := w.enc.Encode(article); err != nil {
		return fmt.Errorf("encode article: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("write article: %w", err)
	}
	w.count++
	return nil
}

// Close flushes and closes the file.
func (w *JSONLWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
