package sink

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// RotateFunc receives the path of a file that will no longer be written.
type RotateFunc func(ctx context.Context, path string)

// RollingWriter writes <dir>/<name>_<YYYYMMDD>.jsonl and starts a new file
// when the day changes.
type RollingWriter struct {
	dir      string
	name     string
	clock    crawler.Clock
	onRotate RotateFunc
	logger   *zap.Logger

	mu      sync.Mutex
	day     string
	current *JSONLWriter
}

// NewRollingWriter creates a writer. Files are opened in append mode, so a
// restarted run continues the current day's file.
func NewRollingWriter(dir, name string, clock crawler.Clock, onRotate RotateFunc, logger *zap.Logger) *RollingWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RollingWriter{dir: dir, name: name, clock: clock, onRotate: onRotate, logger: logger}
}

// PathFor returns the file used on the day of the clock's current time.
func (r *RollingWriter) PathFor() string {
	return filepath.Join(r.dir, fmt.Sprintf("%s_%s.jsonl", r.name, r.clock.Now().Format("20060102")))
}

// Path returns the file currently open, or "" before the first write.
func (r *RollingWriter) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return ""
	}
	return r.current.Path()
}

// Write appends article to today's file.
func (r *RollingWriter) Write(ctx context.Context, article crawler.Article) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	day := r.clock.Now().Format("20060102")
	if r.current != nil && day != r.day {
		r.rotateLocked(ctx)
	}
	if r.current == nil {
		w, err := OpenJSONL(filepath.Join(r.dir, fmt.Sprintf("%s_%s.jsonl", r.name, day)), true)
		if err != nil {
			return err
		}
		r.current, r.day = w, day
	}
	return r.current.Write(ctx, article)
}

// Close closes the current file without rotating it.
func (r *RollingWriter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return nil
	}
	err := r.current.Close()
	r.current = nil
	return err
}

func (r *RollingWriter) rotateLocked(ctx context.Context) {
	done := r.current.Path()
	if err := r.current.Close(); err != nil {
		r.logger.Error("close rotated output", zap.String("path", done), zap.Error(err))
	}
	r.current = nil
	r.logger.Info("output rotated", zap.String("path", done))
	if r.onRotate != nil {
		r.onRotate(ctx, done)
	}
}
