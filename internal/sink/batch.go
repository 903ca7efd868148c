// Package sink buffers extracted articles on their way to the database,
// the JSONL output file and object storage.
package sink

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/metrics"
)

// DefaultBatchSize is the number of articles buffered before a flush.
const DefaultBatchSize = 100

// SavedFunc is told about articles a flush actually inserted.
type SavedFunc func(ctx context.Context, saved []crawler.Article)

// BatchWriter buffers articles and writes them in one transaction per
// batch, skipping URLs that are already stored or already buffered.
type BatchWriter struct {
	store   crawler.ArticleStore
	size    int
	onSaved SavedFunc
	logger  *zap.Logger

	mu         sync.Mutex
	buf        []crawler.Article
	buffered   map[string]struct{}
	saved      int
	duplicates int
	failed     int
}

// NewBatchWriter creates a writer. size <= 0 uses DefaultBatchSize.
func NewBatchWriter(store crawler.ArticleStore, size int, onSaved SavedFunc, logger *zap.Logger) *BatchWriter {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchWriter{
		store:    store,
		size:     size,
		onSaved:  onSaved,
		logger:   logger,
		buffered: make(map[string]struct{}),
	}
}

// Add buffers article and flushes when the batch is full.
func (w *BatchWriter) Add(ctx context.Context, article crawler.Article) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.buffered[article.URL]; dup {
		w.duplicates++
		metrics.ObserveArticles("duplicate", 1)
		return nil
	}
	w.buffered[article.URL] = struct{}{}
	w.buf = append(w.buf, article)
	if len(w.buf) < w.size {
		return nil
	}
	return w.flushLocked(ctx)
}

// Flush writes whatever is buffered.
func (w *BatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked(ctx)
}

// Close flushes the remaining buffer.
func (w *BatchWriter) Close(ctx context.Context) error {
	return w.Flush(ctx)
}

// Stats returns the saved, duplicate and failed counts so far.
func (w *BatchWriter) Stats() (saved, duplicates, failed int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.saved, w.duplicates, w.failed
}

// flushLocked drops the batch from the buffer whatever the outcome; a
// failed batch is rolled back by the store and reported, never retried.
func (w *BatchWriter) flushLocked(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	batch := w.buf
	w.buf = nil
	w.buffered = make(map[string]struct{})

	urls := make([]string, 0, len(batch))
	for _, a := range batch {
		urls = append(urls, a.URL)
	}
	existing, err := w.store.ExistingURLs(ctx, urls)
	if err != nil {
		w.failed += len(batch)
		metrics.ObserveArticles("failed", len(batch))
		return fmt.Errorf("check existing articles: %w", err)
	}
	fresh := make([]crawler.Article, 0, len(batch))
	for _, a := range batch {
		if _, ok := existing[a.URL]; ok {
			continue
		}
		fresh = append(fresh, a)
	}
	skipped := len(batch) - len(fresh)

	var inserted []string
	if len(fresh) > 0 {
		inserted, err = w.store.InsertBatch(ctx, fresh)
		if err != nil {
			w.failed += len(fresh)
			metrics.ObserveArticles("failed", len(fresh))
			w.logger.Error("article batch rolled back", zap.Int("size", len(fresh)), zap.Error(err))
			return fmt.Errorf("insert article batch: %w", err)
		}
	}
	// Rows that lost a race with another writer come back missing.
	skipped += len(fresh) - len(inserted)

	w.saved += len(inserted)
	w.duplicates += skipped
	metrics.ObserveArticles("saved", len(inserted))
	metrics.ObserveArticles("duplicate", skipped)
	w.logger.Debug("article batch flushed",
		zap.Int("saved", len(inserted)),
		zap.Int("duplicates", skipped),
	)

	if w.onSaved != nil && len(inserted) > 0 {
		keep := make(map[string]struct{}, len(inserted))
		for _, u := range inserted {
			keep[u] = struct{}{}
		}
		saved := make([]crawler.Article, 0, len(inserted))
		for _, a := range fresh {
			if _, ok := keep[a.URL]; ok {
				saved = append(saved, a)
			}
		}
		w.onSaved(ctx, saved)
	}
	return nil
}
