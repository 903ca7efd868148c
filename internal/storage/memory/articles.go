package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// ArticleStore keeps articles keyed by URL.
type ArticleStore struct {
	mu       sync.RWMutex
	articles map[string]crawler.Article
	// FailInsert, when set, is returned by the next InsertBatch call.
	FailInsert error
}

// NewArticleStore constructs an empty store.
func NewArticleStore() *ArticleStore {
	return &ArticleStore{articles: make(map[string]crawler.Article)}
}

// ExistingURLs returns the subset of urls already stored.
func (s *ArticleStore) ExistingURLs(_ context.Context, urls []string) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	found := make(map[string]struct{})
	for _, u := range urls {
		if _, ok := s.articles[u]; ok {
			found[u] = struct{}{}
		}
	}
	return found, nil
}

// InsertBatch stores new articles atomically and returns the URLs inserted.
func (s *ArticleStore) InsertBatch(_ context.Context, articles []crawler.Article) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.FailInsert; err != nil {
		s.FailInsert = nil
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	var inserted []string
	for _, a := range articles {
		if _, ok := s.articles[a.URL]; ok {
			continue
		}
		s.articles[a.URL] = a
		inserted = append(inserted, a.URL)
	}
	return inserted, nil
}

// All returns stored articles sorted by URL.
func (s *ArticleStore) All() []crawler.Article {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Article, 0, len(s.articles))
	for _, a := range s.articles {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out
}
