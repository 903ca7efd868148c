package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// SpiderStore keeps spider definitions by name.
type SpiderStore struct {
	mu      sync.RWMutex
	spiders map[string]crawler.SpiderConfig
}

// NewSpiderStore constructs a store seeded with cfgs.
func NewSpiderStore(cfgs ...crawler.SpiderConfig) *SpiderStore {
	s := &SpiderStore{spiders: make(map[string]crawler.SpiderConfig)}
	for _, cfg := range cfgs {
		s.spiders[cfg.Name] = cfg
	}
	return s
}

// GetSpider returns one spider by name.
func (s *SpiderStore) GetSpider(_ context.Context, name string) (crawler.SpiderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.spiders[name]
	if !ok {
		return crawler.SpiderConfig{}, fmt.Errorf("%s: %w", name, crawler.ErrSpiderNotFound)
	}
	return cfg, nil
}

// SaveSpider inserts or replaces a spider.
func (s *SpiderStore) SaveSpider(_ context.Context, cfg crawler.SpiderConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("spider name is required")
	}
	s.mu.Lock()
	s.spiders[cfg.Name] = cfg
	s.mu.Unlock()
	return nil
}

// ListSpiders returns every spider ordered by name.
func (s *SpiderStore) ListSpiders(_ context.Context) ([]crawler.SpiderConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.SpiderConfig, 0, len(s.spiders))
	for _, cfg := range s.spiders {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
