package spider

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// Registry resolves spider names to compiled spiders.
type Registry struct {
	store  crawler.SpiderStore
	clock  crawler.Clock
	logger *zap.Logger
}

// NewRegistry wraps a spider store.
func NewRegistry(store crawler.SpiderStore, clock crawler.Clock, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{store: store, clock: clock, logger: logger}
}

// Get loads and compiles the named spider. Unknown names return
// crawler.ErrSpiderNotFound and disabled spiders crawler.ErrSpiderInactive.
func (r *Registry) Get(ctx context.Context, name string) (*Spider, error) {
	cfg, err := r.store.GetSpider(ctx, name)
	if err != nil {
		if errors.Is(err, crawler.ErrSpiderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load spider %s: %w", name, err)
	}
	if !cfg.Active {
		return nil, fmt.Errorf("%s: %w", name, crawler.ErrSpiderInactive)
	}
	return Compile(cfg, r.clock, r.logger)
}

// List returns every stored spider definition.
func (r *Registry) List(ctx context.Context) ([]crawler.SpiderConfig, error) {
	return r.store.ListSpiders(ctx)
}

// Import validates and saves definitions. Nothing is saved if any
// definition is invalid.
func (r *Registry) Import(ctx context.Context, cfgs []crawler.SpiderConfig) error {
	for _, cfg := range cfgs {
		if _, err := Compile(cfg, r.clock, r.logger); err != nil {
			return err
		}
	}
	for _, cfg := range cfgs {
		if err := r.store.SaveSpider(ctx, cfg); err != nil {
			return fmt.Errorf("save spider %s: %w", cfg.Name, err)
		}
		r.logger.Info("spider imported", zap.String("spider", cfg.Name), zap.Bool("active", cfg.Active))
	}
	return nil
}
