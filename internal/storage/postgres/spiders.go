package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// SpiderStore persists spider definitions as JSONB columns.
type SpiderStore struct {
	pool Pool
}

// NewSpiderStore constructs a store from an existing pool.
func NewSpiderStore(pool Pool) (*SpiderStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &SpiderStore{pool: pool}, nil
}

const spiderColumns = `name, allowed_domains, start_urls, rules, settings, active`

// GetSpider loads one spider by name.
func (s *SpiderStore) GetSpider(ctx context.Context, name string) (crawler.SpiderConfig, error) {
	cfg, err := scanSpider(s.pool.QueryRow(ctx, `SELECT `+spiderColumns+` FROM spiders WHERE name = $1`, name))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.SpiderConfig{}, fmt.Errorf("%s: %w", name, crawler.ErrSpiderNotFound)
	}
	if err != nil {
		return crawler.SpiderConfig{}, fmt.Errorf("get spider %s: %w", name, err)
	}
	return cfg, nil
}

// SaveSpider upserts a spider definition.
func (s *SpiderStore) SaveSpider(ctx context.Context, cfg crawler.SpiderConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("spider name is required")
	}
	domains, starts, rules, settings, err := encodeSpider(cfg)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO spiders (name, allowed_domains, start_urls, rules, settings, active, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, NOW())
ON CONFLICT (name) DO UPDATE SET
	allowed_domains = EXCLUDED.allowed_domains,
	start_urls = EXCLUDED.start_urls,
	rules = EXCLUDED.rules,
	settings = EXCLUDED.settings,
	active = EXCLUDED.active,
	updated_at = NOW()`,
		cfg.Name, domains, starts, rules, settings, cfg.Active,
	)
	if err != nil {
		return fmt.Errorf("save spider %s: %w", cfg.Name, err)
	}
	return nil
}

// ListSpiders returns every spider ordered by name.
func (s *SpiderStore) ListSpiders(ctx context.Context) ([]crawler.SpiderConfig, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+spiderColumns+` FROM spiders ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list spiders: %w", err)
	}
	defer rows.Close()
	var out []crawler.SpiderConfig
	for rows.Next() {
		cfg, err := scanSpider(rows)
		if err != nil {
			return nil, fmt.Errorf("list spiders: %w", err)
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list spiders: %w", err)
	}
	return out, nil
}

func scanSpider(row pgx.Row) (crawler.SpiderConfig, error) {
	var (
		cfg                              crawler.SpiderConfig
		domains, starts, rules, settings []byte
	)
	if err := row.Scan(&cfg.Name, &domains, &starts, &rules, &settings, &cfg.Active); err != nil {
		return crawler.SpiderConfig{}, err
	}
	if err := json.Unmarshal(domains, &cfg.AllowedDomains); err != nil {
		return crawler.SpiderConfig{}, fmt.Errorf("decode allowed_domains: %w", err)
	}
	if err := json.Unmarshal(starts, &cfg.StartURLs); err != nil {
		return crawler.SpiderConfig{}, fmt.Errorf("decode start_urls: %w", err)
	}
	if err := json.Unmarshal(rules, &cfg.Rules); err != nil {
		return crawler.SpiderConfig{}, fmt.Errorf("decode rules: %w", err)
	}
	if err := json.Unmarshal(settings, &cfg.Settings); err != nil {
		return crawler.SpiderConfig{}, fmt.Errorf("decode settings: %w", err)
	}
	return cfg, nil
}

func encodeSpider(cfg crawler.SpiderConfig) (domains, starts, rules, settings []byte, err error) {
	if cfg.AllowedDomains == nil {
		cfg.AllowedDomains = []string{}
	}
	if cfg.StartURLs == nil {
		cfg.StartURLs = []string{}
	}
	if cfg.Rules == nil {
		cfg.Rules = []crawler.Rule{}
	}
	if cfg.Settings == nil {
		cfg.Settings = map[string]any{}
	}
	if domains, err = json.Marshal(cfg.AllowedDomains); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode allowed_domains: %w", err)
	}
	if starts, err = json.Marshal(cfg.StartURLs); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode start_urls: %w", err)
	}
	if rules, err = json.Marshal(cfg.Rules); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode rules: %w", err)
	}
	if settings, err = json.Marshal(cfg.Settings); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode settings: %w", err)
	}
	return domains, starts, rules, settings, nil
}
