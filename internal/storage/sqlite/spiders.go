package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// SpiderStore implements crawler.SpiderStore.
type SpiderStore struct {
	db    *sql.DB
	clock crawler.Clock
}

// NewSpiderStore wraps a handle opened with database.OpenSQLite.
func NewSpiderStore(db *sql.DB, clock crawler.Clock) *SpiderStore {
	return &SpiderStore{db: db, clock: clock}
}

const spiderColumns = `name, allowed_domains, start_urls, rules, settings, active`

// GetSpider loads one spider by name.
func (s *SpiderStore) GetSpider(ctx context.Context, name string) (crawler.SpiderConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+spiderColumns+` FROM spiders WHERE name = ?`, name)
	cfg, err := scanSpider(row)
	if errors.Is(err, sql.ErrNoRows) {
		return crawler.SpiderConfig{}, fmt.Errorf("%s: %w", name, crawler.ErrSpiderNotFound)
	}
	if err != nil {
		return crawler.SpiderConfig{}, fmt.Errorf("get spider %s: %w", name, err)
	}
	return cfg, nil
}

// SaveSpider inserts or replaces a spider definition.
func (s *SpiderStore) SaveSpider(ctx context.Context, cfg crawler.SpiderConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("spider name is required")
	}
	cols, err := encodeSpider(cfg)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO spiders (name, allowed_domains, start_urls, rules, settings, active, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (name) DO UPDATE SET
	allowed_domains = excluded.allowed_domains,
	start_urls = excluded.start_urls,
	rules = excluded.rules,
	settings = excluded.settings,
	active = excluded.active,
	updated_at = excluded.updated_at`,
		cfg.Name, cols[0], cols[1], cols[2], cols[3], cfg.Active, s.now().UnixMicro(),
	)
	if err != nil {
		return fmt.Errorf("save spider %s: %w", cfg.Name, err)
	}
	return nil
}

// ListSpiders returns every spider ordered by name.
func (s *SpiderStore) ListSpiders(ctx context.Context) ([]crawler.SpiderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+spiderColumns+` FROM spiders ORDER BY name`)
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

func (s *SpiderStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSpider(row scanner) (crawler.SpiderConfig, error) {
	var (
		cfg                               crawler.SpiderConfig
		domains, starts, rules, settings string
	)
	if err := row.Scan(&cfg.Name, &domains, &starts, &rules, &settings, &cfg.Active); err != nil {
		return crawler.SpiderConfig{}, err
	}
	for _, field := range []struct {
		raw  string
		dest any
	}{
		{domains, &cfg.AllowedDomains},
		{starts, &cfg.StartURLs},
		{rules, &cfg.Rules},
		{settings, &cfg.Settings},
	} {
		if err := json.Unmarshal([]byte(field.raw), field.dest); err != nil {
			return crawler.SpiderConfig{}, fmt.Errorf("decode spider %s: %w", cfg.Name, err)
		}
	}
	return cfg, nil
}

func encodeSpider(cfg crawler.SpiderConfig) ([4]string, error) {
	var out [4]string
	values := []any{nonNil(cfg.AllowedDomains), nonNil(cfg.StartURLs), cfg.Rules, cfg.Settings}
	if cfg.Rules == nil {
		values[2] = []crawler.Rule{}
	}
	if cfg.Settings == nil {
		values[3] = map[string]any{}
	}
	for i, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return out, fmt.Errorf("encode spider %s: %w", cfg.Name, err)
		}
		out[i] = string(raw)
	}
	return out, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
