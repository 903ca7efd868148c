package spider

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

type fileSpider struct {
	Name           string         `yaml:"name"`
	AllowedDomains []string       `yaml:"allowed_domains"`
	StartURLs      []string       `yaml:"start_urls"`
	Rules          []crawler.Rule `yaml:"rules"`
	Settings       map[string]any `yaml:"settings"`
	Active         *bool          `yaml:"active"`
}

type fileDoc struct {
	Spiders []fileSpider `yaml:"spiders"`
}

// LoadFile reads spider definitions from YAML. The file holds either a
// single spider or a "spiders" list. Spiders are active unless they say
// otherwise.
func LoadFile(path string) ([]crawler.SpiderConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open spider file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode parses spider YAML from r.
func Decode(r io.Reader) ([]crawler.SpiderConfig, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read spider file: %w", err)
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse spider file: %w", err)
	}
	if len(doc.Spiders) == 0 {
		var single fileSpider
		dec := yaml.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&single); err != nil {
			return nil, fmt.Errorf("parse spider file: %w", err)
		}
		if single.Name == "" {
			return nil, &crawler.ConfigError{Field: "name", Reason: "spider file defines no spiders"}
		}
		doc.Spiders = []fileSpider{single}
	}

	out := make([]crawler.SpiderConfig, 0, len(doc.Spiders))
	for _, s := range doc.Spiders {
		active := true
		if s.Active != nil {
			active = *s.Active
		}
		settings := s.Settings
		if settings == nil {
			settings = map[string]any{}
		}
		out = append(out, crawler.SpiderConfig{
			Name:           s.Name,
			AllowedDomains: s.AllowedDomains,
			StartURLs:      s.StartURLs,
			Rules:          s.Rules,
			Settings:       settings,
			Active:         active,
		})
	}
	return out, nil
}
