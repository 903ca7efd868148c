// Package spider loads spider definitions and turns them into the rules,
// settings and link discovery a crawl run needs.
package spider

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cast"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
	"github.com/discourselab/scrapai-cli-sub000/internal/evasion"
	"github.com/discourselab/scrapai-cli-sub000/internal/extract"
)

// Settings is the typed form of a spider's settings bag.
type Settings struct {
	ExtractorOrder []string                     `mapstructure:"extractor_order"`
	CustomFields   map[string]extract.FieldSpec `mapstructure:"custom_fields"`
	MaxNesting     int                          `mapstructure:"custom_max_depth"`
	IncludeHTML    bool                         `mapstructure:"include_html"`

	ChallengeEnabled bool          `mapstructure:"challenge_enabled"`
	RefreshThreshold time.Duration `mapstructure:"session_refresh_threshold"`
	VerifyTimeout    time.Duration `mapstructure:"verify_timeout"`
	ProxyType        string        `mapstructure:"proxy_type"`

	Browser      bool                 `mapstructure:"browser"`
	WaitSelector string               `mapstructure:"wait_selector"`
	ExtraDelay   time.Duration        `mapstructure:"extra_delay"`
	Scroll       crawler.ScrollConfig `mapstructure:"scroll"`

	DownloadDelay               time.Duration `mapstructure:"download_delay"`
	ConcurrentRequests          int           `mapstructure:"concurrent_requests"`
	ConcurrentRequestsPerDomain int           `mapstructure:"concurrent_requests_per_domain"`
	DepthLimit                  int           `mapstructure:"depth_limit"`
	UserAgent                   string        `mapstructure:"user_agent"`
	RobotsTxtObey               bool          `mapstructure:"robotstxt_obey"`
}

// DefaultSettings are applied before a spider's own values.
func DefaultSettings() Settings {
	return Settings{
		ExtractorOrder:              append([]string(nil), extract.DefaultOrder...),
		MaxNesting:                  extract.DefaultMaxDepth,
		RefreshThreshold:            evasion.DefaultRefreshThreshold,
		VerifyTimeout:               evasion.DefaultVerifyTimeout,
		ProxyType:                   string(crawler.ProxyModeAuto),
		ConcurrentRequests:          8,
		ConcurrentRequestsPerDomain: 2,
		DownloadDelay:               0,
	}
}

// DecodeSettings converts the raw settings bag. Strings such as "true" or
// "3" are coerced; bare numbers for durations are seconds. Keys the struct
// does not know are returned so the caller can warn about them.
func DecodeSettings(raw map[string]any) (Settings, []string, error) {
	s := DefaultSettings()
	if raw == nil {
		raw = map[string]any{}
	}
	var md mapstructure.Metadata
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			secondsHook,
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Metadata:         &md,
		Result:           &s,
	})
	if err != nil {
		return Settings{}, nil, err
	}
	if err := dec.Decode(raw); err != nil {
		return Settings{}, nil, &crawler.ConfigError{Field: "settings", Reason: err.Error()}
	}
	if err := s.Validate(); err != nil {
		return Settings{}, nil, err
	}
	sort.Strings(md.Unused)
	return s, md.Unused, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsHook decodes durations from "1m30s", "2.5" or 2.5 (seconds).
func secondsHook(from, to reflect.Type, data any) (any, error) {
	if to != durationType {
		return data, nil
	}
	switch from.Kind() {
	case reflect.String:
		raw := strings.TrimSpace(data.(string))
		if raw == "" {
			return time.Duration(0), nil
		}
		if d, err := time.ParseDuration(raw); err == nil {
			return d, nil
		}
		secs, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q", raw)
		}
		return time.Duration(secs * float64(time.Second)), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		secs, err := cast.ToFloat64E(data)
		if err != nil {
			return nil, err
		}
		return time.Duration(secs * float64(time.Second)), nil
	default:
		return data, nil
	}
}

// Validate checks cross-field constraints.
func (s Settings) Validate() error {
	if err := extract.ValidateOrder(s.ExtractorOrder); err != nil {
		return err
	}
	if _, err := crawler.ParseProxyMode(s.ProxyType); err != nil {
		return err
	}
	if s.ConcurrentRequests < 1 {
		return &crawler.ConfigError{Field: "concurrent_requests", Reason: "must be at least 1"}
	}
	if s.ConcurrentRequestsPerDomain < 0 {
		return &crawler.ConfigError{Field: "concurrent_requests_per_domain", Reason: "must not be negative"}
	}
	for _, name := range s.ExtractorOrder {
		if name == extract.StrategyCustom && len(s.CustomFields) == 0 {
			return &crawler.ConfigError{Field: "custom_fields", Reason: "custom strategy requested without fields"}
		}
	}
	return nil
}

// ProxyMode returns the parsed proxy mode.
func (s Settings) ProxyMode() crawler.ProxyMode {
	mode, err := crawler.ParseProxyMode(s.ProxyType)
	if err != nil {
		return crawler.ProxyModeAuto
	}
	return mode
}
