// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// QueueStatus represents the lifecycle state of a queue item.
type QueueStatus string

// Queue status values persisted in the queue store.
const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

// DefaultPriority is used when producers do not pick a priority.
const DefaultPriority = 5

// Valid reports whether s is a known status.
func (s QueueStatus) Valid() bool {
	switch s {
	case QueueStatusPending, QueueStatusProcessing, QueueStatusCompleted, QueueStatusFailed:
		return true
	default:
		return false
	}
}

// QueueItem is one crawl request tracked by the work queue.
type QueueItem struct {
	ID           int64       `json:"id"`
	Project      string      `json:"project"`
	TargetURL    string      `json:"target_url"`
	Instruction  string      `json:"instruction,omitempty"`
	Status       QueueStatus `json:"status"`
	Priority     int         `json:"priority"`
	Claimant     string      `json:"claimant,omitempty"`
	ClaimedAt    *time.Time  `json:"claimed_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	RetryCount   int         `json:"retry_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// EnqueueRequest describes a new queue item.
type EnqueueRequest struct {
	Project     string
	TargetURL   string
	Instruction string
	Priority    int
}

// ListFilter narrows queue listings. Zero values match everything.
type ListFilter struct {
	Project string
	Status  QueueStatus
	Limit   int
}

// Article is the structured result of content extraction.
type Article struct {
	URL            string         `json:"url"`
	Title          string         `json:"title"`
	Content        string         `json:"content"`
	Author         string         `json:"author,omitempty"`
	PublishedDate  string         `json:"published_date,omitempty"`
	SourceStrategy string         `json:"source_strategy"`
	ExtractedAt    time.Time      `json:"extracted_at"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	HTML           string         `json:"html,omitempty"`
}

// SpiderConfig is the persisted definition of one configured site crawler.
type SpiderConfig struct {
	Name           string         `json:"name" yaml:"name" mapstructure:"name"`
	AllowedDomains []string       `json:"allowed_domains" yaml:"allowed_domains" mapstructure:"allowed_domains"`
	StartURLs      []string       `json:"start_urls" yaml:"start_urls" mapstructure:"start_urls"`
	Rules          []Rule         `json:"rules" yaml:"rules" mapstructure:"rules"`
	Settings       map[string]any `json:"settings" yaml:"settings" mapstructure:"settings"`
	Active         bool           `json:"active" yaml:"active" mapstructure:"active"`
}

// Rule is one URL-matching rule of a spider.
type Rule struct {
	Allow       []string `json:"allow,omitempty" yaml:"allow" mapstructure:"allow"`
	Deny        []string `json:"deny,omitempty" yaml:"deny" mapstructure:"deny"`
	RestrictCSS []string `json:"restrict_css,omitempty" yaml:"restrict_css" mapstructure:"restrict_css"`
	Callback    string   `json:"callback,omitempty" yaml:"callback" mapstructure:"callback"`
	Follow      bool     `json:"follow" yaml:"follow" mapstructure:"follow"`
	Priority    int      `json:"priority" yaml:"priority" mapstructure:"priority"`
}

// ProxyTier names the network path used for a plain HTTP fetch.
type ProxyTier string

// Proxy tiers in escalation order.
const (
	TierDirect      ProxyTier = "direct"
	TierDatacenter  ProxyTier = "datacenter"
	TierResidential ProxyTier = "residential"
)

// ProxyMode selects how the proxy tier is chosen for a run.
type ProxyMode string

// ProxyModeAuto escalates from direct to datacenter on block statuses.
// The other modes pin a single tier.
const (
	ProxyModeAuto        ProxyMode = "auto"
	ProxyModeDirect      ProxyMode = "direct"
	ProxyModeDatacenter  ProxyMode = "datacenter"
	ProxyModeResidential ProxyMode = "residential"
)

// ParseProxyMode validates a textual proxy mode. Empty means auto.
func ParseProxyMode(raw string) (ProxyMode, error) {
	switch ProxyMode(raw) {
	case "", ProxyModeAuto:
		return ProxyModeAuto, nil
	case ProxyModeDirect, ProxyModeDatacenter, ProxyModeResidential:
		return ProxyMode(raw), nil
	default:
		return "", &ConfigError{Field: "proxy_type", Reason: "unknown proxy mode " + raw}
	}
}

// FetchRequest captures everything needed to fetch a URL over plain HTTP.
type FetchRequest struct {
	URL       string
	Tier      ProxyTier
	Headers   http.Header
	Cookies   map[string]string
	UserAgent string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	Tier         ProxyTier
	UsedHeadless bool
}

// ScrollConfig drives incremental scrolling of rendered pages.
type ScrollConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	MaxScrolls int           `mapstructure:"max_scrolls"`
	Delay      time.Duration `mapstructure:"delay"`
}

// RenderRequest asks a browser to load a page.
type RenderRequest struct {
	// Identity selects the browser tab; fetches for one identity share cookies.
	Identity     string
	URL          string
	WaitSelector string
	ExtraDelay   time.Duration
	Scroll       ScrollConfig
	// Until, when set, is polled against the page HTML until it returns true
	// or Timeout elapses.
	Until   func(html string) bool
	Timeout time.Duration
	// UserAgent overrides the browser's user agent for this tab.
	UserAgent string
}

// RenderResult is the state of a browser tab after navigation.
type RenderResult struct {
	URL        string
	StatusCode int
	HTML       string
	Cookies    map[string]string
	UserAgent  string
	Duration   time.Duration
}

// Response converts the rendered page into a FetchResponse.
func (r RenderResult) Response() FetchResponse {
	return FetchResponse{
		URL:          r.URL,
		StatusCode:   r.StatusCode,
		Headers:      http.Header{},
		Body:         []byte(r.HTML),
		Duration:     r.Duration,
		UsedHeadless: true,
	}
}
