package evasion

import (
	"time"

	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// Shared is the process-wide evasion state: one session cache, one blocked
// host set, and one browser. Build it once and pass it to every controller.
type Shared struct {
	Sessions *SessionCache
	Blocked  *BlockedDomains
	Browser  crawler.Renderer
}

// NewShared builds the shared state around browser, which may be nil when
// rendering is unavailable.
func NewShared(browser crawler.Renderer, refreshThreshold time.Duration) *Shared {
	return &Shared{
		Sessions: NewSessionCache(refreshThreshold),
		Blocked:  NewBlockedDomains(),
		Browser:  browser,
	}
}
