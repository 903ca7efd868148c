// Package evasion decides how a page is fetched when a site pushes back:
// proxy tier escalation for rate limiting, and browser-verified cookie
// sessions for JavaScript challenge walls.
package evasion

import (
	"net/http"
	"strings"
)

// DefaultShortBody is the size under which a page that names a protection
// platform is treated as an interstitial.
const DefaultShortBody = 5000

var challengeMarkers = []string{
	"checking your browser",
	"just a moment...",
	"cf-browser-verification",
	"challenge-platform",
	"cf_chl_opt",
	"attention required! | cloudflare",
	"verify you are human",
	"why have i been blocked",
	"enable javascript and cookies to continue",
}

var platformMarkers = []string{
	"cloudflare",
	"cf-ray",
	"ray id",
}

// Detector classifies page content as blocked or not.
type Detector struct {
	ShortBody int
}

// NewDetector returns a detector with the default short-body limit.
func NewDetector() *Detector {
	return &Detector{ShortBody: DefaultShortBody}
}

// IsBlocked reports whether html looks like a block or challenge page.
// An empty page counts as blocked.
func (d *Detector) IsBlocked(html string) bool {
	if strings.TrimSpace(html) == "" {
		return true
	}
	lower := strings.ToLower(html)
	for _, marker := range challengeMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	limit := d.ShortBody
	if limit <= 0 {
		limit = DefaultShortBody
	}
	if len(html) < limit {
		for _, marker := range platformMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
	}
	return false
}

// IsBlockStatus reports whether an HTTP status is a block signal.
func IsBlockStatus(code int) bool {
	return code == http.StatusForbidden || code == http.StatusTooManyRequests
}
