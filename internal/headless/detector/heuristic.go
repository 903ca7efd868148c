// Package detector recognizes pages whose server HTML is a JavaScript
// shell, so extraction can go straight to the browser.
package detector

import (
	"bytes"
	"strings"
)

// Heuristic flags shells by framework mount points and script density.
type Heuristic struct {
	// BodyLengthThreshold bounds the size below which a script-heavy page
	// counts as a shell.
	BodyLengthThreshold int
}

// NewHeuristic creates a detector. Zero selects 2048 bytes.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = [][]byte{
	[]byte(`id="__next"`),
	[]byte(`id="root"></div>`),
	[]byte(`id="app"></div>`),
	[]byte("data-reactroot"),
	[]byte("ng-version="),
}

// IsShell reports whether html needs a browser to show its content.
func (h *Heuristic) IsShell(html []byte) bool {
	if len(bytes.TrimSpace(html)) == 0 {
		return true
	}
	if len(html) < h.BodyLengthThreshold && scriptCoverage(html) >= 25 {
		return true
	}
	for _, marker := range spaMarkers {
		if bytes.Contains(html, marker) {
			return true
		}
	}
	return false
}

// scriptCoverage returns the percentage of html inside <script> elements.
// An unterminated element covers the rest of the document.
func scriptCoverage(html []byte) int {
	lower := strings.ToLower(string(html))
	total := len(lower)
	if total == 0 {
		return 0
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	covered, pos := 0, 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		gt := strings.IndexByte(lower[start:], '>')
		if gt == -1 {
			covered += total - start
			break
		}
		body := start + gt + 1
		end := strings.Index(lower[body:], closeTag)
		next := total
		if end != -1 {
			next = body + end + len(closeTag)
		}
		covered += next - start
		pos = next
	}
	return covered * 100 / total
}
