package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	whitespace   = regexp.MustCompile(`\s+`)
	blockOpen    = regexp.MustCompile(`(?i)<(div|p|br|li|td|tr|h[1-6]|blockquote|section)(\s[^>]*)?/?>`)
	blockClose   = regexp.MustCompile(`(?i)</(div|p|li|td|tr|h[1-6]|blockquote|section)>`)
	noiseElement = "script, style, noscript, iframe, svg, form, nav, footer, header, aside"
)

// normalizeText collapses runs of whitespace.
func normalizeText(text string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(text, " "))
}

// spaceBlocks pads block elements so their text does not run together.
func spaceBlocks(html string) string {
	html = blockOpen.ReplaceAllString(html, " $0")
	return blockClose.ReplaceAllString(html, "$0 ")
}

// htmlText returns the visible text of an HTML fragment.
func htmlText(fragment string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(spaceBlocks(fragment)))
	if err != nil {
		return "", err
	}
	doc.Find(noiseElement).Remove()
	return normalizeText(doc.Text()), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
