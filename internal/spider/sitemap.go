package spider

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// IsSitemap reports whether u points at an XML sitemap.
func IsSitemap(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	p := strings.ToLower(parsed.Path)
	return strings.HasSuffix(p, ".xml") && strings.Contains(p, "sitemap")
}

// ParseSitemap returns the page URLs of a urlset and the child sitemaps of
// a sitemap index.
func ParseSitemap(body []byte) (pages, sitemaps []string, err error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	doc.Find("url > loc").Each(func(_ int, s *goquery.Selection) {
		if loc := strings.TrimSpace(s.Text()); loc != "" {
			pages = append(pages, loc)
		}
	})
	doc.Find("sitemap > loc").Each(func(_ int, s *goquery.Selection) {
		if loc := strings.TrimSpace(s.Text()); loc != "" {
			sitemaps = append(sitemaps, loc)
		}
	})
	return pages, sitemaps, nil
}
