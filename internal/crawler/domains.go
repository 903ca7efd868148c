package crawler

import (
	"net/url"
	"strings"
)

// DomainMatcher matches hostnames against configured domains. A plain entry
// matches the domain itself and all of its subdomains; a "*." entry matches
// subdomains only.
type DomainMatcher struct {
	domains  map[string]struct{}
	suffixes []string
}

// NewDomainMatcher builds a matcher. It returns nil when no usable pattern is
// given; a nil matcher allows every host.
func NewDomainMatcher(patterns []string) *DomainMatcher {
	matcher := &DomainMatcher{
		domains: make(map[string]struct{}),
	}
	for _, raw := range patterns {
		value := strings.TrimSpace(strings.ToLower(raw))
		value = strings.TrimPrefix(value, "www.")
		if value == "" {
			continue
		}
		switch {
		case strings.HasPrefix(value, "*."):
			if suffix := strings.TrimPrefix(value, "*."); suffix != "" {
				matcher.addSuffix(suffix)
			}
		default:
			matcher.domains[strings.TrimPrefix(value, ".")] = struct{}{}
		}
	}
	if len(matcher.domains) == 0 && len(matcher.suffixes) == 0 {
		return nil
	}
	return matcher
}

func (m *DomainMatcher) addSuffix(suffix string) {
	for _, existing := range m.suffixes {
		if existing == suffix {
			return
		}
	}
	m.suffixes = append(m.suffixes, suffix)
}

// Allows reports whether host is covered by the matcher.
func (m *DomainMatcher) Allows(host string) bool {
	if m == nil {
		return true
	}
	host = strings.TrimSpace(strings.ToLower(host))
	if host == "" {
		return false
	}
	for domain := range m.domains {
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}
	for _, suffix := range m.suffixes {
		if strings.HasSuffix(host, "."+suffix) {
			return true
		}
	}
	return false
}

// AllowsURL parses rawURL and checks its host.
func (m *DomainMatcher) AllowsURL(rawURL string) bool {
	if m == nil {
		return true
	}
	return m.Allows(Hostname(rawURL))
}

// Hostname returns the lowercase host of rawURL without port, or "" when it cannot be parsed.
func Hostname(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}
