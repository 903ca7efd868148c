package crawler

import "testing"

func TestDomainMatcher(t *testing.T) {
	t.Run("domain and subdomains", func(t *testing.T) {
		m := NewDomainMatcher([]string{"example.org"})
		if m == nil {
			t.Fatalf("expected matcher to be created")
		}
		if !m.Allows("example.org") {
			t.Fatalf("expected example.org to match")
		}
		if !m.Allows("news.example.org") {
			t.Fatalf("expected subdomain to match")
		}
		if m.Allows("badexample.org") {
			t.Fatalf("did not expect unrelated suffix to match")
		}
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		m := NewDomainMatcher([]string{"*.gov.uk"})
		cases := []struct {
			host    string
			allowed bool
		}{
			{"www.gov.uk", true},
			{"a.b.gov.uk", true},
			{"gov.uk", false},
			{"example.com", false},
		}
		for _, tc := range cases {
			if got := m.Allows(tc.host); got != tc.allowed {
				t.Fatalf("host %q allowed=%v, want %v", tc.host, got, tc.allowed)
			}
		}
	})

	t.Run("www prefix is ignored", func(t *testing.T) {
		m := NewDomainMatcher([]string{"www.example.com"})
		if !m.AllowsURL("https://example.com/a") {
			t.Fatalf("expected bare domain to match www entry")
		}
	})

	t.Run("nil matcher allows everything", func(t *testing.T) {
		var m *DomainMatcher
		if !m.Allows("anything.test") {
			t.Fatalf("nil matcher should allow")
		}
		if NewDomainMatcher([]string{" ", ""}) != nil {
			t.Fatalf("expected nil matcher for empty patterns")
		}
	})
}

func TestHostname(t *testing.T) {
	t.Parallel()

	if got := Hostname("https://Example.COM:8443/x"); got != "example.com" {
		t.Fatalf("unexpected hostname %q", got)
	}
	if got := Hostname("://bad"); got != "" {
		t.Fatalf("expected empty hostname, got %q", got)
	}
}
