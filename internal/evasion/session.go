package evasion

import (
	"sort"
	"sync"
	"time"
)

// DefaultRefreshThreshold is how long a verified session is reused.
const DefaultRefreshThreshold = 600 * time.Second

// State is the verification state of one identity.
type State string

// Session states. BlockedRetry is entered whenever a cached session is
// rejected, whatever the previous state.
const (
	StateUnverified   State = "UNVERIFIED"
	StateVerifying    State = "VERIFYING"
	StateVerified     State = "VERIFIED"
	StateStale        State = "STALE"
	StateBlockedRetry State = "BLOCKED_RETRY"
)

// Session is a cookie and user agent pair that passed a site's challenge.
// Sessions are immutable once cached.
type Session struct {
	Cookies    map[string]string
	UserAgent  string
	VerifiedAt time.Time
}

type cacheEntry struct {
	session *Session
	state   State
}

// SessionCache holds one verified session per identity.
type SessionCache struct {
	mu        sync.Mutex
	threshold time.Duration
	entries   map[string]*cacheEntry
}

// NewSessionCache creates a cache. A non-positive threshold uses the default.
func NewSessionCache(threshold time.Duration) *SessionCache {
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	return &SessionCache{threshold: threshold, entries: make(map[string]*cacheEntry)}
}

func (c *SessionCache) resolve(threshold time.Duration) time.Duration {
	if threshold <= 0 {
		return c.threshold
	}
	return threshold
}

// ShouldRefresh reports whether identity needs a new verification at now.
// A missing session always needs one.
func (c *SessionCache) ShouldRefresh(identity string, now time.Time, threshold time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[identity]
	if !ok || e.session == nil {
		return true
	}
	return now.Sub(e.session.VerifiedAt) >= c.resolve(threshold)
}

// Acquire returns the cached session if it is still fresh. An expired
// session is dropped and the identity marked stale in the same critical
// section, so no caller can reuse it after the check.
func (c *SessionCache) Acquire(identity string, now time.Time, threshold time.Duration) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[identity]
	if !ok || e.session == nil {
		return nil, false
	}
	if now.Sub(e.session.VerifiedAt) >= c.resolve(threshold) {
		e.session = nil
		e.state = StateStale
		return nil, false
	}
	return e.session, true
}

// Put caches s as the verified session for identity.
func (c *SessionCache) Put(identity string, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[identity] = &cacheEntry{session: s, state: StateVerified}
}

// SetState records a state without touching the cached session.
func (c *SessionCache) SetState(identity string, state State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[identity]
	if !ok {
		e = &cacheEntry{}
		c.entries[identity] = e
	}
	e.state = state
}

// State returns the current state of identity.
func (c *SessionCache) State(identity string) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[identity]
	if !ok {
		return StateUnverified
	}
	return e.state
}

// Invalidate drops the cached session if it is still expected, and moves
// the identity to BlockedRetry. It reports whether anything was dropped; a
// false result means another caller already replaced the session.
func (c *SessionCache) Invalidate(identity string, expected *Session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[identity]
	if !ok {
		return false
	}
	e.state = StateBlockedRetry
	if e.session != expected {
		return false
	}
	e.session = nil
	return true
}

// Entry describes one identity for status reporting.
type Entry struct {
	Identity   string    `json:"identity"`
	State      State     `json:"state"`
	VerifiedAt time.Time `json:"verified_at,omitempty"`
}

// Entries lists all identities sorted by name.
func (c *SessionCache) Entries() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.entries))
	for id, e := range c.entries {
		entry := Entry{Identity: id, State: e.state}
		if e.session != nil {
			entry.VerifiedAt = e.session.VerifiedAt
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
