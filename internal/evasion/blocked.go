package evasion

import (
	"sort"
	"sync"
)

// BlockedDomains remembers hosts that answered with a block status. Entries
// are never removed; a host stays on the elevated tier until restart.
type BlockedDomains struct {
	mu    sync.RWMutex
	hosts map[string]struct{}
}

// NewBlockedDomains returns an empty set.
func NewBlockedDomains() *BlockedDomains {
	return &BlockedDomains{hosts: make(map[string]struct{})}
}

// Mark adds host and reports whether it was new.
func (b *BlockedDomains) Mark(host string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.hosts[host]; ok {
		return false
	}
	b.hosts[host] = struct{}{}
	return true
}

// Contains reports whether host was marked.
func (b *BlockedDomains) Contains(host string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.hosts[host]
	return ok
}

// Snapshot lists marked hosts in sorted order.
func (b *BlockedDomains) Snapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.hosts))
	for h := range b.hosts {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}
