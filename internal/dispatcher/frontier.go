package dispatcher

import (
	"container/heap"
	"sync"

	"github.com/discourselab/scrapai-cli-sub000/internal/checkpoint"
	"github.com/discourselab/scrapai-cli-sub000/internal/crawler"
)

// frontier is the pending request set of a spider run: highest priority
// first, FIFO within a priority, each normalized URL admitted once.
type frontier struct {
	mu     sync.Mutex
	hasher crawler.Hasher
	items  entryHeap
	seq    uint64
	seen   map[string]struct{}
}

func newFrontier(hasher crawler.Hasher) *frontier {
	return &frontier{hasher: hasher, seen: make(map[string]struct{})}
}

// Push admits e unless its URL was seen before. The entry's URL is
// replaced by its normalized form.
func (f *frontier) Push(e checkpoint.Entry) bool {
	normalized, err := crawler.NormalizeURL(e.URL)
	if err != nil {
		return false
	}
	fp, err := f.fingerprint(normalized)
	if err != nil {
		return false
	}
	e.URL = normalized

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.seen[fp]; ok {
		return false
	}
	f.seen[fp] = struct{}{}
	f.pushLocked(e)
	return true
}

// Requeue puts back an entry that was popped but not processed.
func (f *frontier) Requeue(e checkpoint.Entry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushLocked(e)
}

// Pop removes the next entry.
func (f *frontier) Pop() (checkpoint.Entry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.items.Len() == 0 {
		return checkpoint.Entry{}, false
	}
	item := heap.Pop(&f.items).(heapItem)
	return item.entry, true
}

// Len returns the number of pending entries.
func (f *frontier) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items.Len()
}

// Snapshot returns pending entries in pop order and the seen fingerprints.
func (f *frontier) Snapshot() ([]checkpoint.Entry, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ordered := make(entryHeap, len(f.items))
	copy(ordered, f.items)
	entries := make([]checkpoint.Entry, 0, len(ordered))
	for ordered.Len() > 0 {
		entries = append(entries, heap.Pop(&ordered).(heapItem).entry)
	}
	seen := make([]string, 0, len(f.seen))
	for fp := range f.seen {
		seen = append(seen, fp)
	}
	return entries, seen
}

// Restore loads a checkpoint. Restored frontier entries are already
// counted as seen.
func (f *frontier) Restore(state checkpoint.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fp := range state.Seen {
		f.seen[fp] = struct{}{}
	}
	for _, e := range state.Frontier {
		if fp, err := f.fingerprint(e.URL); err == nil {
			f.seen[fp] = struct{}{}
		}
		f.pushLocked(e)
	}
}

func (f *frontier) fingerprint(normalized string) (string, error) {
	if f.hasher == nil {
		return normalized, nil
	}
	return f.hasher.Hash([]byte(normalized))
}

func (f *frontier) pushLocked(e checkpoint.Entry) {
	f.seq++
	heap.Push(&f.items, heapItem{entry: e, seq: f.seq})
}

type heapItem struct {
	entry checkpoint.Entry
	seq   uint64
}

type entryHeap []heapItem

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].entry.Priority != h[j].entry.Priority {
		return h[i].entry.Priority > h[j].entry.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(heapItem)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
