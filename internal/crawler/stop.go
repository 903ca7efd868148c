package crawler

import (
	"sync"
	"sync/atomic"
)

// StopToken is a cooperative cancellation signal for a crawl run.
// Unlike context cancellation it does not abort in-flight fetches; callers
// check it before starting new work.
type StopToken struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason string
}

// NewStopToken returns an unset token.
func NewStopToken() *StopToken {
	return &StopToken{done: make(chan struct{})}
}

// Stop sets the token. Only the first reason is kept.
func (t *StopToken) Stop(reason string) {
	t.once.Do(func() {
		t.mu.Lock()
		t.reason = reason
		t.mu.Unlock()
		close(t.done)
	})
}

// Stopped reports whether Stop was called.
func (t *StopToken) Stopped() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done is closed once the token is set.
func (t *StopToken) Done() <-chan struct{} {
	return t.done
}

// Reason returns the reason passed to the first Stop call.
func (t *StopToken) Reason() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// ItemBudget hands out at most limit item slots and sets the stop token
// when the last slot is taken. A zero limit means unlimited.
type ItemBudget struct {
	limit int64
	used  atomic.Int64
	token *StopToken
}

// NewItemBudget creates a budget bound to token.
func NewItemBudget(limit int, token *StopToken) *ItemBudget {
	return &ItemBudget{limit: int64(limit), token: token}
}

// Reserve claims one slot. It returns false once the budget is exhausted.
func (b *ItemBudget) Reserve() bool {
	if b == nil || b.limit <= 0 {
		return true
	}
	n := b.used.Add(1)
	if n > b.limit {
		return false
	}
	if n == b.limit && b.token != nil {
		b.token.Stop("item limit reached")
	}
	return true
}

// Used returns the number of slots handed out, capped at the limit.
func (b *ItemBudget) Used() int {
	if b == nil {
		return 0
	}
	n := b.used.Load()
	if b.limit > 0 && n > b.limit {
		n = b.limit
	}
	return int(n)
}
