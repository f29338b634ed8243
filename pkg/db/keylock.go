package db

import (
	"context"
	"sync"
)

// keyLock is a table of exclusive per-key locks. A held key maps to a channel that
// is closed on release, which lets waiters select on their context at the same time.
type keyLock struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newKeyLock() *keyLock {
	return &keyLock{held: map[string]chan struct{}{}}
}

// lock acquires keys in the given order, which callers keep sorted. On context
// cancellation every key acquired so far is released.
func (l *keyLock) lock(ctx context.Context, keys []string) (func(), error) {
	acquired := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := l.acquire(ctx, k); err != nil {
			l.release(acquired)
			return nil, err
		}
		acquired = append(acquired, k)
	}
	return func() { l.release(acquired) }, nil
}

func (l *keyLock) acquire(ctx context.Context, key string) error {
	for {
		l.mu.Lock()
		ch, busy := l.held[key]
		if !busy {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			return nil
		}
		l.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *keyLock) release(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		if ch, ok := l.held[k]; ok {
			delete(l.held, k)
			close(ch)
		}
	}
}
