// Package lock serializes work per product inside one process.
package lock

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrTimeout is returned when a key could not be acquired within the wait budget.
var ErrTimeout = errors.New("lock wait timeout")

// KeyedMutex hands out one exclusive lock per key. Entries are reference counted
// and dropped once nobody holds or waits for them.
type KeyedMutex struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{entries: make(map[string]*entry)}
}

// LockAll acquires every key in sorted order, waiting at most wait in total.
// Duplicate keys are locked once. On failure nothing stays locked.
func (m *KeyedMutex) LockAll(ctx context.Context, keys []string, wait time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ordered := normalize(keys)

	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	held := make([]string, 0, len(ordered))
	for _, key := range ordered {
		if err := m.lock(ctx, key); err != nil {
			m.unlockAll(held)
			if errors.Is(err, context.DeadlineExceeded) && wait > 0 {
				return nil, ErrTimeout
			}
			return nil, err
		}
		held = append(held, key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unlockAll(held) })
	}, nil
}

func (m *KeyedMutex) lock(ctx context.Context, key string) error {
	m.mu.Lock()
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key, e)
		return ctx.Err()
	}
}

func (m *KeyedMutex) unlockAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		m.mu.Lock()
		e := m.entries[keys[i]]
		m.mu.Unlock()
		<-e.ch
		m.release(keys[i], e)
	}
}

func (m *KeyedMutex) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}

// Len reports how many keys are currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func normalize(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
