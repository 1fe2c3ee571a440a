// Package lock provides per-resource write serialization. For a given
// key, operations run in strict submission order with no overlap.
package lock

import (
	"context"
	"sort"
	"sync"
)

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type chain struct {
	tail chan struct{}
	refs int
}

// Manager serializes operations per resource key by chaining each new
// operation behind the key's current tail. Keys with no queued work
// are garbage-collected from the map.
type Manager struct {
	mu     sync.Mutex
	chains map[string]*chain
}

// NewManager creates a lock manager.
func NewManager() *Manager {
	return &Manager{chains: make(map[string]*chain)}
}

// RunSerialized runs fn once every previously submitted operation for
// key has fully settled. The Nth call's fn does not begin until the
// (N-1)th's has returned, success or failure. A context cancelled
// while waiting gives up the slot without running fn.
func (m *Manager) RunSerialized(ctx context.Context, key string, fn func(context.Context) error) error {
	m.mu.Lock()
	c, ok := m.chains[key]
	if !ok {
		c = &chain{tail: closedChan}
		m.chains[key] = c
	}
	prev := c.tail
	done := make(chan struct{})
	c.tail = done
	c.refs++
	m.mu.Unlock()

	select {
	case <-prev:
	case <-ctx.Done():
		// Keep ordering intact: release our slot only after the
		// predecessor settles, off this goroutine.
		go func() {
			<-prev
			m.release(key, c, done)
		}()
		return ctx.Err()
	}

	defer m.release(key, c, done)
	return fn(ctx)
}

func (m *Manager) release(key string, c *chain, done chan struct{}) {
	close(done)
	m.mu.Lock()
	c.refs--
	if c.refs == 0 {
		delete(m.chains, key)
	}
	m.mu.Unlock()
}

// RunSerializedMulti holds all keys' slots while fn runs. Keys are
// deduplicated and acquired in lexicographic order so two operations
// over overlapping key sets can never deadlock.
func (m *Manager) RunSerializedMulti(ctx context.Context, keys []string, fn func(context.Context) error) error {
	unique := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			unique = append(unique, k)
		}
	}
	sort.Strings(unique)

	var run func(ctx context.Context, idx int) error
	run = func(ctx context.Context, idx int) error {
		if idx == len(unique) {
			return fn(ctx)
		}
		return m.RunSerialized(ctx, unique[idx], func(ctx context.Context) error {
			return run(ctx, idx+1)
		})
	}
	return run(ctx, 0)
}

// PendingKeys reports keys with queued or running work, for tests and
// diagnostics.
func (m *Manager) PendingKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.chains))
	for k := range m.chains {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
