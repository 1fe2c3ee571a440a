// Package queue provides per-key concurrency-1 priority scheduling.
// Unlike the plain lock chain, a high-priority task queued behind
// pending work for the same key runs before lower-priority pending
// tasks (never before a task already executing).
package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"

	"github.com/TheMichaelB/vaulthist/internal/models"
)

// Priority levels; lower value runs first.
type Priority int

const (
	Critical Priority = iota
	High
	Normal
	Low
	Background
)

type task struct {
	priority Priority
	seq      uint64 // FIFO tiebreaker within a priority
	run      func()
	dropped  chan struct{} // closed if cleared before running
	index    int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x interface{}) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

type keyQueue struct {
	pending taskHeap
	running bool
}

// Service schedules tasks onto independent per-key queues.
type Service struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
	seq    uint64
}

// NewService creates a queue service.
func NewService() *Service {
	return &Service{queues: make(map[string]*keyQueue)}
}

// Add runs fn under every scope key, waiting for completion. Multiple
// keys are acquired in sorted order via nested scheduling, so
// overlapping multi-key requests cannot deadlock. The call blocks
// until fn settles, the context is cancelled, or the pending task is
// cleared.
func (s *Service) Add(ctx context.Context, scopeKeys []string, priority Priority, fn func(context.Context) error) error {
	unique := make([]string, 0, len(scopeKeys))
	seen := make(map[string]bool, len(scopeKeys))
	for _, k := range scopeKeys {
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
		return s.addOne(ctx, unique[idx], priority, func(ctx context.Context) error {
			return run(ctx, idx+1)
		})
	}
	return run(ctx, 0)
}

// addOne enqueues fn on a single key's queue and waits for it.
func (s *Service) addOne(ctx context.Context, key string, priority Priority, fn func(context.Context) error) error {
	result := make(chan error, 1)

	t := &task{
		priority: priority,
		dropped:  make(chan struct{}),
	}
	t.run = func() {
		result <- fn(ctx)
	}

	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &keyQueue{}
		s.queues[key] = q
	}
	s.seq++
	t.seq = s.seq
	heap.Push(&q.pending, t)
	if !q.running {
		q.running = true
		go s.dispatch(key, q)
	}
	s.mu.Unlock()

	select {
	case err := <-result:
		return err
	case <-t.dropped:
		return models.ErrQueueCleared
	case <-ctx.Done():
		// The task may still run; fn observes the cancelled context.
		return ctx.Err()
	}
}

// dispatch drains one key's queue, highest priority first.
func (s *Service) dispatch(key string, q *keyQueue) {
	for {
		s.mu.Lock()
		if q.pending.Len() == 0 {
			q.running = false
			if s.queues[key] == q {
				delete(s.queues, key)
			}
			s.mu.Unlock()
			return
		}
		t := heap.Pop(&q.pending).(*task)
		s.mu.Unlock()

		t.run()
	}
}

// Clear drops all pending (not running) tasks for a key. Their callers
// receive ErrQueueCleared. Safe only during teardown: live callers may
// be relying on eventual execution.
func (s *Service) Clear(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[key]
	if !ok {
		return
	}
	for _, t := range q.pending {
		close(t.dropped)
	}
	q.pending = q.pending[:0]
}

// PendingCount reports queued (not running) tasks for a key.
func (s *Service) PendingCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[key]; ok {
		return q.pending.Len()
	}
	return 0
}
