// Package coordinator tracks in-flight operation IDs per resource key
// for idempotency checking and observability. It does not block
// concurrent execution; serialization is the lock manager's and queue
// service's job. The coordinator assumes that happened upstream, or is
// advisory when it hasn't.
package coordinator

import (
	"sync"
	"time"

	"github.com/TheMichaelB/vaulthist/internal/events"
)

// DefaultTimeout before a pending operation is considered leaked.
const DefaultTimeout = 30 * time.Second

type pendingOp struct {
	startedAt time.Time
	timer     *time.Timer
}

// Coordinator tracks pending operations and per-key completion
// sequence counters, useful for detecting lost or duplicate writes.
type Coordinator struct {
	mu        sync.Mutex
	pending   map[string]map[string]*pendingOp // key → opID → op
	sequences map[string]uint64
	timeout   time.Duration
	logger    *events.Logger
}

// New creates a coordinator with the default stale timeout.
func New(logger *events.Logger) *Coordinator {
	return NewWithTimeout(DefaultTimeout, logger)
}

// NewWithTimeout creates a coordinator with a custom stale timeout.
func NewWithTimeout(timeout time.Duration, logger *events.Logger) *Coordinator {
	return &Coordinator{
		pending:   make(map[string]map[string]*pendingOp),
		sequences: make(map[string]uint64),
		timeout:   timeout,
		logger:    logger.WithField("component", "op_coordinator"),
	}
}

// Begin registers an operation ID under a resource key. It returns
// true if the ID is new; false means the same ID is already pending
// (a duplicate submission). A timer cleans up stale entries after the
// timeout, with a warning; the underlying work is not aborted.
func (c *Coordinator) Begin(key, opID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ops, ok := c.pending[key]
	if !ok {
		ops = make(map[string]*pendingOp)
		c.pending[key] = ops
	}
	if _, exists := ops[opID]; exists {
		return false
	}

	op := &pendingOp{startedAt: time.Now()}
	op.timer = time.AfterFunc(c.timeout, func() {
		c.expire(key, opID)
	})
	ops[opID] = op
	return true
}

// Complete clears a pending operation and bumps the key's sequence.
func (c *Coordinator) Complete(key, opID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ops, ok := c.pending[key]; ok {
		if op, exists := ops[opID]; exists {
			op.timer.Stop()
			delete(ops, opID)
			if len(ops) == 0 {
				delete(c.pending, key)
			}
			c.sequences[key]++
		}
	}
}

// expire removes a stale entry that was never completed.
func (c *Coordinator) expire(key, opID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ops, ok := c.pending[key]
	if !ok {
		return
	}
	op, exists := ops[opID]
	if !exists {
		return
	}

	c.logger.WithFields(map[string]interface{}{
		"key":      key,
		"op_id":    opID,
		"age_secs": time.Since(op.startedAt).Seconds(),
	}).Warn("Operation never completed; clearing stale entry")

	delete(ops, opID)
	if len(ops) == 0 {
		delete(c.pending, key)
	}
}

// Pending reports how many operations are in flight for a key.
func (c *Coordinator) Pending(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending[key])
}

// Sequence returns the key's monotonic completion counter.
func (c *Coordinator) Sequence(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sequences[key]
}
