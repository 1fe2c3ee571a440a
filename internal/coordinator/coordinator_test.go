package coordinator_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/TheMichaelB/vaulthist/internal/coordinator"
	"github.com/TheMichaelB/vaulthist/internal/events"
)

func TestBeginComplete(t *testing.T) {
	c := coordinator.New(events.Discard())

	assert.True(t, c.Begin("note:1", "op-a"))
	assert.Equal(t, 1, c.Pending("note:1"))

	t.Run("duplicate op id is rejected", func(t *testing.T) {
		assert.False(t, c.Begin("note:1", "op-a"))
		assert.Equal(t, 1, c.Pending("note:1"))
	})

	t.Run("distinct ops coexist", func(t *testing.T) {
		assert.True(t, c.Begin("note:1", "op-b"))
		assert.Equal(t, 2, c.Pending("note:1"))
	})

	c.Complete("note:1", "op-a")
	c.Complete("note:1", "op-b")
	assert.Equal(t, 0, c.Pending("note:1"))
	assert.Equal(t, uint64(2), c.Sequence("note:1"))

	t.Run("completing unknown op does not bump sequence", func(t *testing.T) {
		c.Complete("note:1", "never-started")
		assert.Equal(t, uint64(2), c.Sequence("note:1"))
	})
}

func TestStaleEntryExpires(t *testing.T) {
	c := coordinator.NewWithTimeout(20*time.Millisecond, events.Discard())

	assert.True(t, c.Begin("note:9", "leaked"))

	assert.Eventually(t, func() bool {
		return c.Pending("note:9") == 0
	}, time.Second, 5*time.Millisecond, "stale entry never expired")

	// Expiry is cleanup, not completion.
	assert.Equal(t, uint64(0), c.Sequence("note:9"))

	// The ID is reusable after expiry.
	assert.True(t, c.Begin("note:9", "leaked"))
	c.Complete("note:9", "leaked")
}
