package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/vaulthist/internal/lock"
)

func TestRunSerializedOrdering(t *testing.T) {
	m := lock.NewManager()
	ctx := context.Background()

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			err := m.RunSerialized(ctx, "key", func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
		// Small stagger so submission order is deterministic enough to
		// assert mutual exclusion, not global ordering.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	assert.Len(t, order, 20)
}

func TestRunSerializedMutualExclusion(t *testing.T) {
	m := lock.NewManager()
	ctx := context.Background()

	var inside int32
	var wg sync.WaitGroup
	var mu sync.Mutex
	maxInside := 0

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.RunSerialized(ctx, "same", func(ctx context.Context) error {
				mu.Lock()
				inside++
				if int(inside) > maxInside {
					maxInside = int(inside)
				}
				mu.Unlock()

				time.Sleep(2 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside, "two tasks overlapped on the same key")
}

func TestIndependentKeysRunConcurrently(t *testing.T) {
	m := lock.NewManager()
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = m.RunSerialized(ctx, "a", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	done := make(chan struct{})
	go func() {
		_ = m.RunSerialized(ctx, "b", func(ctx context.Context) error {
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key was blocked")
	}
	close(release)
}

func TestRunSerializedContextCancel(t *testing.T) {
	m := lock.NewManager()

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.RunSerialized(context.Background(), "key", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	// Waiter gives up while queued behind the holder.
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- m.RunSerialized(ctx, "key", func(ctx context.Context) error {
			t.Error("cancelled waiter must not run")
			return nil
		})
	}()
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter did not return")
	}
	close(release)

	// The chain stays usable after a cancelled waiter.
	ran := false
	require.NoError(t, m.RunSerialized(context.Background(), "key", func(ctx context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)
}

func TestRunSerializedMultiSortsKeys(t *testing.T) {
	m := lock.NewManager()
	ctx := context.Background()

	// Opposite-order key pairs must not deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.RunSerializedMulti(ctx, []string{"x", "y"}, func(ctx context.Context) error {
				return nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = m.RunSerializedMulti(ctx, []string{"y", "x"}, func(ctx context.Context) error {
				return nil
			})
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("deadlock between opposite-order multi-key calls")
	}
}

func TestPendingKeysGC(t *testing.T) {
	m := lock.NewManager()
	ctx := context.Background()

	require.NoError(t, m.RunSerialized(ctx, "gone", func(ctx context.Context) error {
		return nil
	}))

	assert.Empty(t, m.PendingKeys(), "idle chains must be garbage collected")
}
