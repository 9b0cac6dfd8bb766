package leader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sf7293/task-scheduler/internal/errval"
	"github.com/sf7293/task-scheduler/internal/memlease"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTTL = 300 * time.Millisecond

func newCoordinator(leases *memlease.Service, nodeID string) *Coordinator {
	return NewCoordinator(leases, Config{
		NodeID:        nodeID,
		Key:           "/task/leader",
		LeaseTTL:      testTTL,
		RetryInterval: 20 * time.Millisecond,
	})
}

func TestTryBecomeLeader_OnlyOneWins(t *testing.T) {
	leases := memlease.NewService()
	defer leases.Close()
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		a := newCoordinator(leases, "node-a")
		b := newCoordinator(leases, "node-b")

		var wg sync.WaitGroup
		results := make([]error, 2)
		for i, c := range []*Coordinator{a, b} {
			wg.Add(1)
			go func(i int, c *Coordinator) {
				defer wg.Done()
				results[i] = c.TryBecomeLeader(ctx)
			}(i, c)
		}
		wg.Wait()

		winners := 0
		for _, err := range results {
			if err == nil {
				winners++
			} else {
				assert.True(t, errors.Is(err, errval.ErrNotLeader))
			}
		}
		assert.Equal(t, 1, winners)
		assert.NotEqual(t, a.IsLeader(), b.IsLeader())

		require.NoError(t, a.Stop(ctx))
		require.NoError(t, b.Stop(ctx))
		assert.False(t, a.IsLeader())
		assert.False(t, b.IsLeader())
	}
}

func TestTryBecomeLeader_TakeoverAfterCrash(t *testing.T) {
	leases := memlease.NewService()
	defer leases.Close()
	ctx := context.Background()

	a := newCoordinator(leases, "node-a")
	b := newCoordinator(leases, "node-b")

	require.NoError(t, a.TryBecomeLeader(ctx))
	assert.True(t, errors.Is(b.TryBecomeLeader(ctx), errval.ErrNotLeader))

	// keep-alive stops as if node-a had crashed
	a.term().cancel()
	crashedAt := time.Now()

	assert.Eventually(t, func() bool {
		return b.TryBecomeLeader(ctx) == nil
	}, 2*testTTL, 10*time.Millisecond)
	assert.Less(t, time.Since(crashedAt), testTTL+100*time.Millisecond)
	assert.True(t, b.IsLeader())

	holder, found, err := b.CurrentLeader(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "node-b", holder)
}

func TestKeepAlive_HoldsLeadershipPastTTL(t *testing.T) {
	leases := memlease.NewService()
	defer leases.Close()
	ctx := context.Background()

	a := newCoordinator(leases, "node-a")
	b := newCoordinator(leases, "node-b")
	require.NoError(t, a.TryBecomeLeader(ctx))

	time.Sleep(3 * testTTL)

	assert.True(t, a.IsLeader())
	assert.True(t, errors.Is(b.TryBecomeLeader(ctx), errval.ErrNotLeader))
	require.NoError(t, a.Stop(ctx))
	require.NoError(t, b.TryBecomeLeader(ctx))
}

func TestWatchLeaderChanges(t *testing.T) {
	leases := memlease.NewService()
	defer leases.Close()
	ctx := context.Background()

	t.Run("it should return when the key is deleted", func(t *testing.T) {
		a := newCoordinator(leases, "node-a")
		require.NoError(t, a.TryBecomeLeader(ctx))

		done := make(chan error, 1)
		go func() { done <- a.WatchLeaderChanges(ctx) }()

		time.Sleep(20 * time.Millisecond)
		deleted, err := leases.DeleteIfValue(ctx, "/task/leader", "node-a")
		require.NoError(t, err)
		require.True(t, deleted)

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Fatal("watch did not return")
		}
		assert.False(t, a.IsLeader())
	})

	t.Run("it should return when the lease is lost", func(t *testing.T) {
		a := newCoordinator(leases, "node-a")
		require.NoError(t, a.TryBecomeLeader(ctx))
		a.term().cancel()

		done := make(chan error, 1)
		go func() { done <- a.WatchLeaderChanges(ctx) }()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * testTTL):
			t.Fatal("watch did not return")
		}
		assert.False(t, a.IsLeader())
	})

	t.Run("it should refuse to watch when not leader", func(t *testing.T) {
		a := newCoordinator(leases, "node-a")
		assert.True(t, errors.Is(a.WatchLeaderChanges(ctx), errval.ErrNotLeader))
	})
}

func TestRun_ElectsAndReleases(t *testing.T) {
	leases := memlease.NewService()
	defer leases.Close()

	a := newCoordinator(leases, "node-a")
	b := newCoordinator(leases, "node-b")

	var mu sync.Mutex
	var changes []bool
	b.OnChange(func(isLeader bool) {
		mu.Lock()
		changes = append(changes, isLeader)
		mu.Unlock()
	})

	ctxA, cancelA := context.WithCancel(context.Background())
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	doneA := make(chan error, 1)
	go func() { doneA <- a.Run(ctxA) }()
	require.Eventually(t, a.IsLeader, time.Second, 5*time.Millisecond)

	doneB := make(chan error, 1)
	go func() { doneB <- b.Run(ctxB) }()
	time.Sleep(50 * time.Millisecond)
	assert.False(t, b.IsLeader())

	cancelA()
	require.NoError(t, <-doneA)
	assert.False(t, a.IsLeader())

	require.Eventually(t, b.IsLeader, time.Second, 5*time.Millisecond)

	cancelB()
	require.NoError(t, <-doneB)
	assert.False(t, b.IsLeader())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, changes)
}
