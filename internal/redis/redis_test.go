package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := NewClientFromOptions(&redis.Options{Addr: mr.Addr()})
	client.WatchInterval = 10 * time.Millisecond
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestClient_PutIfAbsent(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t)
	require.NoError(t, client.Ping(ctx))

	leaseA, err := client.Grant(ctx, 5*time.Second)
	require.NoError(t, err)
	leaseB, err := client.Grant(ctx, 5*time.Second)
	require.NoError(t, err)

	ok, err := client.PutIfAbsent(ctx, "/task/leader", "node-a", leaseA)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.PutIfAbsent(ctx, "/task/leader", "node-b", leaseB)
	require.NoError(t, err)
	assert.False(t, ok)

	value, found, err := client.Get(ctx, "/task/leader")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "node-a", value)
}

func TestClient_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	lease, err := client.Grant(ctx, 2*time.Second)
	require.NoError(t, err)
	ok, err := client.PutIfAbsent(ctx, "/task/leader", "node-a", lease)
	require.NoError(t, err)
	require.True(t, ok)

	t.Run("it should keep the key alive while renewed", func(t *testing.T) {
		mr.FastForward(1500 * time.Millisecond)
		require.NoError(t, client.KeepAlive(ctx, lease))
		mr.FastForward(1500 * time.Millisecond)

		_, found, err := client.Get(ctx, "/task/leader")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("it should drop the key once the lease lapses", func(t *testing.T) {
		mr.FastForward(3 * time.Second)

		_, found, err := client.Get(ctx, "/task/leader")
		require.NoError(t, err)
		assert.False(t, found)
		assert.True(t, errors.Is(client.KeepAlive(ctx, lease), errval.ErrLeaseExpired))
	})
}

func TestClient_RevokeAndDelete(t *testing.T) {
	ctx := context.Background()
	client, mr := newTestClient(t)

	lease, err := client.Grant(ctx, 5*time.Second)
	require.NoError(t, err)
	_, err = client.PutIfAbsent(ctx, "/task/leader", "node-a", lease)
	require.NoError(t, err)

	deleted, err := client.DeleteIfValue(ctx, "/task/leader", "node-b")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, client.Revoke(ctx, lease))
	assert.False(t, mr.Exists("/task/leader"))
	assert.False(t, mr.Exists(leaseKeyPrefix+string(lease)))
}

func TestClient_Watch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	client, mr := newTestClient(t)

	events, err := client.Watch(ctx, "/task/leader")
	require.NoError(t, err)

	lease, err := client.Grant(ctx, time.Second)
	require.NoError(t, err)
	_, err = client.PutIfAbsent(ctx, "/task/leader", "node-a", lease)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, domain.EventPut, ev.Type)
		assert.Equal(t, "node-a", ev.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a put event")
	}

	mr.FastForward(2 * time.Second)

	select {
	case ev := <-events:
		assert.Equal(t, domain.EventDelete, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a delete event")
	}

	cancel()
	for range events {
	}
}
