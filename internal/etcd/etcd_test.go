package etcd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func TestLeaseEncoding(t *testing.T) {
	for _, id := range []clientv3.LeaseID{1, 0x694d7e3c1f0b2a11, 42} {
		decoded, err := decodeLease(encodeLease(id))
		require.NoError(t, err)
		assert.Equal(t, id, decoded)
	}

	_, err := decodeLease("not-a-lease")
	assert.Error(t, err)
}

func freeURL(t *testing.T) url.URL {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no free port for embedded etcd: %v", err)
	}
	addr := l.Addr().String()
	_ = l.Close()

	u, err := url.Parse(fmt.Sprintf("http://%s", addr))
	require.NoError(t, err)
	return *u
}

// newTestClient starts a single-member etcd inside the test process.
func newTestClient(t *testing.T) *Client {
	t.Helper()

	cfg := embed.NewConfig()
	cfg.Dir = t.TempDir()
	cfg.LogLevel = "error"
	clientURL, peerURL := freeURL(t), freeURL(t)
	cfg.ListenClientUrls = []url.URL{clientURL}
	cfg.AdvertiseClientUrls = []url.URL{clientURL}
	cfg.ListenPeerUrls = []url.URL{peerURL}
	cfg.AdvertisePeerUrls = []url.URL{peerURL}
	cfg.InitialCluster = cfg.InitialClusterFromName(cfg.Name)

	server, err := embed.StartEtcd(cfg)
	if err != nil {
		t.Skipf("embedded etcd unavailable: %v", err)
	}
	t.Cleanup(server.Close)

	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(10 * time.Second):
		server.Server.Stop()
		t.Skip("embedded etcd did not become ready")
	}

	client, err := NewClient([]string{clientURL.String()}, 5*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(context.Background()))

	return client
}

func TestClient_PutIfAbsentAndDeleteIfValue(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

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

	t.Run("it should not delete a key holding another value", func(t *testing.T) {
		deleted, err := client.DeleteIfValue(ctx, "/task/leader", "node-b")
		require.NoError(t, err)
		assert.False(t, deleted)

		_, found, err := client.Get(ctx, "/task/leader")
		require.NoError(t, err)
		assert.True(t, found)
	})

	t.Run("it should delete a key holding the expected value", func(t *testing.T) {
		deleted, err := client.DeleteIfValue(ctx, "/task/leader", "node-a")
		require.NoError(t, err)
		assert.True(t, deleted)

		_, found, err := client.Get(ctx, "/task/leader")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestClient_LeaseExpiry(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	lease, err := client.Grant(ctx, time.Second)
	require.NoError(t, err)
	ok, err := client.PutIfAbsent(ctx, "/task/leader", "node-a", lease)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, client.KeepAlive(ctx, lease))

	require.Eventually(t, func() bool {
		_, found, err := client.Get(ctx, "/task/leader")
		return err == nil && !found
	}, 10*time.Second, 100*time.Millisecond)

	err = client.KeepAlive(ctx, lease)
	assert.True(t, errors.Is(err, errval.ErrLeaseExpired))

	_, err = client.PutIfAbsent(ctx, "/task/leader", "node-a", lease)
	assert.True(t, errors.Is(err, errval.ErrLeaseExpired))

	t.Run("it should treat revoking a missing lease as done", func(t *testing.T) {
		assert.NoError(t, client.Revoke(ctx, lease))
	})
}

func TestClient_Watch(t *testing.T) {
	client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := client.Watch(ctx, "/task/leader")
	require.NoError(t, err)

	lease, err := client.Grant(ctx, 5*time.Second)
	require.NoError(t, err)
	ok, err := client.PutIfAbsent(ctx, "/task/leader", "node-a", lease)
	require.NoError(t, err)
	require.True(t, ok)

	next := func() domain.WatchEvent {
		select {
		case ev, ok := <-events:
			require.True(t, ok)
			return ev
		case <-time.After(5 * time.Second):
			t.Fatal("no watch event")
			return domain.WatchEvent{}
		}
	}

	assert.Equal(t, domain.WatchEvent{Type: domain.EventPut, Key: "/task/leader", Value: "node-a"}, next())

	require.NoError(t, client.Revoke(ctx, lease))
	assert.Equal(t, domain.WatchEvent{Type: domain.EventDelete, Key: "/task/leader"}, next())

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-events:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
