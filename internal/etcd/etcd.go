// Package etcd implements domain.LeaseService on etcd v3 leases, transactions and watches.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
)

type Client struct {
	cli *clientv3.Client
}

var _ domain.LeaseService = (*Client)(nil)

func NewClient(endpoints []string, dialTimeout time.Duration) (*Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}

	return &Client{cli: cli}, nil
}

func (c *Client) Ping(ctx context.Context) (err error) {
	for _, endpoint := range c.cli.Endpoints() {
		if _, err = c.cli.Status(ctx, endpoint); err == nil {
			return nil
		}
	}

	return err
}

// Grant rounds ttl up to whole seconds, the lease granularity of etcd.
func (c *Client) Grant(ctx context.Context, ttl time.Duration) (domain.LeaseID, error) {
	seconds := int64((ttl + time.Second - 1) / time.Second)
	if seconds < 1 {
		seconds = 1
	}

	resp, err := c.cli.Grant(ctx, seconds)
	if err != nil {
		return "", err
	}

	return encodeLease(resp.ID), nil
}

func (c *Client) KeepAlive(ctx context.Context, lease domain.LeaseID) error {
	id, err := decodeLease(lease)
	if err != nil {
		return err
	}

	if _, err := c.cli.KeepAliveOnce(ctx, id); err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return errval.ErrLeaseExpired
		}

		return err
	}

	return nil
}

func (c *Client) Revoke(ctx context.Context, lease domain.LeaseID) error {
	id, err := decodeLease(lease)
	if err != nil {
		return err
	}

	if _, err := c.cli.Revoke(ctx, id); err != nil && !errors.Is(err, rpctypes.ErrLeaseNotFound) {
		return err
	}

	return nil
}

func (c *Client) PutIfAbsent(ctx context.Context, key, value string, lease domain.LeaseID) (bool, error) {
	id, err := decodeLease(lease)
	if err != nil {
		return false, err
	}

	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, value, clientv3.WithLease(id))).
		Commit()
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return false, errval.ErrLeaseExpired
		}

		return false, err
	}

	return resp.Succeeded, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	resp, err := c.cli.Get(ctx, key)
	if err != nil {
		return "", false, err
	}

	if len(resp.Kvs) == 0 {
		return "", false, nil
	}

	return string(resp.Kvs[0].Value), true, nil
}

func (c *Client) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.Value(key), "=", value)).
		Then(clientv3.OpDelete(key)).
		Commit()
	if err != nil {
		return false, err
	}

	return resp.Succeeded, nil
}

// Watch returns once the server has registered the watch, so no change made
// after it returns is missed.
func (c *Client) Watch(ctx context.Context, key string) (<-chan domain.WatchEvent, error) {
	watchChan := c.cli.Watch(clientv3.WithRequireLeader(ctx), key, clientv3.WithCreatedNotify())
	select {
	case resp, ok := <-watchChan:
		if !ok {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("etcd watch on %s closed before it was created", key)
		}
		if err := resp.Err(); err != nil {
			return nil, err
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	events := make(chan domain.WatchEvent)

	go func() {
		defer close(events)

		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				slog.Warn("etcd watch interrupted", "key", key, "error", err.Error())
				return
			}

			for _, ev := range resp.Events {
				event := domain.WatchEvent{Type: domain.EventPut, Key: string(ev.Kv.Key), Value: string(ev.Kv.Value)}
				if ev.Type == clientv3.EventTypeDelete {
					event = domain.WatchEvent{Type: domain.EventDelete, Key: string(ev.Kv.Key)}
				}

				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}

func (c *Client) Close() error {
	return c.cli.Close()
}

func encodeLease(id clientv3.LeaseID) domain.LeaseID {
	return domain.LeaseID(strconv.FormatInt(int64(id), 16))
}

func decodeLease(lease domain.LeaseID) (clientv3.LeaseID, error) {
	id, err := strconv.ParseInt(string(lease), 16, 64)
	if err != nil {
		return clientv3.NoLease, fmt.Errorf("malformed etcd lease id %q: %w", lease, err)
	}

	return clientv3.LeaseID(id), nil
}
