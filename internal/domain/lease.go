package domain

import (
	"context"
	"time"
)

type LeaseID string

type WatchEventType string

const (
	EventPut    WatchEventType = "put"
	EventDelete WatchEventType = "delete"
)

type WatchEvent struct {
	Type  WatchEventType
	Key   string
	Value string
}

// LeaseService is the subset of a lease/watch key-value store the leader
// election needs. Keys written under a lease disappear once the lease is not
// renewed within its TTL.
type LeaseService interface {
	Ping(ctx context.Context) (err error)
	Grant(ctx context.Context, ttl time.Duration) (LeaseID, error)
	// KeepAlive renews the lease once; it returns errval.ErrLeaseExpired when the lease is gone.
	KeepAlive(ctx context.Context, lease LeaseID) error
	Revoke(ctx context.Context, lease LeaseID) error
	// PutIfAbsent writes key=value under lease only when key does not exist.
	PutIfAbsent(ctx context.Context, key, value string, lease LeaseID) (bool, error)
	Get(ctx context.Context, key string) (value string, found bool, err error)
	// DeleteIfValue removes key only while it still holds value.
	DeleteIfValue(ctx context.Context, key, value string) (bool, error)
	// Watch streams changes of key until ctx is done; the channel is closed on exit.
	Watch(ctx context.Context, key string) (<-chan WatchEvent, error)
	Close() error
}
