package redis

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
)

const (
	leaseKeyPrefix       = "lease:"
	defaultWatchInterval = 100 * time.Millisecond
)

// renewScript refreshes the lease sentinel and every key still bound to it.
// KEYS[1] is the sentinel, KEYS[2..] the bound keys; ARGV[1] the ttl in ms,
// ARGV[2..] the values the bound keys must still hold.
var renewScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('PEXPIRE', KEYS[1], ARGV[1])
for i = 2, #KEYS do
	if redis.call('GET', KEYS[i]) == ARGV[i] then
		redis.call('PEXPIRE', KEYS[i], ARGV[1])
	end
end
return 1
`)

var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

type boundKey struct {
	key   string
	value string
}

type leaseState struct {
	ttl  time.Duration
	keys []boundKey
}

// Client emulates etcd-style leases on Redis: a lease is a sentinel key with a
// TTL, and keys written under it share that TTL and are renewed with it.
type Client struct {
	RedisClient   *redis.Client
	WatchInterval time.Duration

	mu     sync.Mutex
	leases map[domain.LeaseID]*leaseState
}

var _ domain.LeaseService = (*Client)(nil)

func NewClient(dsn string) (*Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}

	return NewClientFromOptions(opts), nil
}

func NewClientFromOptions(opts *redis.Options) *Client {
	return &Client{
		RedisClient:   redis.NewClient(opts),
		WatchInterval: defaultWatchInterval,
		leases:        make(map[domain.LeaseID]*leaseState),
	}
}

func (c *Client) Grant(ctx context.Context, ttl time.Duration) (domain.LeaseID, error) {
	id := domain.LeaseID(uuid.NewString())
	ok, err := c.RedisClient.SetNX(ctx, leaseKeyPrefix+string(id), 1, ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", errors.New("lease id collision")
	}

	c.mu.Lock()
	c.leases[id] = &leaseState{ttl: ttl}
	c.mu.Unlock()

	return id, nil
}

func (c *Client) KeepAlive(ctx context.Context, id domain.LeaseID) error {
	state, ok := c.lease(id)
	if !ok {
		return errval.ErrLeaseExpired
	}

	keys := []string{leaseKeyPrefix + string(id)}
	args := []interface{}{strconv.FormatInt(state.ttl.Milliseconds(), 10)}
	for _, bound := range state.keys {
		keys = append(keys, bound.key)
		args = append(args, bound.value)
	}

	renewed, err := renewScript.Run(ctx, c.RedisClient, keys, args...).Int()
	if err != nil {
		return err
	}

	if renewed == 0 {
		c.forget(id)
		return errval.ErrLeaseExpired
	}

	return nil
}

func (c *Client) Revoke(ctx context.Context, id domain.LeaseID) error {
	state, ok := c.lease(id)
	c.forget(id)
	if !ok {
		return nil
	}

	for _, bound := range state.keys {
		if err := compareAndDeleteScript.Run(ctx, c.RedisClient, []string{bound.key}, bound.value).Err(); err != nil {
			return err
		}
	}

	return c.RedisClient.Del(ctx, leaseKeyPrefix+string(id)).Err()
}

func (c *Client) PutIfAbsent(ctx context.Context, key, value string, id domain.LeaseID) (bool, error) {
	state, ok := c.lease(id)
	if !ok {
		return false, errval.ErrLeaseExpired
	}

	alive, err := c.RedisClient.Exists(ctx, leaseKeyPrefix+string(id)).Result()
	if err != nil {
		return false, err
	}
	if alive == 0 {
		c.forget(id)
		return false, errval.ErrLeaseExpired
	}

	written, err := c.RedisClient.SetNX(ctx, key, value, state.ttl).Result()
	if err != nil || !written {
		return false, err
	}

	c.mu.Lock()
	if current, exists := c.leases[id]; exists {
		current.keys = append(current.keys, boundKey{key: key, value: value})
	}
	c.mu.Unlock()

	return true, nil
}

func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := c.RedisClient.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return value, true, nil
}

func (c *Client) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	deleted, err := compareAndDeleteScript.Run(ctx, c.RedisClient, []string{key}, value).Int()
	if err != nil {
		return false, err
	}

	return deleted == 1, nil
}

// Watch polls key every WatchInterval and reports value changes. Redis
// keyspace notifications are off by default, so polling keeps the client
// independent of server configuration.
func (c *Client) Watch(ctx context.Context, key string) (<-chan domain.WatchEvent, error) {
	value, found, err := c.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	interval := c.WatchInterval
	if interval <= 0 {
		interval = defaultWatchInterval
	}

	events := make(chan domain.WatchEvent, 1)
	go func() {
		defer close(events)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			current, exists, err := c.Get(ctx, key)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("Failed to poll watched key in redis", "key", key, "error", err.Error())
				continue
			}

			var event *domain.WatchEvent
			switch {
			case found && !exists:
				event = &domain.WatchEvent{Type: domain.EventDelete, Key: key}
			case exists && (!found || current != value):
				event = &domain.WatchEvent{Type: domain.EventPut, Key: key, Value: current}
			}
			value, found = current, exists

			if event != nil {
				select {
				case events <- *event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events, nil
}

func (c *Client) Close() (err error) {
	err = c.RedisClient.Close()
	return err
}

func (c *Client) Ping(ctx context.Context) (err error) {
	err = c.RedisClient.Ping(ctx).Err()
	return err
}

func (c *Client) lease(id domain.LeaseID) (leaseState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, ok := c.leases[id]
	if !ok {
		return leaseState{}, false
	}

	return leaseState{ttl: state.ttl, keys: append([]boundKey(nil), state.keys...)}, true
}

func (c *Client) forget(id domain.LeaseID) {
	c.mu.Lock()
	delete(c.leases, id)
	c.mu.Unlock()
}
