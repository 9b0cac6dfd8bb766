// Package leader elects a single dispatching node through a lease-scoped key.
package leader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
)

// Listener is notified synchronously every time this node gains or loses leadership.
type Listener func(isLeader bool)

type Config struct {
	NodeID   string
	Key      string
	LeaseTTL time.Duration
	// RetryInterval is the fixed pause between failed election attempts.
	RetryInterval time.Duration
}

// term is one continuous stretch of leadership backed by a single lease.
type term struct {
	lease    domain.LeaseID
	cancel   context.CancelFunc
	lost     chan struct{}
	lostOnce sync.Once
}

func (t *term) markLost() {
	t.lostOnce.Do(func() { close(t.lost) })
}

type Coordinator struct {
	leases domain.LeaseService
	cfg    Config

	isLeader atomic.Bool

	mu        sync.Mutex
	current   *term
	listeners []Listener
}

func NewCoordinator(leases domain.LeaseService, cfg Config) *Coordinator {
	return &Coordinator{leases: leases, cfg: cfg}
}

func (c *Coordinator) NodeID() string {
	return c.cfg.NodeID
}

// OnChange registers l. It must be called before Run.
func (c *Coordinator) OnChange(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, l)
}

// IsLeader never blocks; it reads the flag published by the election and keep-alive goroutines.
func (c *Coordinator) IsLeader() bool {
	return c.isLeader.Load()
}

// CurrentLeader returns the node id held under the leadership key, if any.
func (c *Coordinator) CurrentLeader(ctx context.Context) (string, bool, error) {
	value, found, err := c.leases.Get(ctx, c.cfg.Key)
	if err != nil {
		return "", false, &errval.CoordinationError{Op: "get", Err: err}
	}

	return value, found, nil
}

// TryBecomeLeader makes one election attempt. It returns errval.ErrNotLeader
// when another node holds the key.
func (c *Coordinator) TryBecomeLeader(ctx context.Context) error {
	if c.IsLeader() {
		return nil
	}

	lease, err := c.leases.Grant(ctx, c.cfg.LeaseTTL)
	if err != nil {
		return &errval.CoordinationError{Op: "grant", Err: err}
	}

	written, err := c.leases.PutIfAbsent(ctx, c.cfg.Key, c.cfg.NodeID, lease)
	if err != nil {
		c.revoke(lease)
		return &errval.CoordinationError{Op: "put", Err: err}
	}
	if !written {
		c.revoke(lease)
		return errval.ErrNotLeader
	}

	holder, found, err := c.leases.Get(ctx, c.cfg.Key)
	if err != nil {
		c.revoke(lease)
		return &errval.CoordinationError{Op: "confirm", Err: err}
	}
	if !found || holder != c.cfg.NodeID {
		c.revoke(lease)
		return errval.ErrNotLeader
	}

	keepAliveCtx, cancel := context.WithCancel(context.Background())
	t := &term{lease: lease, cancel: cancel, lost: make(chan struct{})}

	c.mu.Lock()
	c.current = t
	c.mu.Unlock()

	c.isLeader.Store(true)
	go c.keepAlive(keepAliveCtx, t)

	slog.Info("Became leader", "node_id", c.cfg.NodeID, "key", c.cfg.Key, "lease", lease)
	c.notify(true)

	return nil
}

// WatchLeaderChanges blocks while this node holds leadership. It returns nil
// once leadership has ended, or ctx.Err() when ctx is done first.
func (c *Coordinator) WatchLeaderChanges(ctx context.Context) error {
	t := c.term()
	if t == nil {
		return errval.ErrNotLeader
	}

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events, err := c.leases.Watch(watchCtx, c.cfg.Key)
	if err != nil {
		c.endTerm(t, "watch failed")
		return &errval.CoordinationError{Op: "watch", Err: err}
	}

	// the key may have changed between the election and the watch
	holder, found, err := c.leases.Get(ctx, c.cfg.Key)
	if err == nil && (!found || holder != c.cfg.NodeID) {
		c.endTerm(t, "leadership key changed before watch")
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.lost:
			c.endTerm(t, "keep-alive failed")
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				c.endTerm(t, "watch closed")
				return &errval.CoordinationError{Op: "watch", Err: errors.New("watch stream closed")}
			}

			switch {
			case ev.Type == domain.EventDelete:
				c.endTerm(t, "leadership key deleted")
				return nil
			case ev.Type == domain.EventPut && ev.Value != c.cfg.NodeID:
				c.endTerm(t, fmt.Sprintf("leadership taken by %s", ev.Value))
				return nil
			}
		}
	}
}

// Stop releases leadership voluntarily. It is a no-op when not leader.
func (c *Coordinator) Stop(ctx context.Context) error {
	t := c.term()
	if t == nil {
		return nil
	}

	if !c.detach(t) {
		return nil
	}

	var errs error
	if _, err := c.leases.DeleteIfValue(ctx, c.cfg.Key, c.cfg.NodeID); err != nil {
		errs = errors.Join(errs, &errval.CoordinationError{Op: "release", Err: err})
	}
	if err := c.leases.Revoke(ctx, t.lease); err != nil {
		errs = errors.Join(errs, &errval.CoordinationError{Op: "revoke", Err: err})
	}

	slog.Info("Released leadership", "node_id", c.cfg.NodeID)
	c.notify(false)

	return errs
}

// Run is the election loop. It retries TryBecomeLeader every RetryInterval,
// then blocks on WatchLeaderChanges while leader, until ctx is done.
// Leadership is released on exit.
func (c *Coordinator) Run(ctx context.Context) error {
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), c.cfg.LeaseTTL)
		defer cancel()

		if err := c.Stop(releaseCtx); err != nil {
			slog.Warn("Failed to release leadership on shutdown", "error", err.Error())
		}
	}()

	for {
		attempt := func() error {
			return c.TryBecomeLeader(ctx)
		}
		notify := func(err error, wait time.Duration) {
			if errors.Is(err, errval.ErrNotLeader) {
				slog.Debug("Leadership held by another node", "node_id", c.cfg.NodeID, "retry_in", wait)
				return
			}
			slog.Warn("Leader election attempt failed", "node_id", c.cfg.NodeID, "error", err.Error(), "retry_in", wait)
		}

		err := backoff.RetryNotify(attempt, backoff.WithContext(backoff.NewConstantBackOff(c.cfg.RetryInterval), ctx), notify)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			continue
		}

		if err := c.WatchLeaderChanges(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("Leadership watch ended with error", "node_id", c.cfg.NodeID, "error", err.Error())
		}
	}
}

func (c *Coordinator) keepAlive(ctx context.Context, t *term) {
	interval := c.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		renewCtx, cancel := context.WithTimeout(ctx, interval)
		err := c.leases.KeepAlive(renewCtx, t.lease)
		cancel()

		if err == nil {
			lastRenewed = time.Now()
			continue
		}
		if ctx.Err() != nil {
			return
		}

		slog.Warn("Failed to renew leader lease", "node_id", c.cfg.NodeID, "lease", t.lease, "error", err.Error())
		if errors.Is(err, errval.ErrLeaseExpired) || time.Since(lastRenewed) >= c.cfg.LeaseTTL {
			t.markLost()
			return
		}
	}
}

func (c *Coordinator) term() *term {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.current
}

// detach clears t as the current term and stops its keep-alive. It reports
// false if t was already ended by someone else.
func (c *Coordinator) detach(t *term) bool {
	c.mu.Lock()
	if c.current != t {
		c.mu.Unlock()
		return false
	}
	c.current = nil
	c.mu.Unlock()

	t.cancel()
	c.isLeader.Store(false)

	return true
}

func (c *Coordinator) endTerm(t *term, reason string) {
	if !c.detach(t) {
		return
	}

	c.revoke(t.lease)
	slog.Warn("Lost leadership", "node_id", c.cfg.NodeID, "reason", reason)
	c.notify(false)
}

func (c *Coordinator) revoke(lease domain.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LeaseTTL)
	defer cancel()

	if err := c.leases.Revoke(ctx, lease); err != nil {
		slog.Debug("Failed to revoke lease", "lease", lease, "error", err.Error())
	}
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	listeners := append([]Listener(nil), c.listeners...)
	c.mu.Unlock()

	for _, l := range listeners {
		l(isLeader)
	}
}
