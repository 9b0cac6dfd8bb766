// Package memlease is an in-process domain.LeaseService for single-node
// deployments and tests. Leases expire on the same clock as the caller, so
// candidates sharing one Service see the same semantics as against etcd.
package memlease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sf7293/task-scheduler/internal/domain"
	"github.com/sf7293/task-scheduler/internal/errval"
)

const (
	reapInterval = 10 * time.Millisecond
	watchBuffer  = 128
)

type lease struct {
	ttl       time.Duration
	expiresAt time.Time
	keys      map[string]struct{}
}

type item struct {
	value string
	lease domain.LeaseID
}

type Service struct {
	mu       sync.Mutex
	nextID   int64
	leases   map[domain.LeaseID]*lease
	items    map[string]item
	watchers map[string]map[chan domain.WatchEvent]struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

var _ domain.LeaseService = (*Service)(nil)

func NewService() *Service {
	s := &Service{
		leases:   make(map[domain.LeaseID]*lease),
		items:    make(map[string]item),
		watchers: make(map[string]map[chan domain.WatchEvent]struct{}),
		stop:     make(chan struct{}),
	}
	go s.reap()

	return s
}

func (s *Service) Ping(ctx context.Context) (err error) {
	select {
	case <-s.stop:
		return errval.ErrInternal
	default:
		return ctx.Err()
	}
}

func (s *Service) Grant(ctx context.Context, ttl time.Duration) (domain.LeaseID, error) {
	if ttl <= 0 {
		return "", fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	id := domain.LeaseID(fmt.Sprintf("lease-%d", s.nextID))
	s.leases[id] = &lease{
		ttl:       ttl,
		expiresAt: time.Now().Add(ttl),
		keys:      make(map[string]struct{}),
	}

	return id, nil
}

func (s *Service) KeepAlive(ctx context.Context, id domain.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(time.Now())
	l, ok := s.leases[id]
	if !ok {
		return errval.ErrLeaseExpired
	}

	l.expiresAt = time.Now().Add(l.ttl)
	return nil
}

func (s *Service) Revoke(ctx context.Context, id domain.LeaseID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.revokeLocked(id)
	return nil
}

func (s *Service) PutIfAbsent(ctx context.Context, key, value string, id domain.LeaseID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(time.Now())
	l, ok := s.leases[id]
	if !ok {
		return false, errval.ErrLeaseExpired
	}

	if _, exists := s.items[key]; exists {
		return false, nil
	}

	s.items[key] = item{value: value, lease: id}
	l.keys[key] = struct{}{}
	s.notifyLocked(domain.WatchEvent{Type: domain.EventPut, Key: key, Value: value})
	return true, nil
}

func (s *Service) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(time.Now())
	it, ok := s.items[key]
	return it.value, ok, nil
}

func (s *Service) DeleteIfValue(ctx context.Context, key, value string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLocked(time.Now())
	it, ok := s.items[key]
	if !ok || it.value != value {
		return false, nil
	}

	s.deleteLocked(key)
	return true, nil
}

func (s *Service) Watch(ctx context.Context, key string) (<-chan domain.WatchEvent, error) {
	ch := make(chan domain.WatchEvent, watchBuffer)

	s.mu.Lock()
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[chan domain.WatchEvent]struct{})
	}
	s.watchers[key][ch] = struct{}{}
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.stop:
		}

		s.mu.Lock()
		delete(s.watchers[key], ch)
		close(ch)
		s.mu.Unlock()
	}()

	return ch, nil
}

func (s *Service) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	return nil
}

func (s *Service) reap() {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.mu.Lock()
			s.expireLocked(now)
			s.mu.Unlock()
		}
	}
}

func (s *Service) expireLocked(now time.Time) {
	for id, l := range s.leases {
		if !now.Before(l.expiresAt) {
			s.revokeLocked(id)
		}
	}
}

func (s *Service) revokeLocked(id domain.LeaseID) {
	l, ok := s.leases[id]
	if !ok {
		return
	}

	for key := range l.keys {
		if it, exists := s.items[key]; exists && it.lease == id {
			s.deleteLocked(key)
		}
	}
	delete(s.leases, id)
}

func (s *Service) deleteLocked(key string) {
	it := s.items[key]
	delete(s.items, key)
	if l, ok := s.leases[it.lease]; ok {
		delete(l.keys, key)
	}
	s.notifyLocked(domain.WatchEvent{Type: domain.EventDelete, Key: key})
}

func (s *Service) notifyLocked(event domain.WatchEvent) {
	for ch := range s.watchers[event.Key] {
		select {
		case ch <- event:
		default:
			slog.Warn("dropping lease watch event for slow watcher", "key", event.Key, "type", event.Type)
		}
	}
}
