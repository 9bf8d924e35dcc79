package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bsm/redislock"
)

// ErrAlreadyRunning is returned when another backfill holds the lock.
var ErrAlreadyRunning = errors.New("backfill: another backfill is already running")

// Locker guarantees at most one backfill runs at a time.
type Locker interface {
	// Acquire takes the named lock or fails with ErrAlreadyRunning. The
	// returned func releases it.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// LocalLocker is an in-process Locker for single-instance deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) Acquire(_ context.Context, name string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return nil, ErrAlreadyRunning
	}
	l.held[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, nil
}

// RedisLocker is a Locker shared by every instance pointed at the same Redis.
// The lock is refreshed every ttl/2 while held, so a crashed holder frees it
// after at most ttl.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewRedisLocker(rdb redislock.RedisClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb), ttl: ttl}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string) (func(), error) {
	lockKey := fmt.Sprintf("lock:%s", name)
	lock, err := l.client.Obtain(ctx, lockKey, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrAlreadyRunning
	} else if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", lockKey, err)
	}

	stop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if err := lock.Refresh(context.Background(), l.ttl, nil); err != nil {
					slog.Warn("backfill lock refresh failed", "key", lockKey, "err", err)
					return
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			if err := lock.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
				slog.Warn("backfill lock release failed", "key", lockKey, "err", err)
			}
		})
	}, nil
}
