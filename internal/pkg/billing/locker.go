package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes reconciliation passes per user. The returned func
// releases the lock and is safe to call once.
type Locker interface {
	Lock(ctx context.Context, userID uint) (func(), error)
}

// MemoryLocker is an in-process keyed mutex for single-instance deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[uint]*userLock
}

type userLock struct {
	ch   chan struct{}
	refs int
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[uint]*userLock)}
}

func (m *MemoryLocker) Lock(ctx context.Context, userID uint) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		m.locks[userID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(userID, l, false)
		return nil, fmt.Errorf("%w: user %d: %v", ErrLockTimeout, userID, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(userID, l, true) })
	}, nil
}

func (m *MemoryLocker) release(userID uint, l *userLock, held bool) {
	if held {
		<-l.ch
	}
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, userID)
	}
	m.mu.Unlock()
}

const lockKeyPrefix = "billing:lock:user:"

// releaseScript deletes the key only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the caller still owns the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker is a SET NX PX lock shared by every instance using the same Redis.
// While held, the key's TTL is renewed every ttl/3 so a pass that outlives the
// TTL keeps its lock.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	wait   time.Duration
	retry  time.Duration
}

func NewRedisLocker(client *redis.Client, ttl, wait time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if wait <= 0 {
		wait = 10 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, wait: wait, retry: 50 * time.Millisecond}
}

func (r *RedisLocker) Lock(ctx context.Context, userID uint) (func(), error) {
	key := fmt.Sprintf("%s%d", lockKeyPrefix, userID)
	token := uuid.NewString()
	deadline := time.Now().Add(r.wait)

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: user %d", ErrLockTimeout, userID)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: user %d: %v", ErrLockTimeout, userID, ctx.Err())
		case <-time.After(r.retry):
		}
	}

	stop := make(chan struct{})
	stopped := make(chan struct{})
	go r.keepAlive(key, token, stop, stopped)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-stopped
			// Release with a fresh context so a cancelled request still unlocks.
			relCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
				log.Warnf("[Locker] Failed to release %s: %v", key, err)
			}
		})
	}, nil
}

func (r *RedisLocker) keepAlive(key, token string, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := extendScript.Run(ctx, r.client, []string{key}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				log.Warnf("[Locker] Failed to extend %s: %v", key, err)
				continue
			}
			if n == 0 {
				log.Warnf("[Locker] Lost %s before release", key)
				return
			}
		}
	}
}
