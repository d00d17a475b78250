package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Locker serializes indexing of the same document. The returned unlock
// function is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, documentID int64) (unlock func(), err error)
}

// MemoryLocker is an in-process keyed mutex. Entries are dropped once no
// goroutine holds or waits for them.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[int64]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[int64]*keyLock)}
}

// Lock blocks until documentID is free or ctx is done.
func (m *MemoryLocker) Lock(ctx context.Context, documentID int64) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[documentID]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[documentID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(documentID, l)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.ch
			m.release(documentID, l)
		})
	}, nil
}

func (m *MemoryLocker) release(documentID int64, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, documentID)
	}
}

// held reports how many keys currently have holders or waiters.
func (m *MemoryLocker) held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

// unlockScript deletes the key only if it still holds our token, so an
// expired lease never releases another replica's lock.
var unlockScript = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a lease-based lock shared by every replica using the same
// Redis. A holder that dies releases the document after ttl.
type RedisLocker struct {
	client *goredis.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
}

// NewRedisLocker connects to addr and verifies the connection.
func NewRedisLocker(ctx context.Context, addr string, ttl time.Duration) (*RedisLocker, error) {
	if addr == "" {
		return nil, fmt.Errorf("redis lock: address is empty")
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisLocker{client: client, ttl: ttl, retry: 100 * time.Millisecond, prefix: "medrag:doclock:"}, nil
}

// Lock polls SET NX until the lease is acquired or ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, documentID int64) (func(), error) {
	key := fmt.Sprintf("%s%d", r.prefix, documentID)
	token := uuid.NewString()
	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = unlockScript.Run(releaseCtx, r.client, []string{key}, token).Err()
		})
	}, nil
}

// Close closes the Redis client.
func (r *RedisLocker) Close() error {
	return r.client.Close()
}
