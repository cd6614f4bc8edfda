package versioning

import (
	"context"
	"crypto/rand"
	"database/sql"
	"database/sql/driver"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"os"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker serializes writers of one data source. unlock must be called
// exactly once after a successful Lock.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is the in-process Locker.
type KeyedMutex struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{slots: map[string]*slot{}}
}

func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	s, ok := m.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		m.slots[key] = s
	}
	s.refs++
	m.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(key, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			m.release(key, s)
		})
	}, nil
}

func (m *KeyedMutex) release(key string, s *slot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(m.slots, key)
	}
}

const (
	lockPrefix       = "dataforge:lock:"
	defaultLockTTL   = 5 * time.Minute
	lockPollInterval = 50 * time.Millisecond
	maxPollInterval  = time.Second
)

// RedisLocker is a Locker shared by every process using the same Redis. The
// key expires after ttl so a crashed holder cannot block forever.
type RedisLocker struct {
	client  *redis.Client
	ownerID string
	ttl     time.Duration
	local   *KeyedMutex
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}
	return &RedisLocker{client: client, ownerID: ownerID(), ttl: ttl, local: NewKeyedMutex()}
}

func ownerID() string {
	hostname, _ := os.Hostname()
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), hex.EncodeToString(b))
}

func (l *RedisLocker) OwnerID() string { return l.ownerID }

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Lock polls SETNX with capped backoff until the key is taken or ctx ends.
// Goroutines of this process queue on a local mutex first so they share one
// owner id safely.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	k := lockPrefix + key
	wait := lockPollInterval
	for {
		ok, err := l.client.SetNX(ctx, k, l.ownerID, l.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(wait):
		}
		if wait *= 2; wait > maxPollInterval {
			wait = maxPollInterval
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			// on failure the key still expires after ttl
			_ = releaseScript.Run(rctx, l.client, []string{k}, l.ownerID).Err()
			unlockLocal()
		})
	}, nil
}

// AdvisoryLocker uses postgres session advisory locks. Each held lock pins
// one pooled connection until released.
type AdvisoryLocker struct {
	db *sql.DB
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

func advisoryKey(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(lockPrefix + name))
	return int64(h.Sum64())
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	id := advisoryKey(key)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			uctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := conn.ExecContext(uctx, "SELECT pg_advisory_unlock($1)", id); err != nil {
				// discard the session so the server drops the lock with it
				_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
			}
			conn.Close()
		})
	}, nil
}
