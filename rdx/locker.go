package rdx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// ErrLocked is returned when the lock is held elsewhere.
var ErrLocked = errors.New("rdx: lock is held")

// Unlock releases a lock obtained from a Locker.
type Unlock func()

type Locker interface {
	// Obtain tries up to tries times to take key for ttl.
	Obtain(ctx context.Context, key string, ttl time.Duration, tries int) (Unlock, error)
}

// RedisLocker is a redsync-backed lock shared by every instance.
type RedisLocker struct {
	rs *redsync.Redsync
}

func NewRedisLocker(conn *redis.Client) *RedisLocker {
	return &RedisLocker{rs: redsync.New(goredis.NewPool(conn))}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration, tries int) (Unlock, error) {
	if tries < 1 {
		tries = 1
	}
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(tries),
		redsync.WithRetryDelay(100*time.Millisecond),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, redsync.ErrFailed) {
			log.WithError(err).WithField("key", key).Debug("lock not acquired")
		}
		return nil, ErrLocked
	}
	return func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).WithField("key", key).Warn("unlock failed")
		}
	}, nil
}

// LocalLocker serializes within a single process. Used when Redis is not configured.
type LocalLocker struct {
	mu   sync.Mutex
	seq  uint64
	held map[string]lease
}

// lease identifies one acquisition so a holder whose TTL lapsed cannot
// release the next holder's lock.
type lease struct {
	token uint64
	until time.Time
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: map[string]lease{}}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, ttl time.Duration, tries int) (Unlock, error) {
	if tries < 1 {
		tries = 1
	}
	for i := 0; i < tries; i++ {
		if token, ok := l.try(key, ttl); ok {
			return func() { l.release(key, token) }, nil
		}
		if i == tries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, ErrLocked
}

func (l *LocalLocker) try(key string, ttl time.Duration) (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if cur, ok := l.held[key]; ok && now.Before(cur.until) {
		return 0, false
	}
	l.seq++
	l.held[key] = lease{token: l.seq, until: now.Add(ttl)}
	return l.seq, true
}

func (l *LocalLocker) release(key string, token uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
}
