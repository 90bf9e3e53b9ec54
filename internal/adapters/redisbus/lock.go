package redisbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"fusionbot/internal/ports"
)

// unlockLua deletes the lock only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// CycleLock is a SET NX lock with a TTL longer than any cycle.
type CycleLock struct {
	rdb    *redis.Client
	key    string
	ttl    time.Duration
	unlock *redis.Script
}

var _ ports.CycleLock = (*CycleLock)(nil)

// NewCycleLock creates the lock for one account. ttl bounds how long a crashed
// holder can block the others.
func NewCycleLock(c *Client, account string, ttl time.Duration) *CycleLock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CycleLock{
		rdb:    c.rdb,
		key:    c.Key("lock:cycle:" + account),
		ttl:    ttl,
		unlock: redis.NewScript(unlockLua),
	}
}

// Acquire returns ports.ErrLockHeld when another runner owns the lock.
// The returned unlock function is safe to call more than once.
func (l *CycleLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire %s: %w", l.key, err)
	}
	if !ok {
		return nil, ports.ErrLockHeld
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The cycle context may already be cancelled on shutdown.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.unlock.Run(unlockCtx, l.rdb, []string{l.key}, token).Err()
		})
	}, nil
}
