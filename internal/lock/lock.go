// Package lock guards admin recovery operations so two operators cannot
// retry or compensate the same saga instance at once.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	goredis "github.com/redis/go-redis/v9"
)

// ErrHeld is returned by TryLock when the key is locked by someone else.
var ErrHeld = errors.New("lock: already held")

// Release frees a lock obtained from TryLock.
type Release func(ctx context.Context) error

// Locker hands out exclusive, expiring locks by key.
type Locker interface {
	TryLock(ctx context.Context, key string) (Release, error)
}

// AdminKey is the lock key of an admin operation on a saga log row.
func AdminKey(logID int64) string {
	return fmt.Sprintf("saga:admin:%d", logID)
}

var releaseScript = goredis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Redis is a Locker shared by every sagad process using the same Redis.
type Redis struct {
	client goredis.UniversalClient
	ttl    time.Duration
}

// NewRedis returns a Redis locker whose locks expire after ttl unless
// released first.
func NewRedis(client goredis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

// TryLock implements Locker. It never waits.
func (r *Redis) TryLock(ctx context.Context, key string) (Release, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}
	return func(ctx context.Context) error {
		// only the holder's token may delete the key
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("release lock %s: %w", key, err)
		}
		return nil
	}, nil
}

// Local is an in-process Locker for single-node deployments without Redis.
type Local struct {
	held *xsync.MapOf[string, time.Time]
	ttl  time.Duration
	now  func() time.Time
}

// NewLocal returns a Local locker with the given expiry.
func NewLocal(ttl time.Duration) *Local {
	return &Local{held: xsync.NewMapOf[string, time.Time](), ttl: ttl, now: time.Now}
}

// TryLock implements Locker.
func (l *Local) TryLock(_ context.Context, key string) (Release, error) {
	now := l.now()
	acquired := false
	l.held.Compute(key, func(expires time.Time, loaded bool) (time.Time, bool) {
		if loaded && now.Before(expires) {
			return expires, false
		}
		acquired = true
		return now.Add(l.ttl), false
	})
	if !acquired {
		return nil, ErrHeld
	}
	return func(context.Context) error {
		l.held.Delete(key)
		return nil
	}, nil
}
