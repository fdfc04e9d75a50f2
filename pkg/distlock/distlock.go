// Package distlock provides a named TTL mutex on Redis.
//
// It exists to keep at most one refill or cleanup job running per
// (pool kind, scope). Acquisition is an atomic create-if-absent with TTL.
// Release only deletes the key while the caller still owns it and its TTL
// window has not elapsed, so a slow holder can never delete a newer owner's
// lock.
package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrNotAcquired means another worker holds the lock.
// This is informational, not a failure.
var ErrNotAcquired = errors.New("lock held by another owner")

// Mutex acquires named locks with a fixed TTL.
type Mutex struct {
	Redis *redis.Client
	Log   *zap.Logger
	TTL   time.Duration
}

// Lease is one successful acquisition.
type Lease struct {
	Key        string
	Owner      string
	AcquiredAt time.Time

	mu *Mutex
}

// releaseScript deletes the lock key only if the stored owner matches.
// Keys: 1. lock key. Arguments: 1. owner.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

var release = redis.NewScript(releaseScript)

// TryAcquire attempts to take the named lock.
// Returns ErrNotAcquired when another owner holds it.
func (m *Mutex) TryAcquire(ctx context.Context, key string) (*Lease, error) {
	var ownerBytes [16]byte
	if _, err := rand.Read(ownerBytes[:]); err != nil {
		return nil, fmt.Errorf("failed to get random owner: %w", err)
	}
	owner := hex.EncodeToString(ownerBytes[:])
	ok, err := m.Redis.SetNX(ctx, key, owner, m.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	return &Lease{Key: key, Owner: owner, AcquiredAt: time.Now(), mu: m}, nil
}

// Release drops the lease. If the TTL window has already elapsed locally the
// key is left untouched: it either expired on its own or belongs to a newer
// owner by now. The owner check on the server guards the race in between.
func (l *Lease) Release(ctx context.Context) error {
	if time.Since(l.AcquiredAt) >= l.mu.TTL {
		l.mu.Log.Warn("Lock outlived its TTL, skipping release",
			zap.String("lock.key", l.Key),
			zap.Duration("lock.ttl", l.mu.TTL))
		return nil
	}
	return release.Run(ctx, l.mu.Redis, []string{l.Key}, l.Owner).Err()
}

// With runs fn under the named lock, releasing it on all exit paths.
// When force is set the lock is bypassed entirely (operational recovery).
// Returns ErrNotAcquired without running fn when another owner holds the lock.
func (m *Mutex) With(ctx context.Context, key string, force bool, fn func(context.Context) error) error {
	if force {
		m.Log.Warn("Forced execution, ignoring lock", zap.String("lock.key", key))
		return fn(ctx)
	}
	lease, err := m.TryAcquire(ctx, key)
	if err != nil {
		return err
	}
	defer func() {
		if err := lease.Release(ctx); err != nil {
			m.Log.Error("Failed to release lock",
				zap.String("lock.key", key), zap.Error(err))
		}
	}()
	return fn(ctx)
}
