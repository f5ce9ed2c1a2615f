// Package lock provides a single-node distributed lease on top of Redis,
// used to serialize per-group autoscaling work and job-creation across
// concurrent instances of the controller.
package lock

import (
	"context"
	crand "crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotAcquired is returned by Acquire when the lease could not be obtained
// after exhausting all retries.
var ErrNotAcquired = errors.New("lock: not acquired")

const (
	retryCount  = 3
	retryDelay  = 200 * time.Millisecond
	driftFactor = 0.01
)

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// Manager acquires and releases leases keyed by name, backed by a single
// Redis instance. It implements the Redlock single-node algorithm: a
// random token per lease, SET NX PX for acquisition, a Lua-scripted
// compare-and-delete for release, and a clock-drift correction subtracted
// from the effective validity window.
type Manager struct {
	rdb *redis.Client
}

// NewManager creates a lock Manager over the given Redis client.
func NewManager(rdb *redis.Client) *Manager {
	return &Manager{rdb: rdb}
}

// Lease is a held lock. Callers must call Release when done, ideally via
// defer, to avoid holding the lease for its full TTL.
type Lease struct {
	mgr   *Manager
	key   string
	token string
	ttl   time.Duration
}

// Acquire attempts to obtain the named lease, retrying up to retryCount
// times with jittered backoff before giving up. ttl is the lease validity
// window; the caller should choose it comfortably longer than the
// protected work is expected to take.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	key := lockKey(name)
	token, err := randomToken()
	if err != nil {
		return nil, fmt.Errorf("lock: generating token: %w", err)
	}

	for attempt := 0; attempt <= retryCount; attempt++ {
		start := time.Now()
		ok, err := m.rdb.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("lock: acquiring %q: %w", name, err)
		}

		elapsed := time.Since(start)
		drift := time.Duration(float64(ttl)*driftFactor) + 2*time.Millisecond
		validity := ttl - elapsed - drift

		if ok && validity > 0 {
			return &Lease{mgr: m, key: key, token: token, ttl: ttl}, nil
		}

		if attempt == retryCount {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(jitter(retryDelay)):
		}
	}

	return nil, fmt.Errorf("%w: %s", ErrNotAcquired, name)
}

// Release gives up the lease if this Manager still owns it. Releasing an
// already-expired or already-released lease is not an error.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.mgr.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("lock: releasing %q: %w", l.key, err)
	}
	return nil
}

// Extend pushes the lease's expiry out by its original TTL, iff this
// Manager still owns it. Used by long-running holders to avoid losing
// the lease mid-operation.
func (l *Lease) Extend(ctx context.Context) error {
	res, err := extendScript.Run(ctx, l.mgr.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("lock: extending %q: %w", l.key, err)
	}
	if res == 0 {
		return fmt.Errorf("lock: extending %q: %w", l.key, ErrNotAcquired)
	}
	return nil
}

func lockKey(name string) string {
	return fmt.Sprintf("lock:%s", name)
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := crand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func jitter(base time.Duration) time.Duration {
	spread := base / 2
	return base - spread/2 + time.Duration(rand.Int63n(int64(spread)))
}
