// Package store provides the shared key-value abstraction every component
// persists through: group definitions, instance status, metric samples,
// shutdown flags, grace markers, and audit entries. It is the only shared
// mutable state in the system.
package store

import (
	"context"
	"time"
)

// Store is a thin abstraction over a shared KV with TTLs, atomic
// set-if-absent, cursor scan, and the primitives LockManager is built on.
// Scans are cursor-based and NOT snapshot-consistent: a concurrent write
// during a scan may be observed or missed by the caller — callers must
// tolerate this.
type Store interface {
	// Set writes key=value with the given TTL. ttl of 0 means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// Get reads a single key. ok is false if the key does not exist.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Delete removes a key. It is not an error if the key does not exist.
	Delete(ctx context.Context, key string) error

	// ScanMatch returns every key matching the glob pattern. Not
	// snapshot-consistent.
	ScanMatch(ctx context.Context, pattern string) ([]string, error)

	// MGet reads multiple keys in one round trip. Missing keys are
	// returned as ok=false entries, preserving the input order.
	MGet(ctx context.Context, keys []string) ([]MGetResult, error)

	// SetIfAbsent atomically creates key with TTL iff it did not already
	// exist. acquired is true iff this call created it.
	SetIfAbsent(ctx context.Context, key string, ttl time.Duration) (acquired bool, err error)

	// Incr atomically increments key (creating it at 1 if absent) and
	// returns the new value. If this call created the key, ttl is applied.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// RPush appends value to the list at key, applying ttl to the list key.
	RPush(ctx context.Context, key, value string, ttl time.Duration) error

	// LRange returns list elements in [start, stop] (inclusive, 0-indexed;
	// negative indices count from the end, as in Redis).
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LTrim keeps only list elements in [start, stop], dropping the rest.
	LTrim(ctx context.Context, key string, start, stop int64) error
}

// MGetResult is one entry of a MGet response.
type MGetResult struct {
	Key   string
	Value string
	OK    bool
}

// ErrNotFound is returned by operations that require an existing key.
var ErrNotFound = errNotFound{}

type errNotFound struct{}

func (errNotFound) Error() string { return "store: key not found" }
