// ABOUTME: Durable key-value store contract used for session credentials and keys
// ABOUTME: Byte-string get/set/delete with optional TTL and prefix operations

package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("kv: not found")

// Store is a byte-string key-value store with optional per-key expiry.
// Implementations handle their own internal concurrency and must never
// serve cached reads.
type Store interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// MGet returns the values for the given keys. Missing keys are omitted.
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)

	// Set stores value at key. A ttl <= 0 means no expiry; a positive ttl
	// replaces any previous expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetMany stores all values atomically with the same ttl semantics as Set.
	SetMany(ctx context.Context, values map[string][]byte, ttl time.Duration) error

	// Delete removes the given keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error

	// Keys lists every live key starting with prefix. Order is unspecified.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// JoinKey composes a namespaced key of the form <namespace>:<part>:<part>...
func JoinKey(parts ...string) string {
	return strings.Join(parts, ":")
}
