// Package store wraps the shared coordination service every gateway instance
// can reach. All cross-instance state (session directory, rate-limit counters,
// match queues) and all cross-instance fan-out go through a Store.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrLockHeld is returned by Lock when another holder owns the key.
var ErrLockHeld = errors.New("store: lock held")

// Handler receives a published message. Delivery is fire-and-forget: no
// acknowledgement, no retry, no ordering guarantee across publishers.
type Handler func(channel string, payload []byte)

// Store is the typed coordination-store client. Redis is the production
// implementation; Memory backs tests.
type Store interface {
	// Get returns the value and whether the key exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// IncrWindow atomically increments the counter at key and, on the first
	// increment of a window, arms the expiry. Returns the count within the
	// current window.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// Unordered set operations backing the match queues.
	SetAdd(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
	SetRemove(ctx context.Context, key string, members ...string) error

	// ScanKeys returns keys matching a glob pattern. Bounded use only.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages on the named channels to handler until ctx
	// is cancelled. It returns once the subscription is established.
	Subscribe(ctx context.Context, handler Handler, channels ...string) error
	// PSubscribe is Subscribe with glob patterns.
	PSubscribe(ctx context.Context, handler Handler, patterns ...string) error

	// Lock acquires a store-side mutex on key for at most ttl. The returned
	// release is safe to call once; it only frees the lock if this caller
	// still holds it. Returns ErrLockHeld when contended.
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(ctx context.Context) error, err error)

	Ping(ctx context.Context) error
	Close() error
}
