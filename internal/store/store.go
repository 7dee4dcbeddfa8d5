// Package store provides deduplication, per-key lease locking, and task
// result passback over two interchangeable backends: an in-process one for
// single-replica deployments and a Redis one for shared state.
package store

import (
	"context"
	"time"

	"gitpilot/internal/task"
)

// Dedup records idempotency keys with a TTL.
type Dedup interface {
	// IsSeen reports whether the key was marked and has not expired.
	IsSeen(ctx context.Context, key string) (bool, error)
	// MarkSeen records the key for ttl. Marking an existing key is a no-op
	// beyond refreshing its TTL.
	MarkSeen(ctx context.Context, key string, ttl time.Duration) error
}

// Lock is a held lease. Release must run on every exit path; releasing a
// lease that has already expired is not an error.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker hands out per-key mutual exclusion with TTL-based leases. Acquire
// blocks (spinning with a small delay) until the lease is granted or ctx is
// done. While held, the backend renews the lease at half the TTL.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// ResultStore is the out-of-band channel through which isolated workers hand
// task results back to the controller.
type ResultStore interface {
	// GetResult returns the stored result for the task id, or ok=false when
	// none exists (or it expired).
	GetResult(ctx context.Context, taskID string) (res *task.Result, ok bool, err error)
	// PutResult stores the result under the task id for ttl.
	PutResult(ctx context.Context, taskID string, res *task.Result, ttl time.Duration) error
}

const (
	lockKeyPrefix   = "lock:"
	dedupKeyPrefix  = "dedup:"
	resultKeyPrefix = "result:"
)

// lockSpinDelay bounds how hard contenders hammer the backend.
const lockSpinDelay = 100 * time.Millisecond
