package lock

import (
	"context"
)

// Locker hands out exclusive locks per key (a digest, an image reference,
// a chain id). Unrelated keys never contend.
// AcquireLock blocks until the lock is acquired or ctx is cancelled.
type Locker interface {
	AcquireLock(ctx context.Context, key string) (Lock, error)
}

// Lock represents an acquired lock that must be released
type Lock interface {
	Release() error
}
