// Package lease guards job lanes so two invocations of the same job never overlap.
package lease

import (
	"context"
	"time"
)

// Release gives a held lease back. It is safe to call more than once.
type Release func(ctx context.Context) error

// Locker hands out exclusive, non-blocking leases keyed by name.
type Locker interface {
	// Acquire returns ok=false without waiting when the key is already held.
	Acquire(ctx context.Context, key string) (release Release, ok bool, err error)
}

// Expiring is a Locker whose leases lapse on their own once TTL has passed, held or not.
type Expiring interface {
	Locker
	TTL() time.Duration
}
