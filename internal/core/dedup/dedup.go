// Package dedup records that a side-effecting operation has already run,
// turning at-least-once delivery into at-most-once side effects.
//
// A key moves through two phases: Claim takes a short lease (pending),
// Complete turns it into a durable done marker with its own TTL. A pending
// lease that outlives its deadline can be claimed again, so a crashed
// worker does not block redelivery until the done TTL expires.
package dedup

import (
	"context"
	"errors"
	"time"
)

// Outcome is the result of Claim.
type Outcome int

const (
	// Acquired: the caller owns the key and must Complete or Release it.
	Acquired Outcome = iota
	// Done: the operation already ran; the caller must skip it.
	Done
	// Busy: another worker holds a live lease.
	Busy
)

func (o Outcome) String() string {
	switch o {
	case Acquired:
		return "acquired"
	case Done:
		return "done"
	case Busy:
		return "busy"
	}
	return "unknown"
}

// ErrInvalidTTL is returned for non-positive lease or retention durations.
var ErrInvalidTTL = errors.New("dedup: ttl must be positive")

// Store is a namespaced claim-if-absent record with expiry.
type Store interface {
	// Claim atomically takes key for lease unless it is done or leased.
	Claim(ctx context.Context, key Key, lease time.Duration) (Outcome, error)

	// Complete marks key done and keeps it for ttl.
	Complete(ctx context.Context, key Key, ttl time.Duration) error

	// Check reports whether key is done and not expired.
	Check(ctx context.Context, key Key) (bool, error)

	// Release drops key whatever its phase so the operation can run again immediately.
	Release(ctx context.Context, key Key) error

	// Expire purges records whose deadline is before now and returns how many.
	Expire(ctx context.Context, now time.Time) (int64, error)
}

// Policy holds the durations used by callers.
type Policy struct {
	Lease     time.Duration
	Retention time.Duration
}

// DefaultPolicy keeps done markers for a week and leases for two minutes.
func DefaultPolicy() Policy {
	return Policy{
		Lease:     2 * time.Minute,
		Retention: 7 * 24 * time.Hour,
	}
}

// ValidTTL rejects non-positive durations.
func ValidTTL(d time.Duration) error {
	if d <= 0 {
		return ErrInvalidTTL
	}
	return nil
}
