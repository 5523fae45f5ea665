// Package tx provides transaction management abstractions.
// Domain services depend on these interfaces; implementations live in
// infrastructure/storage (postgres and memory).
package tx

import (
	"context"
)

// Manager defines the contract for transaction management.
type Manager interface {
	// RunInTransaction executes fn within one unit of work.
	// If fn returns an error, every write made through ctx is discarded.
	//
	// Nested calls reuse the existing transaction from context.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ReadOnlyManager extends Manager with read-only transaction support.
type ReadOnlyManager interface {
	Manager

	// ReadOnly executes fn in a read-only transaction.
	ReadOnly(ctx context.Context, fn func(ctx context.Context) error) error
}

// ManagerFunc adapts a function to Manager.
type ManagerFunc func(ctx context.Context, fn func(ctx context.Context) error) error

// RunInTransaction calls f.
func (f ManagerFunc) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// Passthrough runs fn directly. Useful for stores whose methods are
// individually atomic.
var Passthrough = ManagerFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
})
