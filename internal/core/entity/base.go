package entity

import (
	"context"
	"time"
)

// Validatable is implemented by entities that support self-validation.
// Validation checks internal invariants (without database access).
type Validatable interface {
	// Validate checks entity invariants.
	// Returns nil if valid, AppError with details otherwise.
	Validate(ctx context.Context) error
}

// Stamp is the last-modified audit stamp kept on aggregates.
type Stamp struct {
	At time.Time `db:"updated_at" json:"updatedAt"`
	By string    `db:"updated_by" json:"updatedBy"`
}

// Touch moves the stamp forward.
func (s *Stamp) Touch(actor string, at time.Time) {
	s.At = at.UTC()
	s.By = actor
}
