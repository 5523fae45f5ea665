package markingcode

import (
	"context"
	"fmt"
	"strings"

	"markhub/internal/core/apperror"
	"markhub/internal/core/entity"
	"markhub/internal/core/id"
)

const (
	// groupSeparator delimits variable-length fields in GS1 DataMatrix codes.
	groupSeparator = '\x1d'

	minCodeLength = 8
	maxCodeLength = 512
)

var _ entity.Validatable = Payload{}

// Validate checks the decoded code string.
// Printable ASCII plus the GS1 group separator is accepted.
func (p Payload) Validate(_ context.Context) error {
	code := strings.TrimSpace(p.Code)
	if code == "" {
		return apperror.NewValidation("marking code is empty")
	}
	if n := len(code); n < minCodeLength || n > maxCodeLength {
		return apperror.NewValidation(
			fmt.Sprintf("marking code length %d is outside [%d, %d]", n, minCodeLength, maxCodeLength),
		).WithDetail("length", n)
	}
	for i, r := range code {
		if r == groupSeparator {
			continue
		}
		if r < 0x20 || r > 0x7e {
			return apperror.NewValidation(
				fmt.Sprintf("marking code has unsupported character at position %d", i),
			).WithDetail("position", i)
		}
	}
	return nil
}

// Validate checks the structural attributes. These are rejected outright
// because a code without an owner or product can never be allocated.
func (r CreateRequest) Validate(_ context.Context) error {
	switch {
	case id.IsNil(r.OwnerUserID):
		return apperror.NewValidation("owner user is required")
	case id.IsNil(r.OwnerProfileID):
		return apperror.NewValidation("owner profile is required")
	case id.IsNil(r.Product.ProductID):
		return apperror.NewValidation("product is required")
	}
	return nil
}
