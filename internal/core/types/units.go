// Package types provides common value types shared across domains.
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Quantity is an order-line quantity as sent by the order domain.
// Uses decimal.Decimal to avoid floating-point errors on values like "3.000".
type Quantity = decimal.Decimal

// NewQuantity creates a Quantity from an integer unit count.
func NewQuantity(units int64) Quantity {
	return decimal.NewFromInt(units)
}

// ParseQuantity creates a Quantity from its string form.
func ParseQuantity(s string) (Quantity, error) {
	return decimal.NewFromString(s)
}

// Units converts a quantity into a count of physical units.
// Marked goods are counted per piece, so fractional or negative
// quantities are rejected.
func Units(q Quantity) (int, error) {
	if q.IsNegative() {
		return 0, fmt.Errorf("negative quantity %s", q.String())
	}
	if !q.Equal(q.Truncate(0)) {
		return 0, fmt.Errorf("fractional quantity %s cannot be marked per unit", q.String())
	}
	return int(q.IntPart()), nil
}
