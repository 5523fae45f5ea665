package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnits(t *testing.T) {
	q, err := ParseQuantity("3.000")
	require.NoError(t, err)
	n, err := Units(q)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = Units(NewQuantity(0))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = Units(decimalMust(t, "1.5"))
	assert.Error(t, err)

	_, err = Units(decimalMust(t, "-2"))
	assert.Error(t, err)
}

func decimalMust(t *testing.T, s string) Quantity {
	t.Helper()
	q, err := ParseQuantity(s)
	require.NoError(t, err)
	return q
}
