package pricing

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequiredUnclaimed(t *testing.T) {
	assert.Equal(t, int64(BasePrice), Required(nil).Int64())
	assert.Equal(t, int64(BasePrice), Required(big.NewInt(0)).Int64())
}

func TestNextEscalation(t *testing.T) {
	tests := []struct {
		paid int64
		want int64
	}{
		{1000, 1500},
		{1500, 2250},
		{2250, 3375},
		{3375, 5063}, // 5062.5 rounds half away from zero
		{1, 2},       // 1.5 -> 2
		{2, 3},
		{5, 8}, // 7.5 -> 8
	}
	for _, tt := range tests {
		got := Next(big.NewInt(tt.paid))
		assert.Equal(t, tt.want, got.Int64(), "Next(%d)", tt.paid)
	}
}

func TestNextMonotonic(t *testing.T) {
	price := Base()
	for i := 0; i < 100; i++ {
		next := Next(price)
		require.True(t, next.Cmp(price) >= 0, "price decreased at step %d: %s -> %s", i, price, next)
		price = next
	}
}

func TestNextDeterministic(t *testing.T) {
	paid := big.NewInt(123457)
	a := Next(paid)
	b := Next(paid)
	assert.Zero(t, a.Cmp(b))
	// The input must not be mutated.
	assert.Equal(t, int64(123457), paid.Int64())
}

func TestInBounds(t *testing.T) {
	assert.True(t, InBounds(0, 0))
	assert.True(t, InBounds(999, 999))
	assert.False(t, InBounds(-1, 0))
	assert.False(t, InBounds(0, 1000))
	assert.False(t, InBounds(1000, 500))
}
