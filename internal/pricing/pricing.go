// Package pricing implements the canonical price rule for pixel claims.
//
// Prices are integer raw units of the settlement asset (USDC, 6 decimals).
// A never-claimed pixel costs BasePrice; every successful claim multiplies
// the amount actually paid by 3/2, rounded half away from zero at one raw
// unit. The same constants back the on-chain mirror contract, so the two
// settlement paths agree bit for bit.
package pricing

import "math/big"

const (
	// BasePrice is the price of a never-claimed pixel, in raw units
	// (1000 raw units = 0.001 USDC).
	BasePrice = 1000

	// MultiplierNum and MultiplierDen encode the 1.5x price escalation as
	// an exact rational so every computation of the rule is identical.
	MultiplierNum = 3
	MultiplierDen = 2

	// GridSize is the canvas edge length; coordinates are [0, GridSize).
	GridSize = 1000
)

// Base returns BasePrice as a big.Int.
func Base() *big.Int {
	return big.NewInt(BasePrice)
}

// Next returns the required price after a claim that paid the given amount:
// paid * 3 / 2, rounded half away from zero at one raw unit. With a
// denominator of 2 the only fractional case is exactly one half, which
// rounds up.
func Next(paid *big.Int) *big.Int {
	n := new(big.Int).Mul(paid, big.NewInt(MultiplierNum))
	q, r := new(big.Int).QuoRem(n, big.NewInt(MultiplierDen), new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}

// Required returns the current required price for a pixel given the amount
// paid by its last claim. lastPaid == nil means the pixel has never been
// claimed. Pure and total over the grid: callers validate coordinates.
func Required(lastPaid *big.Int) *big.Int {
	if lastPaid == nil || lastPaid.Sign() == 0 {
		return Base()
	}
	return Next(lastPaid)
}

// InBounds reports whether (x, y) lies on the canvas.
func InBounds(x, y int) bool {
	return x >= 0 && x < GridSize && y >= 0 && y < GridSize
}
