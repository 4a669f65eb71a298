// Package settle splits a claim's gross payment among the previous owner,
// the treasury, the loot pool, and the maintenance wallet.
package settle

import (
	"fmt"
	"math/big"
)

// Policy holds the distribution percentages. On a resale the rebate share
// goes to the pixel's previous owner; on a first claim it is redirected to
// the treasury. The four shares must sum to 100, validated once at startup.
type Policy struct {
	RebatePct   int `yaml:"rebate_pct"`
	TreasuryPct int `yaml:"treasury_pct"`
	LootPct     int `yaml:"loot_pct"`
	DevPct      int `yaml:"dev_pct"`
}

// DefaultPolicy is the canonical 40/40/10/10 split.
func DefaultPolicy() Policy {
	return Policy{RebatePct: 40, TreasuryPct: 40, LootPct: 10, DevPct: 10}
}

// Validate checks the percentages are non-negative and sum to exactly 100.
func (p Policy) Validate() error {
	for name, pct := range map[string]int{
		"rebate": p.RebatePct, "treasury": p.TreasuryPct,
		"loot": p.LootPct, "dev": p.DevPct,
	} {
		if pct < 0 {
			return fmt.Errorf("settle: %s percentage is negative: %d", name, pct)
		}
	}
	if sum := p.RebatePct + p.TreasuryPct + p.LootPct + p.DevPct; sum != 100 {
		return fmt.Errorf("settle: distribution percentages sum to %d, want 100", sum)
	}
	return nil
}

// Distribution is the immutable record of one claim's split. The four cuts
// sum exactly to Gross; integer division remainders land in the treasury
// cut, the pooled and least time-sensitive bucket.
type Distribution struct {
	Gross         *big.Int
	Rebate        *big.Int
	Treasury      *big.Int
	Loot          *big.Int
	Dev           *big.Int
	PreviousOwner string
}

// Distribute splits gross among the stakeholders. previousOwner == "" marks
// a first claim: the rebate share is zero and its percentage folds into the
// treasury. Gross below the required price is a caller bug, not a condition
// handled here; Distribute never fails for non-negative gross.
func (p Policy) Distribute(gross *big.Int, previousOwner string) Distribution {
	loot := pctOf(gross, p.LootPct)
	dev := pctOf(gross, p.DevPct)

	rebate := big.NewInt(0)
	if previousOwner != "" {
		rebate = pctOf(gross, p.RebatePct)
	}

	treasury := new(big.Int).Set(gross)
	treasury.Sub(treasury, rebate)
	treasury.Sub(treasury, loot)
	treasury.Sub(treasury, dev)

	return Distribution{
		Gross:         new(big.Int).Set(gross),
		Rebate:        rebate,
		Treasury:      treasury,
		Loot:          loot,
		Dev:           dev,
		PreviousOwner: previousOwner,
	}
}

// pctOf returns gross * pct / 100, floored.
func pctOf(gross *big.Int, pct int) *big.Int {
	n := new(big.Int).Mul(gross, big.NewInt(int64(pct)))
	return n.Div(n, big.NewInt(100))
}
