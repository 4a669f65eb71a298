package canvas

import (
	"context"
	"fmt"
	"math/big"
	"sort"
)

// OwnerStat is one leaderboard row.
type OwnerStat struct {
	Agent       string `json:"agent"`
	PixelsOwned int    `json:"pixelsOwned"`
	Claims      int    `json:"claims"`
	TotalSpent  string `json:"totalSpent"`
}

// Stats aggregates the ledger and canvas for the leaderboard endpoint.
type Stats struct {
	OccupiedPixels  int         `json:"occupiedPixels"`
	TotalClaims     int         `json:"totalClaims"`
	TotalVolume     string      `json:"totalVolume"`
	TreasuryBalance string      `json:"treasuryBalance"`
	LootBalance     string      `json:"lootBalance"`
	Leaderboard     []OwnerStat `json:"leaderboard"`
}

// Stats derives aggregate leaderboard data from the ledger. Spend sums are
// computed in Go because amounts are stored as decimal strings beyond
// SQLite's integer range.
func (s *Store) Stats(ctx context.Context, topN int) (*Stats, error) {
	if topN <= 0 {
		topN = 10
	}

	var occupied int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pixels`).Scan(&occupied); err != nil {
		return nil, fmt.Errorf("count pixels: %w", err)
	}

	owned := make(map[string]int)
	rows, err := s.db.QueryContext(ctx, `SELECT owner, COUNT(*) FROM pixels GROUP BY owner`)
	if err != nil {
		return nil, fmt.Errorf("count owners: %w", err)
	}
	for rows.Next() {
		var owner string
		var n int
		if err := rows.Scan(&owner, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owned[owner] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	type agg struct {
		claims int
		spent  *big.Int
	}
	buyers := make(map[string]*agg)
	totalClaims := 0
	totalVolume := big.NewInt(0)

	rows, err = s.db.QueryContext(ctx, `SELECT buyer, gross FROM ledger`)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	for rows.Next() {
		var buyer, gross string
		if err := rows.Scan(&buyer, &gross); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan ledger: %w", err)
		}
		amount, err := parseAmount(gross)
		if err != nil {
			rows.Close()
			return nil, err
		}
		a := buyers[buyer]
		if a == nil {
			a = &agg{spent: big.NewInt(0)}
			buyers[buyer] = a
		}
		a.claims++
		a.spent.Add(a.spent, amount)
		totalClaims++
		totalVolume.Add(totalVolume, amount)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	board := make([]OwnerStat, 0, len(buyers))
	for agent, a := range buyers {
		board = append(board, OwnerStat{
			Agent:       agent,
			PixelsOwned: owned[agent],
			Claims:      a.claims,
			TotalSpent:  a.spent.String(),
		})
	}
	sort.Slice(board, func(i, j int) bool {
		if board[i].PixelsOwned != board[j].PixelsOwned {
			return board[i].PixelsOwned > board[j].PixelsOwned
		}
		return board[i].Agent < board[j].Agent
	})
	if len(board) > topN {
		board = board[:topN]
	}

	treasury, err := s.Balance(ctx, "treasury")
	if err != nil {
		return nil, err
	}
	loot, err := s.Balance(ctx, "loot")
	if err != nil {
		return nil, err
	}

	return &Stats{
		OccupiedPixels:  occupied,
		TotalClaims:     totalClaims,
		TotalVolume:     totalVolume.String(),
		TreasuryBalance: treasury.String(),
		LootBalance:     loot.String(),
		Leaderboard:     board,
	}, nil
}
