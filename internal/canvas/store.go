// Package canvas persists pixel state, the distribution ledger, pooled
// balances, and the used-proof set in SQLite, and provides the per-pixel
// mutual exclusion the claim protocol relies on.
package canvas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	_ "modernc.org/sqlite"

	"github.com/canvas402/canvas402/internal/settle"
)

// ErrPriceMoved is returned when a settlement's compare-and-swap guard
// fails: another claim settled the pixel first and the pre-claim price the
// caller verified against is stale.
var ErrPriceMoved = errors.New("pixel price changed since quote")

// Pixel is the stored state of one claimed cell.
type Pixel struct {
	X             int       `json:"x"`
	Y             int       `json:"y"`
	Owner         string    `json:"owner"`
	Color         string    `json:"color"`
	Price         *big.Int  `json:"price"` // required price for the next claim
	LastClaimedAt time.Time `json:"lastClaimedAt"`
	Claims        int64     `json:"claims"`
}

// LedgerEntry is one appended settlement record.
type LedgerEntry struct {
	ID          int64
	X           int
	Y           int
	Buyer       string
	Seller      string
	Gross       *big.Int
	Rebate      *big.Int
	Treasury    *big.Int
	Loot        *big.Int
	Dev         *big.Int
	TxReference string
	SettledAt   time.Time
}

// Settlement is the full outcome of a verified claim, applied atomically.
type Settlement struct {
	X           int
	Y           int
	Buyer       string
	Color       string
	TxReference string
	Gross       *big.Int
	NewPrice    *big.Int
	// PrevPrice is the required price the payment was verified against;
	// nil marks a first claim. Used as the CAS guard.
	PrevPrice    *big.Int
	Distribution settle.Distribution
	At           time.Time
}

// Store is the SQLite-backed canvas store.
type Store struct {
	db       *sql.DB
	locks    lockTable
	registry *ProofRegistry
}

// Open creates or opens the store at path. Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// Serialize writes through one connection; pixel-level parallelism is
	// provided by the lock table, not by concurrent SQLite writers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.registry = &ProofRegistry{db: db, inFlight: make(map[string]struct{})}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pixels (
            x INTEGER NOT NULL,
            y INTEGER NOT NULL,
            owner TEXT NOT NULL,
            color TEXT NOT NULL,
            price TEXT NOT NULL,
            last_claimed_at TIMESTAMP NOT NULL,
            claims INTEGER NOT NULL DEFAULT 1,
            PRIMARY KEY (x, y)
        );`,
		`CREATE TABLE IF NOT EXISTS ledger (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            x INTEGER NOT NULL,
            y INTEGER NOT NULL,
            buyer TEXT NOT NULL,
            seller TEXT NOT NULL DEFAULT '',
            gross TEXT NOT NULL,
            rebate TEXT NOT NULL,
            treasury TEXT NOT NULL,
            loot TEXT NOT NULL,
            dev TEXT NOT NULL,
            tx_reference TEXT NOT NULL,
            settled_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS used_proofs (
            tx_reference TEXT PRIMARY KEY,
            used_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS balances (
            bucket TEXT PRIMARY KEY,
            amount TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_buyer ON ledger(buyer);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// LockPixel acquires the mutual-exclusion slot for (x, y) and returns the
// unlock function. Claims on different pixels proceed in parallel; two
// claims on the same pixel serialize here.
func (s *Store) LockPixel(x, y int) func() {
	return s.locks.lock(x, y)
}

// Pixel returns the stored state of (x, y), or nil if never claimed.
func (s *Store) Pixel(ctx context.Context, x, y int) (*Pixel, error) {
	const query = `SELECT owner, color, price, last_claimed_at, claims FROM pixels WHERE x = ? AND y = ?`
	row := s.db.QueryRowContext(ctx, query, x, y)

	p := Pixel{X: x, Y: y}
	var price string
	err := row.Scan(&p.Owner, &p.Color, &price, &p.LastClaimedAt, &p.Claims)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pixel (%d,%d): %w", x, y, err)
	}
	p.Price, err = parseAmount(price)
	if err != nil {
		return nil, fmt.Errorf("pixel (%d,%d): %w", x, y, err)
	}
	return &p, nil
}

// Occupied returns one page of claimed pixels ordered by coordinates, plus
// the total occupied count.
func (s *Store) Occupied(ctx context.Context, page, limit int) ([]Pixel, int, error) {
	if limit <= 0 {
		limit = 100
	}
	if page < 1 {
		page = 1
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pixels`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count pixels: %w", err)
	}

	const query = `SELECT x, y, owner, color, price, last_claimed_at, claims
        FROM pixels ORDER BY x, y LIMIT ? OFFSET ?`
	rows, err := s.db.QueryContext(ctx, query, limit, (page-1)*limit)
	if err != nil {
		return nil, 0, fmt.Errorf("list pixels: %w", err)
	}
	defer rows.Close()

	var out []Pixel
	for rows.Next() {
		var p Pixel
		var price string
		if err := rows.Scan(&p.X, &p.Y, &p.Owner, &p.Color, &price, &p.LastClaimedAt, &p.Claims); err != nil {
			return nil, 0, fmt.Errorf("scan pixel: %w", err)
		}
		if p.Price, err = parseAmount(price); err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// ApplySettlement writes the ownership change, the ledger entry, and the
// pooled balance increments in one transaction. The pixel row update is
// guarded by the pre-claim price: if it no longer matches, the settlement
// fails with ErrPriceMoved and nothing is written.
func (s *Store) ApplySettlement(ctx context.Context, st Settlement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settlement: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if st.PrevPrice == nil {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pixels (x, y, owner, color, price, last_claimed_at, claims)
             VALUES (?, ?, ?, ?, ?, ?, 1)`,
			st.X, st.Y, st.Buyer, st.Color, st.NewPrice.String(), st.At)
		if err != nil {
			return fmt.Errorf("insert pixel: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPriceMoved
		}
	} else {
		res, err := tx.ExecContext(ctx,
			`UPDATE pixels SET owner = ?, color = ?, price = ?, last_claimed_at = ?, claims = claims + 1
             WHERE x = ? AND y = ? AND price = ?`,
			st.Buyer, st.Color, st.NewPrice.String(), st.At, st.X, st.Y, st.PrevPrice.String())
		if err != nil {
			return fmt.Errorf("update pixel: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrPriceMoved
		}
	}

	d := st.Distribution
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger (x, y, buyer, seller, gross, rebate, treasury, loot, dev, tx_reference, settled_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.X, st.Y, st.Buyer, d.PreviousOwner,
		d.Gross.String(), d.Rebate.String(), d.Treasury.String(), d.Loot.String(), d.Dev.String(),
		st.TxReference, st.At); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}

	if err := addBalance(ctx, tx, "treasury", d.Treasury); err != nil {
		return err
	}
	if err := addBalance(ctx, tx, "loot", d.Loot); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settlement: %w", err)
	}
	return nil
}

// Balance returns the pooled balance of a bucket ("treasury" or "loot").
func (s *Store) Balance(ctx context.Context, bucket string) (*big.Int, error) {
	var amount string
	err := s.db.QueryRowContext(ctx, `SELECT amount FROM balances WHERE bucket = ?`, bucket).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return big.NewInt(0), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read balance %s: %w", bucket, err)
	}
	return parseAmount(amount)
}

// Ledger returns the most recent settlement records, newest first.
func (s *Store) Ledger(ctx context.Context, limit int) ([]LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	const query = `SELECT id, x, y, buyer, seller, gross, rebate, treasury, loot, dev, tx_reference, settled_at
        FROM ledger ORDER BY id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var gross, rebate, treasury, loot, dev string
		if err := rows.Scan(&e.ID, &e.X, &e.Y, &e.Buyer, &e.Seller,
			&gross, &rebate, &treasury, &loot, &dev, &e.TxReference, &e.SettledAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		for dst, src := range map[**big.Int]string{
			&e.Gross: gross, &e.Rebate: rebate, &e.Treasury: treasury, &e.Loot: loot, &e.Dev: dev,
		} {
			if *dst, err = parseAmount(src); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func addBalance(ctx context.Context, tx *sql.Tx, bucket string, delta *big.Int) error {
	var current string
	err := tx.QueryRowContext(ctx, `SELECT amount FROM balances WHERE bucket = ?`, bucket).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `INSERT INTO balances (bucket, amount) VALUES (?, ?)`, bucket, delta.String())
		if err != nil {
			return fmt.Errorf("init balance %s: %w", bucket, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read balance %s: %w", bucket, err)
	}

	cur, err := parseAmount(current)
	if err != nil {
		return fmt.Errorf("balance %s: %w", bucket, err)
	}
	cur.Add(cur, delta)
	if _, err := tx.ExecContext(ctx, `UPDATE balances SET amount = ? WHERE bucket = ?`, cur.String(), bucket); err != nil {
		return fmt.Errorf("update balance %s: %w", bucket, err)
	}
	return nil
}

func parseAmount(s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("malformed stored amount %q", s)
	}
	return n, nil
}
