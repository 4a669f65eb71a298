package canvas

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/canvas402/canvas402/internal/proof"
)

// ProofRegistry is the persistent anti-replay set. Committed references
// live in the used_proofs table for the lifetime of the service; in-flight
// reservations are held in memory so two concurrent verifications of the
// same reference cannot both pass the check-and-mark step.
type ProofRegistry struct {
	db *sql.DB

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// ProofRegistry returns the store's anti-replay registry. There is one
// registry per store: in-flight reservations must be visible to every
// caller, not just the one that constructed it.
func (s *Store) ProofRegistry() *ProofRegistry {
	return s.registry
}

// Reserve implements proof.UsedSet. The in-memory reservation and the
// durable lookup happen under one mutex, so concurrent attempts on the
// same reference observe each other.
func (r *ProofRegistry) Reserve(ctx context.Context, txReference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.inFlight[txReference]; ok {
		return proof.ErrAlreadyUsed
	}

	var one int
	err := r.db.QueryRowContext(ctx, `SELECT 1 FROM used_proofs WHERE tx_reference = ?`, txReference).Scan(&one)
	switch {
	case err == nil:
		return proof.ErrAlreadyUsed
	case errors.Is(err, sql.ErrNoRows):
		// not yet used
	default:
		return fmt.Errorf("lookup used proof: %w", err)
	}

	r.inFlight[txReference] = struct{}{}
	return nil
}

// Commit implements proof.UsedSet: the reference becomes permanently
// consumed. The primary key makes a double commit a conflict, which is
// treated as already used.
func (r *ProofRegistry) Commit(ctx context.Context, txReference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO used_proofs (tx_reference, used_at) VALUES (?, ?)`,
		txReference, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record used proof: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		delete(r.inFlight, txReference)
		return proof.ErrAlreadyUsed
	}

	delete(r.inFlight, txReference)
	return nil
}

// Release implements proof.UsedSet: the failed attempt's reservation is
// dropped and the reference may be presented again.
func (r *ProofRegistry) Release(txReference string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, txReference)
}
