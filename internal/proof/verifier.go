package proof

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// UsedSet is the anti-replay set of consumed transaction references.
// Reserve atomically claims a reference for one in-flight verification:
// it fails with ErrAlreadyUsed if the reference was ever committed or is
// currently reserved by a concurrent attempt. A reservation ends in either
// Commit (permanent, append-only) or Release (retry allowed).
type UsedSet interface {
	Reserve(ctx context.Context, txReference string) error
	Commit(ctx context.Context, txReference string) error
	Release(txReference string)
}

// ErrAlreadyUsed is returned by UsedSet.Reserve for a consumed or in-flight
// transaction reference.
var ErrAlreadyUsed = errors.New("transaction reference already used")

// Verifier validates payment proofs against the external ledger and the
// expected amount/recipient/asset, enforcing single use per txReference.
type Verifier struct {
	resolver TransferResolver
	used     UsedSet
	timeout  time.Duration
	retries  int
	log      *zap.Logger
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithLookupTimeout bounds each ledger lookup. Default 10s.
func WithLookupTimeout(d time.Duration) VerifierOption {
	return func(v *Verifier) { v.timeout = d }
}

// WithLookupRetries sets how many additional attempts are made after a
// transient resolver failure. Default 2.
func WithLookupRetries(n int) VerifierOption {
	return func(v *Verifier) { v.retries = n }
}

// NewVerifier creates a Verifier.
func NewVerifier(resolver TransferResolver, used UsedSet, log *zap.Logger, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		resolver: resolver,
		used:     used,
		timeout:  10 * time.Second,
		retries:  2,
		log:      log,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the ordered checks of the payment protocol, short-circuiting
// on the first failure:
//
//  1. txReference not already consumed (reserved for the attempt)
//  2. reference resolves to a finalized, successful transfer
//  3. a transfer pays the expected recipient
//  4. that transfer moves the expected asset
//  5. the resolved amount is not below expectedAmount
//
// On success the reference is committed to the used set before returning;
// the matched transfer carries the ground-truth payer and gross amount.
// Every failure path releases the reservation (or never took it), leaving
// a rejected proof retryable only by paying again — except transient
// lookup failures, where the same proof may be resubmitted.
func (v *Verifier) Verify(ctx context.Context, p Proof, expectedAmount *big.Int, expectedRecipient, expectedAsset string) (*Transfer, *RejectError) {
	if err := v.used.Reserve(ctx, p.TxReference); err != nil {
		if errors.Is(err, ErrAlreadyUsed) {
			return nil, reject(ReasonAlreadyUsed, "txReference %s", p.TxReference)
		}
		return nil, reject(ReasonRPCUnavailable, "reserve: %v", err)
	}

	transfer, rej := v.resolveAndMatch(ctx, p, expectedAmount, expectedRecipient, expectedAsset)
	if rej != nil {
		v.used.Release(p.TxReference)
		return nil, rej
	}

	if err := v.used.Commit(ctx, p.TxReference); err != nil {
		// Fail closed: without a durable used-marker the claim is denied.
		v.used.Release(p.TxReference)
		v.log.Error("failed to commit used proof", zap.String("txReference", p.TxReference), zap.Error(err))
		return nil, reject(ReasonRPCUnavailable, "record used proof: %v", err)
	}

	return transfer, nil
}

func (v *Verifier) resolveAndMatch(ctx context.Context, p Proof, expectedAmount *big.Int, expectedRecipient, expectedAsset string) (*Transfer, *RejectError) {
	transfers, err := v.resolve(ctx, p.TxReference)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			return nil, reject(ReasonNotFound, "txReference %s", p.TxReference)
		case errors.Is(err, ErrTxFailed):
			return nil, reject(ReasonTxFailed, "txReference %s reverted", p.TxReference)
		default:
			return nil, reject(ReasonRPCUnavailable, "ledger lookup: %v", err)
		}
	}
	if len(transfers) == 0 {
		return nil, reject(ReasonNotFound, "txReference %s emitted no transfers", p.TxReference)
	}

	toRecipient := filterTransfers(transfers, func(t Transfer) bool {
		return strings.EqualFold(t.To, expectedRecipient)
	})
	if len(toRecipient) == 0 {
		return nil, reject(ReasonWrongRecipient, "no transfer pays %s", expectedRecipient)
	}

	rightAsset := filterTransfers(toRecipient, func(t Transfer) bool {
		return strings.EqualFold(t.Asset, expectedAsset)
	})
	if len(rightAsset) == 0 {
		return nil, reject(ReasonWrongAsset, "transfer asset is not %s", expectedAsset)
	}

	// Several matching transfers in one transaction credit the same claim.
	best := rightAsset[0]
	for _, t := range rightAsset[1:] {
		if t.Amount.Cmp(best.Amount) > 0 {
			best = t
		}
	}
	if best.Amount.Cmp(expectedAmount) < 0 {
		return nil, reject(ReasonInsufficientAmount, "paid %s, required %s", best.Amount, expectedAmount)
	}

	return &best, nil
}

// resolve performs the ledger lookup with a per-attempt timeout and bounded
// retries on transient failures. Terminal outcomes are never retried.
func (v *Verifier) resolve(ctx context.Context, txReference string) ([]Transfer, error) {
	var lastErr error
	for attempt := 0; attempt <= v.retries; attempt++ {
		lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
		transfers, err := v.resolver.ResolveTransfers(lookupCtx, txReference)
		cancel()
		if err == nil {
			return transfers, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTxFailed) {
			return nil, err
		}
		lastErr = err
		v.log.Warn("transient ledger lookup failure",
			zap.String("txReference", txReference),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func filterTransfers(in []Transfer, keep func(Transfer) bool) []Transfer {
	var out []Transfer
	for _, t := range in {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

// MemoryUsedSet is an in-memory UsedSet for tests and single-process
// deployments without persistence.
type MemoryUsedSet struct {
	mu       sync.Mutex
	used     map[string]struct{}
	reserved map[string]struct{}
}

// NewMemoryUsedSet creates an empty in-memory used set.
func NewMemoryUsedSet() *MemoryUsedSet {
	return &MemoryUsedSet{
		used:     make(map[string]struct{}),
		reserved: make(map[string]struct{}),
	}
}

func (s *MemoryUsedSet) Reserve(_ context.Context, txReference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.used[txReference]; ok {
		return ErrAlreadyUsed
	}
	if _, ok := s.reserved[txReference]; ok {
		return ErrAlreadyUsed
	}
	s.reserved[txReference] = struct{}{}
	return nil
}

func (s *MemoryUsedSet) Commit(_ context.Context, txReference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, txReference)
	s.used[txReference] = struct{}{}
	return nil
}

func (s *MemoryUsedSet) Release(txReference string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reserved, txReference)
}
