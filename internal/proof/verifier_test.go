package proof

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	payTo = "0xPayToWallet00000000000000000000000000001"
	usdc  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// stubResolver serves canned transfers per txReference and counts calls.
type stubResolver struct {
	mu        sync.Mutex
	transfers map[string][]Transfer
	errs      map[string]error
	calls     int
}

func newStubResolver() *stubResolver {
	return &stubResolver{
		transfers: make(map[string][]Transfer),
		errs:      make(map[string]error),
	}
}

func (r *stubResolver) ResolveTransfers(_ context.Context, ref string) ([]Transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if err, ok := r.errs[ref]; ok {
		return nil, err
	}
	if ts, ok := r.transfers[ref]; ok {
		return ts, nil
	}
	return nil, ErrNotFound
}

func (r *stubResolver) add(ref string, t Transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transfers[ref] = append(r.transfers[ref], t)
}

func newTestVerifier(r TransferResolver) *Verifier {
	return NewVerifier(r, NewMemoryUsedSet(), zap.NewNop(), WithLookupRetries(0))
}

func paidTransfer(amount int64) Transfer {
	return Transfer{From: "0xBuyer", To: payTo, Asset: usdc, Amount: big.NewInt(amount)}
}

func TestVerifyAccepts(t *testing.T) {
	resolver := newStubResolver()
	resolver.add("0xtx1", paidTransfer(1000))
	v := newTestVerifier(resolver)

	got, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.Nil(t, rej)
	assert.Equal(t, "0xBuyer", got.From)
	assert.Equal(t, int64(1000), got.Amount.Int64())
}

func TestVerifyAcceptsOverpayment(t *testing.T) {
	resolver := newStubResolver()
	resolver.add("0xtx1", paidTransfer(2500))
	v := newTestVerifier(resolver)

	got, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.Nil(t, rej)
	assert.Equal(t, int64(2500), got.Amount.Int64())
}

func TestVerifyRejectsUnderpayment(t *testing.T) {
	resolver := newStubResolver()
	resolver.add("0xtx1", paidTransfer(999))
	v := newTestVerifier(resolver)

	_, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonInsufficientAmount, rej.Reason)
}

func TestVerifyRejectsNotFound(t *testing.T) {
	v := newTestVerifier(newStubResolver())

	_, rej := v.Verify(context.Background(), Proof{TxReference: "0xmissing"}, big.NewInt(1000), payTo, usdc)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonNotFound, rej.Reason)
}

func TestVerifyRejectsRevertedTx(t *testing.T) {
	resolver := newStubResolver()
	resolver.errs["0xtx1"] = ErrTxFailed
	v := newTestVerifier(resolver)

	_, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonTxFailed, rej.Reason)
}

func TestVerifyRejectsWrongRecipient(t *testing.T) {
	resolver := newStubResolver()
	resolver.add("0xtx1", Transfer{From: "0xBuyer", To: "0xSomeoneElse", Asset: usdc, Amount: big.NewInt(5000)})
	v := newTestVerifier(resolver)

	_, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonWrongRecipient, rej.Reason)
}

func TestVerifyRejectsWrongAsset(t *testing.T) {
	resolver := newStubResolver()
	resolver.add("0xtx1", Transfer{From: "0xBuyer", To: payTo, Asset: "0xOtherToken", Amount: big.NewInt(5000)})
	v := newTestVerifier(resolver)

	_, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonWrongAsset, rej.Reason)
}

func TestVerifyRecipientMatchIsCaseInsensitive(t *testing.T) {
	resolver := newStubResolver()
	resolver.add("0xtx1", Transfer{From: "0xBuyer", To: "0xpaytowallet00000000000000000000000000001", Asset: usdc, Amount: big.NewInt(1000)})
	v := newTestVerifier(resolver)

	_, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	assert.Nil(t, rej)
}

func TestVerifyPicksLargestMatchingTransfer(t *testing.T) {
	resolver := newStubResolver()
	resolver.add("0xtx1", paidTransfer(100))
	resolver.add("0xtx1", paidTransfer(1500))
	v := newTestVerifier(resolver)

	got, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.Nil(t, rej)
	assert.Equal(t, int64(1500), got.Amount.Int64())
}

func TestVerifyReplayRejected(t *testing.T) {
	resolver := newStubResolver()
	resolver.add("0xtx1", paidTransfer(1000))
	v := newTestVerifier(resolver)

	_, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.Nil(t, rej)

	_, rej = v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonAlreadyUsed, rej.Reason)
}

func TestVerifyConcurrentReplay(t *testing.T) {
	resolver := newStubResolver()
	resolver.add("0xtx1", paidTransfer(1000))
	v := newTestVerifier(resolver)

	const attempts = 16
	var wg sync.WaitGroup
	results := make([]*RejectError, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
		}(i)
	}
	wg.Wait()

	accepted := 0
	for _, rej := range results {
		if rej == nil {
			accepted++
		} else {
			assert.Equal(t, ReasonAlreadyUsed, rej.Reason)
		}
	}
	assert.Equal(t, 1, accepted, "exactly one attempt may consume the proof")
}

func TestVerifyFailureAllowsRetryWithSameReference(t *testing.T) {
	resolver := newStubResolver()
	resolver.errs["0xtx1"] = errors.New("connection refused")
	v := newTestVerifier(resolver)

	_, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonRPCUnavailable, rej.Reason)
	assert.True(t, rej.Retryable())

	// The reservation was released, so the proof settles once resolvable.
	resolver.mu.Lock()
	delete(resolver.errs, "0xtx1")
	resolver.mu.Unlock()
	resolver.add("0xtx1", paidTransfer(1000))

	_, rej = v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	assert.Nil(t, rej)
}

func TestVerifyTransientRetries(t *testing.T) {
	resolver := newStubResolver()
	resolver.errs["0xtx1"] = errors.New("timeout")
	v := NewVerifier(resolver, NewMemoryUsedSet(), zap.NewNop(), WithLookupRetries(2))

	_, rej := v.Verify(context.Background(), Proof{TxReference: "0xtx1"}, big.NewInt(1000), payTo, usdc)
	require.NotNil(t, rej)
	assert.Equal(t, ReasonRPCUnavailable, rej.Reason)
	assert.Equal(t, 3, resolver.calls)
}

func TestHeaderRoundTrip(t *testing.T) {
	p := Proof{TxReference: "0xabc", Payer: "0xBuyer", Amount: "1000", ChainID: 84532}
	header, err := EncodeHeader(p)
	require.NoError(t, err)

	got, err := DecodeHeader(header)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestDecodeHeaderRejectsGarbage(t *testing.T) {
	_, err := DecodeHeader("not base64!!!")
	assert.Error(t, err)

	_, err = DecodeHeader("aGVsbG8=") // "hello"
	assert.Error(t, err)

	// Valid JSON but no txReference.
	_, err = DecodeHeader("eyJwYXllciI6IjB4YiJ9") // {"payer":"0xb"}
	assert.Error(t, err)
}
