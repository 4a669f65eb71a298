package client

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canvas402/canvas402/internal/canvas"
	"github.com/canvas402/canvas402/internal/proof"
	"github.com/canvas402/canvas402/internal/server"
	"github.com/canvas402/canvas402/internal/settle"
)

const (
	payTo = "0x1111111111111111111111111111111111111111"
	usdc  = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
)

// fakeChain stands in for the on-chain leg: paying a quote records a
// transfer the server-side resolver can look up.
type fakeChain struct {
	mu        sync.Mutex
	seq       int
	transfers map[string][]proof.Transfer
	payer     string
}

func newFakeChain(payer string) *fakeChain {
	return &fakeChain{transfers: make(map[string][]proof.Transfer), payer: payer}
}

func (f *fakeChain) ResolveTransfers(_ context.Context, ref string) ([]proof.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ts, ok := f.transfers[ref]; ok {
		return ts, nil
	}
	return nil, proof.ErrNotFound
}

func (f *fakeChain) Pay(_ context.Context, q *Quote) (proof.Proof, error) {
	amount, err := q.Amount()
	if err != nil {
		return proof.Proof{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	ref := "0xfa" + big.NewInt(int64(f.seq)).Text(16)
	f.transfers[ref] = []proof.Transfer{{
		From: f.payer, To: q.Recipient, Asset: q.Asset, Amount: amount,
	}}
	return proof.Proof{TxReference: ref, Payer: f.payer}, nil
}

func newServerForClient(t *testing.T, chain *fakeChain) *httptest.Server {
	t.Helper()
	store, err := canvas.Open(filepath.Join(t.TempDir(), "canvas.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	verifier := proof.NewVerifier(chain, store.ProofRegistry(), zap.NewNop(), proof.WithLookupRetries(0))
	s, err := server.New(server.Options{
		Store:              store,
		Verifier:           verifier,
		Policy:             settle.DefaultPolicy(),
		PayTo:              payTo,
		Asset:              usdc,
		ChainID:            84532,
		QuoteExpirySeconds: 300,
		Log:                zap.NewNop(),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClaimFullFlow(t *testing.T) {
	agent := "0xAAAA00000000000000000000000000000000AAAA"
	chain := newFakeChain(agent)
	srv := newServerForClient(t, chain)
	c := New(srv.URL, chain.Pay, agent, zap.NewNop())
	ctx := context.Background()

	result, err := c.Claim(ctx, 10, 20, "ff0000")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, agent, result.Owner)
	assert.Equal(t, "1000", result.PricePaid)
	assert.Equal(t, "1500", result.NextPrice)

	px, err := c.Pixel(ctx, 10, 20)
	require.NoError(t, err)
	require.NotNil(t, px)
	assert.Equal(t, agent, px.Owner)
	assert.Equal(t, "ff0000", px.Color)
	assert.Equal(t, "1500", px.Price)
}

func TestClaimOwnPixelRejected(t *testing.T) {
	agent := "0xAAAA00000000000000000000000000000000AAAA"
	chain := newFakeChain(agent)
	srv := newServerForClient(t, chain)
	c := New(srv.URL, chain.Pay, agent, zap.NewNop())
	ctx := context.Background()

	_, err := c.Claim(ctx, 3, 4, "ff0000")
	require.NoError(t, err)

	_, err = c.Claim(ctx, 3, 4, "00ff00")
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, http.StatusConflict, rej.Status)
	assert.NotEmpty(t, rej.Reason)
	assert.Len(t, chain.transfers, 1, "no payment made for a refused quote")
}

func TestClaimBadInputRejectedTyped(t *testing.T) {
	agent := "0xAAAA00000000000000000000000000000000AAAA"
	chain := newFakeChain(agent)
	srv := newServerForClient(t, chain)
	c := New(srv.URL, chain.Pay, agent, zap.NewNop())

	_, err := c.Claim(context.Background(), 3, 4, "not-a-color")
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, http.StatusBadRequest, rej.Status)
	assert.Empty(t, chain.transfers, "no payment made for rejected input")
}

func TestResaleRebatesPreviousOwner(t *testing.T) {
	alice := "0xAAAA00000000000000000000000000000000AAAA"
	bob := "0xBBBB00000000000000000000000000000000BBBB"
	chain := newFakeChain(alice)
	srv := newServerForClient(t, chain)
	ctx := context.Background()

	_, err := New(srv.URL, chain.Pay, alice, zap.NewNop()).Claim(ctx, 7, 7, "ff0000")
	require.NoError(t, err)

	chain.payer = bob
	result, err := New(srv.URL, chain.Pay, bob, zap.NewNop()).Claim(ctx, 7, 7, "00ff00")
	require.NoError(t, err)
	assert.Equal(t, bob, result.Owner)
	assert.Equal(t, alice, result.PreviousOwner)
	assert.Equal(t, "1500", result.PricePaid)
	assert.Equal(t, "600", result.RebateToPreviousOwner)
}

func TestPriceDoesNotSpend(t *testing.T) {
	agent := "0xAAAA00000000000000000000000000000000AAAA"
	chain := newFakeChain(agent)
	srv := newServerForClient(t, chain)
	c := New(srv.URL, chain.Pay, agent, zap.NewNop())
	ctx := context.Background()

	pv, err := c.Price(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "1000", pv.RequiredAmount)
	assert.False(t, pv.Occupied)
	assert.Empty(t, chain.transfers)

	px, err := c.Pixel(ctx, 0, 0)
	require.NoError(t, err)
	assert.Nil(t, px)
}
