package payout

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/canvas402/canvas402/internal/settle"
)

const (
	usdc      = "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
	devWallet = "0xDDDD00000000000000000000000000000000DDDD"
)

type sentTransfer struct {
	Recipient string
	Amount    *big.Int
}

type stubSender struct {
	mu      sync.Mutex
	sent    []sentTransfer
	failFor string
}

func (s *stubSender) TransferERC20(_ context.Context, _, recipient string, amount *big.Int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if recipient == s.failFor {
		return "", errors.New("nonce too low")
	}
	s.sent = append(s.sent, sentTransfer{Recipient: recipient, Amount: new(big.Int).Set(amount)})
	return "0xmined", nil
}

func resaleDistribution(prevOwner string) settle.Distribution {
	return settle.DefaultPolicy().Distribute(big.NewInt(1500), prevOwner)
}

func TestForwardResale(t *testing.T) {
	sender := &stubSender{}
	f := NewForwarder(sender, usdc, devWallet, zap.NewNop())
	prev := "0xAAAA00000000000000000000000000000000AAAA"

	f.Forward(context.Background(), resaleDistribution(prev))

	assert.Equal(t, []sentTransfer{
		{Recipient: prev, Amount: big.NewInt(600)},
		{Recipient: devWallet, Amount: big.NewInt(150)},
	}, sender.sent)
}

func TestForwardFirstClaimSkipsRebate(t *testing.T) {
	sender := &stubSender{}
	f := NewForwarder(sender, usdc, devWallet, zap.NewNop())

	f.Forward(context.Background(), settle.DefaultPolicy().Distribute(big.NewInt(1000), ""))

	assert.Equal(t, []sentTransfer{
		{Recipient: devWallet, Amount: big.NewInt(100)},
	}, sender.sent)
}

func TestForwardFailureDoesNotStopOtherLeg(t *testing.T) {
	prev := "0xAAAA00000000000000000000000000000000AAAA"
	sender := &stubSender{failFor: prev}
	f := NewForwarder(sender, usdc, devWallet, zap.NewNop())

	f.Forward(context.Background(), resaleDistribution(prev))

	assert.Equal(t, []sentTransfer{
		{Recipient: devWallet, Amount: big.NewInt(150)},
	}, sender.sent)
}

func TestForwardNoDevWallet(t *testing.T) {
	sender := &stubSender{}
	f := NewForwarder(sender, usdc, "", zap.NewNop())
	prev := "0xAAAA00000000000000000000000000000000AAAA"

	f.Forward(context.Background(), resaleDistribution(prev))

	assert.Equal(t, []sentTransfer{
		{Recipient: prev, Amount: big.NewInt(600)},
	}, sender.sent)
}
