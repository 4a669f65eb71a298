// Package payout forwards settled rebate and dev cuts on chain. The claim
// is already final when forwarding runs: a failed transfer is logged for
// manual replay and never unwinds the settlement.
package payout

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/canvas402/canvas402/internal/settle"
)

// Sender submits an ERC-20 transfer and waits for it to mine. chain.Wallet
// satisfies this.
type Sender interface {
	TransferERC20(ctx context.Context, token, recipient string, amount *big.Int) (string, error)
}

// Forwarder pays out the per-claim rebate and dev cuts from the server's
// payout wallet. Treasury and loot stay pooled in the recorded balances.
type Forwarder struct {
	sender    Sender
	asset     string
	devWallet string
	timeout   time.Duration
	log       *zap.Logger
}

// NewForwarder creates a forwarder paying out in asset; devWallet receives
// the dev cut.
func NewForwarder(sender Sender, asset, devWallet string, log *zap.Logger) *Forwarder {
	return &Forwarder{
		sender:    sender,
		asset:     asset,
		devWallet: devWallet,
		timeout:   2 * time.Minute,
		log:       log,
	}
}

// Forward sends the rebate to the displaced owner and the dev cut to the
// maintenance wallet. Each leg is independent: a failure of one does not
// stop the other, and neither failure propagates.
func (f *Forwarder) Forward(ctx context.Context, d settle.Distribution) {
	if d.PreviousOwner != "" && d.Rebate.Sign() > 0 {
		f.send(ctx, "rebate", d.PreviousOwner, d.Rebate)
	}
	if f.devWallet != "" && d.Dev.Sign() > 0 {
		f.send(ctx, "dev", f.devWallet, d.Dev)
	}
}

func (f *Forwarder) send(ctx context.Context, kind, recipient string, amount *big.Int) {
	sendCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	txHash, err := f.sender.TransferERC20(sendCtx, f.asset, recipient, amount)
	if err != nil {
		f.log.Error("payout transfer failed, replay manually from the ledger",
			zap.String("kind", kind),
			zap.String("recipient", recipient),
			zap.String("amount", amount.String()),
			zap.Error(err))
		return
	}
	f.log.Info("payout forwarded",
		zap.String("kind", kind),
		zap.String("recipient", recipient),
		zap.String("amount", amount.String()),
		zap.String("tx", txHash))
}
