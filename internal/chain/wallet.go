package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// erc20TransferABI covers the single method agents need to pay a claim.
const erc20TransferABI = `[{"name":"transfer","type":"function","inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

// Wallet signs and submits ERC-20 transfers from a local private key. This
// is the agent-side payment leg of the claim flow; the server never holds
// agent keys.
type Wallet struct {
	key     *ecdsa.PrivateKey
	address common.Address
	client  *Client
	chainID *big.Int
	abi     abi.ABI
}

// NewWallet creates a wallet from a hex private key, with or without the
// 0x prefix.
func NewWallet(privateKeyHex string, client *Client, chainID uint64) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20TransferABI))
	if err != nil {
		return nil, fmt.Errorf("parse ERC-20 ABI: %w", err)
	}
	return &Wallet{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		client:  client,
		chainID: new(big.Int).SetUint64(chainID),
		abi:     parsed,
	}, nil
}

// Address returns the wallet's 0x-hex address.
func (w *Wallet) Address() string {
	return w.address.Hex()
}

// TransferERC20 sends amount raw units of token to recipient and waits for
// the transaction to be mined. It returns the transaction hash, which is
// the txReference the agent presents as proof of payment.
func (w *Wallet) TransferERC20(ctx context.Context, token, recipient string, amount *big.Int) (string, error) {
	eth := w.client.Eth()

	data, err := w.abi.Pack("transfer", common.HexToAddress(recipient), amount)
	if err != nil {
		return "", fmt.Errorf("pack transfer: %w", err)
	}

	nonce, err := eth.PendingNonceAt(ctx, w.address)
	if err != nil {
		return "", fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := eth.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("suggest gas price: %w", err)
	}

	tokenAddr := common.HexToAddress(token)
	gasLimit, err := eth.EstimateGas(ctx, ethereumCallMsg(w.address, tokenAddr, data))
	if err != nil {
		// Transfers with a cold recipient slot fit comfortably in 100k.
		gasLimit = 100_000
	}

	tx := types.NewTransaction(nonce, tokenAddr, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(w.chainID), w.key)
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	if err := eth.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}

	hash := signed.Hash()
	if err := w.waitMined(ctx, hash); err != nil {
		return hash.Hex(), err
	}
	return hash.Hex(), nil
}

func ethereumCallMsg(from, to common.Address, data []byte) ethereum.CallMsg {
	return ethereum.CallMsg{From: from, To: &to, Data: data}
}

// waitMined polls for the receipt until the context expires.
func (w *Wallet) waitMined(ctx context.Context, hash common.Hash) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		receipt, err := w.client.Eth().TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("transaction %s reverted", hash.Hex())
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
