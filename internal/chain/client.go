// Package chain talks to the EVM ledger: resolving payment proofs to
// finalized ERC-20 transfer events, sending agent payments, and reading the
// optional on-chain settlement mirror.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/canvas402/canvas402/internal/proof"
)

// transferTopic is keccak256("Transfer(address,address,uint256)"), the
// topic0 of the ERC-20 Transfer event.
var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// Client resolves transaction references against an EVM node.
type Client struct {
	eth           *ethclient.Client
	confirmations uint64
	log           *zap.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithConfirmations requires the transaction to be at least n blocks deep
// before it counts as finalized. Default 1 (mined).
func WithConfirmations(n uint64) ClientOption {
	return func(c *Client) { c.confirmations = n }
}

// Dial connects to an EVM node over RPC.
func Dial(ctx context.Context, rpcURL string, log *zap.Logger, opts ...ClientOption) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", rpcURL, err)
	}
	c := &Client{eth: eth, confirmations: 1, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// NewClient wraps an existing ethclient.
func NewClient(eth *ethclient.Client, log *zap.Logger, opts ...ClientOption) *Client {
	c := &Client{eth: eth, confirmations: 1, log: log}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// Eth exposes the underlying client for wallet and contract helpers.
func (c *Client) Eth() *ethclient.Client {
	return c.eth
}

// ResolveTransfers implements proof.TransferResolver: it fetches the receipt
// for txReference and decodes every ERC-20 Transfer event it emitted.
// proof.ErrNotFound and proof.ErrTxFailed classify terminal outcomes; any
// other error is transient (node unreachable, not yet confirmed).
func (c *Client) ResolveTransfers(ctx context.Context, txReference string) ([]proof.Transfer, error) {
	if len(common.FromHex(txReference)) != common.HashLength {
		return nil, fmt.Errorf("%w: malformed transaction hash %q", proof.ErrNotFound, txReference)
	}
	hash := common.HexToHash(txReference)

	receipt, err := c.eth.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("%w: %s", proof.ErrNotFound, txReference)
		}
		return nil, fmt.Errorf("fetch receipt: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%w: %s", proof.ErrTxFailed, txReference)
	}

	if c.confirmations > 1 {
		head, err := c.eth.BlockNumber(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch head: %w", err)
		}
		depth := head - receipt.BlockNumber.Uint64() + 1
		if depth < c.confirmations {
			return nil, fmt.Errorf("tx %s has %d confirmations, need %d", txReference, depth, c.confirmations)
		}
	}

	transfers := DecodeTransferLogs(receipt.Logs)
	if len(transfers) == 0 {
		return nil, fmt.Errorf("%w: %s emitted no transfer events", proof.ErrNotFound, txReference)
	}
	return transfers, nil
}

// DecodeTransferLogs extracts ERC-20 Transfer events from receipt logs.
// Indexed from/to live in topics 1 and 2, the amount in the data word.
func DecodeTransferLogs(logs []*types.Log) []proof.Transfer {
	var out []proof.Transfer
	for _, lg := range logs {
		if lg.Removed || len(lg.Topics) != 3 || lg.Topics[0] != transferTopic {
			continue
		}
		if len(lg.Data) != 32 {
			continue
		}
		out = append(out, proof.Transfer{
			From:   common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
			To:     common.BytesToAddress(lg.Topics[2].Bytes()).Hex(),
			Asset:  lg.Address.Hex(),
			Amount: new(big.Int).SetBytes(lg.Data),
		})
	}
	return out
}
