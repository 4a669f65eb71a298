// Package proof defines payment proofs and their verification against an
// external ledger. A proof is a claim that a stablecoin transfer satisfying
// a pixel's price occurred; the payer is adversarial, so nothing in the
// proof itself is trusted — only the resolved on-chain transfer is.
package proof

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// Proof is the payer-supplied claim of payment, carried base64-JSON encoded
// in the X-PAYMENT request header.
type Proof struct {
	TxReference string `json:"txReference"`
	Payer       string `json:"payer,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Recipient   string `json:"recipient,omitempty"`
	Asset       string `json:"asset,omitempty"`
	ChainID     uint64 `json:"chainId,omitempty"`
	Timestamp   int64  `json:"timestamp,omitempty"`
}

// EncodeHeader encodes a proof for the X-PAYMENT header.
func EncodeHeader(p Proof) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal payment proof: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeHeader decodes an X-PAYMENT header value into a proof.
func DecodeHeader(header string) (Proof, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return Proof{}, fmt.Errorf("invalid base64 encoding: %w", err)
	}
	var p Proof
	if err := json.Unmarshal(data, &p); err != nil {
		return Proof{}, fmt.Errorf("invalid payment proof JSON: %w", err)
	}
	if p.TxReference == "" {
		return Proof{}, errors.New("payment proof missing txReference")
	}
	return p, nil
}

// Transfer is a finalized, successful on-chain transfer event resolved from
// a transaction reference. Addresses are 0x-hex strings; Amount is raw
// units of the asset.
type Transfer struct {
	From   string
	To     string
	Asset  string
	Amount *big.Int
}

// RejectReason distinguishes verification failures so agents can decide
// whether to pay again, re-quote, or give up.
type RejectReason string

const (
	ReasonAlreadyUsed        RejectReason = "already-used"
	ReasonNotFound           RejectReason = "not-found"
	ReasonTxFailed           RejectReason = "tx-failed"
	ReasonWrongRecipient     RejectReason = "wrong-recipient"
	ReasonWrongAsset         RejectReason = "wrong-asset"
	ReasonInsufficientAmount RejectReason = "insufficient-amount"
	ReasonRPCUnavailable     RejectReason = "rpc-unavailable"
)

// RejectError is a verification rejection with a machine-readable reason.
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Retryable reports whether the agent may retry the same proof later
// (transient ledger unavailability) rather than needing a fresh payment.
func (e *RejectError) Retryable() bool {
	return e.Reason == ReasonRPCUnavailable
}

func reject(reason RejectReason, format string, args ...interface{}) *RejectError {
	return &RejectError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Resolver errors returned by TransferResolver implementations.
var (
	// ErrNotFound means the reference does not resolve to a transaction,
	// or the transaction emitted no transfer events.
	ErrNotFound = errors.New("transfer not found")
	// ErrTxFailed means the transaction exists but reverted.
	ErrTxFailed = errors.New("transaction failed")
)

// TransferResolver looks up a transaction reference on the external ledger
// and returns the transfer events it emitted. Implementations must only
// return finalized, successful transfers; ErrNotFound and ErrTxFailed
// classify terminal failures, any other error is treated as transient.
type TransferResolver interface {
	ResolveTransfers(ctx context.Context, txReference string) ([]Transfer, error)
}
