package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/canvas402/canvas402/internal/pricing"
)

// pixelVaultABI is the read surface of the optional on-chain settlement
// mirror. The contract enforces the same price rule and split percentages
// as the off-chain engine; ParityCheck asserts the constants agree before
// the server trusts it as an alternate settlement path.
const pixelVaultABI = `[
  {"name":"basePrice","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"multiplierNum","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"multiplierDen","type":"function","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"priceOf","type":"function","stateMutability":"view","inputs":[{"name":"x","type":"uint16"},{"name":"y","type":"uint16"}],"outputs":[{"name":"","type":"uint256"}]},
  {"name":"ownerOf","type":"function","stateMutability":"view","inputs":[{"name":"x","type":"uint16"},{"name":"y","type":"uint16"}],"outputs":[{"name":"","type":"address"}]}
]`

// PixelVault reads the on-chain settlement mirror contract.
type PixelVault struct {
	client  *Client
	address common.Address
	abi     abi.ABI
}

// NewPixelVault binds the mirror contract at address.
func NewPixelVault(client *Client, address string) (*PixelVault, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address %q", address)
	}
	parsed, err := abi.JSON(strings.NewReader(pixelVaultABI))
	if err != nil {
		return nil, fmt.Errorf("parse PixelVault ABI: %w", err)
	}
	return &PixelVault{
		client:  client,
		address: common.HexToAddress(address),
		abi:     parsed,
	}, nil
}

// PriceOf reads the contract's required price for a pixel.
func (v *PixelVault) PriceOf(ctx context.Context, x, y int) (*big.Int, error) {
	out, err := v.call(ctx, "priceOf", uint16(x), uint16(y))
	if err != nil {
		return nil, err
	}
	price, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("priceOf returned %T, want *big.Int", out)
	}
	return price, nil
}

// OwnerOf reads the contract's recorded owner for a pixel. The zero address
// means unclaimed.
func (v *PixelVault) OwnerOf(ctx context.Context, x, y int) (string, error) {
	out, err := v.call(ctx, "ownerOf", uint16(x), uint16(y))
	if err != nil {
		return "", err
	}
	addr, ok := out.(common.Address)
	if !ok {
		return "", fmt.Errorf("ownerOf returned %T, want address", out)
	}
	if addr == (common.Address{}) {
		return "", nil
	}
	return addr.Hex(), nil
}

// ParityCheck verifies the contract's pricing constants match the off-chain
// engine. A mismatch means the two settlement paths would quote different
// prices for the same pixel, so the server refuses to start.
func (v *PixelVault) ParityCheck(ctx context.Context) error {
	checks := []struct {
		method string
		want   int64
	}{
		{"basePrice", pricing.BasePrice},
		{"multiplierNum", pricing.MultiplierNum},
		{"multiplierDen", pricing.MultiplierDen},
	}
	for _, c := range checks {
		out, err := v.call(ctx, c.method)
		if err != nil {
			return fmt.Errorf("read %s: %w", c.method, err)
		}
		got, ok := out.(*big.Int)
		if !ok {
			return fmt.Errorf("%s returned %T, want *big.Int", c.method, out)
		}
		if got.Cmp(big.NewInt(c.want)) != 0 {
			return fmt.Errorf("on-chain %s is %s, off-chain engine uses %d", c.method, got, c.want)
		}
	}
	return nil
}

func (v *PixelVault) call(ctx context.Context, method string, args ...interface{}) (interface{}, error) {
	data, err := v.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	result, err := v.client.Eth().CallContract(ctx, ethereum.CallMsg{To: &v.address, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	outputs, err := v.abi.Unpack(method, result)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	return outputs[0], nil
}
