// Package config loads and validates server configuration.
package config

import (
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/canvas402/canvas402/internal/settle"
)

// VerifyConfig bounds the ledger-lookup step of payment verification.
type VerifyConfig struct {
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
	Confirmations  uint64 `yaml:"confirmations"`
}

// Config is the server configuration.
type Config struct {
	Listen       string `yaml:"listen"`
	DatabasePath string `yaml:"database_path"`

	RPCURL       string `yaml:"rpc_url"`
	ChainID      uint64 `yaml:"chain_id"`
	AssetAddress string `yaml:"asset_address"`
	PayTo        string `yaml:"pay_to"`

	// ContractAddress is the optional on-chain settlement mirror; when set
	// its pricing constants are parity-checked at startup.
	ContractAddress string `yaml:"contract_address,omitempty"`

	// QuoteExpirySeconds is advisory for agents; the server recomputes the
	// price at verification time rather than persisting quotes.
	QuoteExpirySeconds int `yaml:"quote_expiry_seconds"`

	// PayoutPrivateKey, when set, enables on-chain forwarding of the
	// rebate and dev cuts from this wallet after each settlement.
	// DevWallet receives the dev cut. Unset leaves the cuts as ledger
	// records only.
	PayoutPrivateKey string `yaml:"payout_private_key,omitempty"`
	DevWallet        string `yaml:"dev_wallet,omitempty"`

	Splits settle.Policy `yaml:"splits"`
	Verify VerifyConfig  `yaml:"verify"`
}

// Default returns a config with every tunable at its canonical value.
// Addresses and the RPC URL have no defaults and must be provided.
func Default() Config {
	return Config{
		Listen:             ":8402",
		DatabasePath:       "canvas.db",
		ChainID:            84532, // base-sepolia
		QuoteExpirySeconds: 300,
		Splits:             settle.DefaultPolicy(),
		Verify: VerifyConfig{
			TimeoutSeconds: 10,
			Retries:        2,
			Confirmations:  1,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the config once at startup so misconfiguration (a split
// not summing to 100, a malformed wallet address) cannot surface mid-claim.
func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address is required")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database_path is required")
	}
	if c.RPCURL == "" {
		return fmt.Errorf("config: rpc_url is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("config: chain_id is required")
	}
	if !common.IsHexAddress(c.AssetAddress) {
		return fmt.Errorf("config: asset_address %q is not a valid address", c.AssetAddress)
	}
	if !common.IsHexAddress(c.PayTo) {
		return fmt.Errorf("config: pay_to %q is not a valid address", c.PayTo)
	}
	if c.ContractAddress != "" && !common.IsHexAddress(c.ContractAddress) {
		return fmt.Errorf("config: contract_address %q is not a valid address", c.ContractAddress)
	}
	if c.DevWallet != "" && !common.IsHexAddress(c.DevWallet) {
		return fmt.Errorf("config: dev_wallet %q is not a valid address", c.DevWallet)
	}
	if c.PayoutPrivateKey != "" && c.DevWallet == "" {
		return fmt.Errorf("config: payout_private_key requires dev_wallet")
	}
	if err := c.Splits.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Verify.TimeoutSeconds <= 0 {
		return fmt.Errorf("config: verify.timeout_seconds must be positive")
	}
	if c.Verify.Retries < 0 {
		return fmt.Errorf("config: verify.retries must be non-negative")
	}
	return nil
}
