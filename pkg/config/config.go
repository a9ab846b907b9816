package config

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Network describes the target chain, including the metadata a wallet needs
// to add it via wallet_addEthereumChain.
type Network struct {
	ChainID        int64  `json:"chain_id" yaml:"chain_id"`
	Name           string `json:"name" yaml:"name"`
	RPCURL         string `json:"rpc_url" yaml:"rpc_url"`
	WSURL          string `json:"ws_url" yaml:"ws_url"` // optional, for event subscriptions
	CurrencyName   string `json:"currency_name" yaml:"currency_name"`
	CurrencySymbol string `json:"currency_symbol" yaml:"currency_symbol"`
	Decimals       int    `json:"currency_decimals" yaml:"currency_decimals"`
	ExplorerURL    string `json:"explorer_url" yaml:"explorer_url"`
}

// ChainIDReader reports the chain an RPC endpoint serves. *ethclient.Client
// satisfies it.
type ChainIDReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

// CheckRPC fails unless r serves this network.
func (n Network) CheckRPC(ctx context.Context, r ChainIDReader) error {
	id, err := r.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("reading chain id: %w", err)
	}
	if id.Cmp(n.ChainIDBig()) != 0 {
		return fmt.Errorf("rpc is on chain %s, %s is chain %d", id, n.Name, n.ChainID)
	}
	return nil
}

// ChainIDBig returns the chain id as a *big.Int.
func (n Network) ChainIDBig() *big.Int {
	return big.NewInt(n.ChainID)
}

// Config holds all broker and client configuration.
type Config struct {
	// Server settings
	ListenAddr     string        `json:"listen_addr" yaml:"listen_addr"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"` // per-request chain deadline
	CORSOrigin     string        `json:"cors_origin" yaml:"cors_origin"`

	// Chain
	Network Network `json:"network" yaml:"network"`

	// Unlock lock and payment token
	LockAddress   string `json:"lock_address" yaml:"lock_address"`
	TokenAddress  string `json:"token_address" yaml:"token_address"`   // USDC on Base
	TokenDecimals int    `json:"token_decimals" yaml:"token_decimals"` // 6 for USDC
	KeyPrice      string `json:"key_price" yaml:"key_price"`           // decimal, in token units

	// CloudFront signing
	CloudFrontDomain string        `json:"cloudfront_domain" yaml:"cloudfront_domain"`
	KeyPairID        string        `json:"key_pair_id" yaml:"key_pair_id"`
	PrivateKeyPEM    string        `json:"private_key_pem" yaml:"private_key_pem"`
	PrivateKeyFile   string        `json:"private_key_file" yaml:"private_key_file"`
	SignedURLTTL     time.Duration `json:"signed_url_ttl" yaml:"signed_url_ttl"`

	// Also check delegate.xyz vaults that delegated to the requesting wallet
	Delegation bool `json:"delegation" yaml:"delegation"`

	// Rate limiting (per client IP). RedisURL switches to a shared limiter.
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	RedisURL           string `json:"redis_url" yaml:"redis_url"`

	// Logging
	LogLevel  string `json:"log_level" yaml:"log_level"`   // logrus level name
	LogFormat string `json:"log_format" yaml:"log_format"` // "text" or "json"
}

// BaseMainnet is the default target network.
func BaseMainnet() Network {
	return Network{
		ChainID:        8453,
		Name:           "Base",
		RPCURL:         "https://mainnet.base.org",
		CurrencyName:   "Ether",
		CurrencySymbol: "ETH",
		Decimals:       18,
		ExplorerURL:    "https://basescan.org",
	}
}

// DefaultConfig returns a config with sensible defaults for Base mainnet.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:         ":8080",
		RequestTimeout:     10 * time.Second,
		Network:            BaseMainnet(),
		TokenAddress:       "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		TokenDecimals:      6,
		KeyPrice:           "0.1",
		SignedURLTTL:       5 * time.Minute,
		RateLimitPerMinute: 30,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// LoadFromFile reads config from a JSON or YAML file (chosen by extension),
// applying defaults for missing fields.
func LoadFromFile(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from the deployment environment variables.
// Unset variables leave the current value alone.
func (c *Config) ApplyEnv() error {
	setString := func(name string, dst *string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}

	setString("LOCK_ADDRESS", &c.LockAddress)
	setString("USDC_ADDRESS", &c.TokenAddress)
	setString("BASE_RPC_URL", &c.Network.RPCURL)
	setString("BASE_WS_URL", &c.Network.WSURL)
	setString("CLOUDFRONT_DOMAIN", &c.CloudFrontDomain)
	setString("KEY_PAIR_ID", &c.KeyPairID)
	setString("PRIVATE_KEY_FILE", &c.PrivateKeyFile)
	setString("REDIS_URL", &c.RedisURL)
	setString("LOG_LEVEL", &c.LogLevel)

	// PEM bodies keep their internal newlines, so no trimming beyond the ends.
	if v := os.Getenv("PRIVATE_KEY"); strings.TrimSpace(v) != "" {
		c.PrivateKeyPEM = v
	}

	if v := strings.TrimSpace(os.Getenv("NETWORK_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("NETWORK_ID: %w", err)
		}
		c.Network.ChainID = id
	}
	return nil
}

// Validate checks the fields the broker needs.
func (c *Config) Validate() error {
	if err := c.ValidateChain(); err != nil {
		return err
	}
	if c.CloudFrontDomain == "" {
		return fmt.Errorf("cloudfront_domain is required")
	}
	if c.KeyPairID == "" {
		return fmt.Errorf("key_pair_id is required")
	}
	if c.PrivateKeyPEM == "" && c.PrivateKeyFile == "" {
		return fmt.Errorf("private_key_pem or private_key_file is required")
	}
	if c.SignedURLTTL != 0 && c.SignedURLTTL < time.Second {
		return fmt.Errorf("signed_url_ttl must be 0 (default) or at least 1s, got %s", c.SignedURLTTL)
	}
	if c.RequestTimeout != 0 && c.RequestTimeout < 100*time.Millisecond {
		return fmt.Errorf("request_timeout must be 0 (none) or at least 100ms, got %s", c.RequestTimeout)
	}
	if c.RateLimitPerMinute < 0 {
		return fmt.Errorf("rate_limit_per_minute must not be negative")
	}
	return nil
}

// ValidateChain checks the fields shared by the broker and the client.
func (c *Config) ValidateChain() error {
	if c.Network.RPCURL == "" {
		return fmt.Errorf("network.rpc_url is required")
	}
	if c.Network.ChainID <= 0 {
		return fmt.Errorf("network.chain_id must be positive")
	}
	if !common.IsHexAddress(c.LockAddress) {
		return fmt.Errorf("lock_address must be a hex address, got %q", c.LockAddress)
	}
	return nil
}

// ValidatePayment checks the fields needed to purchase or renew.
func (c *Config) ValidatePayment() error {
	if err := c.ValidateChain(); err != nil {
		return err
	}
	if !common.IsHexAddress(c.TokenAddress) {
		return fmt.Errorf("token_address must be a hex address, got %q", c.TokenAddress)
	}
	if c.TokenDecimals < 0 || c.TokenDecimals > 77 {
		return fmt.Errorf("token_decimals out of range: %d", c.TokenDecimals)
	}
	if c.KeyPrice == "" {
		return fmt.Errorf("key_price is required")
	}
	return nil
}

// Lock returns the lock address.
func (c *Config) Lock() common.Address {
	return common.HexToAddress(c.LockAddress)
}

// Token returns the payment token address.
func (c *Config) Token() common.Address {
	return common.HexToAddress(c.TokenAddress)
}
