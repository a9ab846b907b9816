// Package wallet is a local-key signer for lock purchases. Chain switching is
// delegated to an optional EIP-1193 style provider.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/maybehotcarl/unlock-broker/pkg/config"
)

// Provider issues wallet JSON-RPC requests. *rpc.Client satisfies it.
type Provider interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// Wallet signs transactions with an in-memory secp256k1 key.
type Wallet struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	provider Provider
}

// FromKeyFile loads a wallet from a file holding a hex private key.
func FromKeyFile(path string) (*Wallet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}
	return FromHex(strings.TrimSpace(string(data)))
}

// FromHex parses a hex private key, with or without 0x.
func FromHex(hexKey string) (*Wallet, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return fromKey(key), nil
}

// Generate creates a wallet with a fresh random key.
func Generate() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	return fromKey(key), nil
}

func fromKey(key *ecdsa.PrivateKey) *Wallet {
	return &Wallet{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// WithProvider attaches a provider used for chain switch/add requests.
func (w *Wallet) WithProvider(p Provider) *Wallet {
	w.provider = p
	return w
}

func (w *Wallet) Address() common.Address { return w.address }

func (w *Wallet) AddressHex() string { return w.address.Hex() }

// PrivateKeyHex returns the key without 0x prefix.
func (w *Wallet) PrivateKeyHex() string {
	return hex.EncodeToString(crypto.FromECDSA(w.key))
}

// SaveKeyFile writes the hex key with 0600 permissions.
func (w *Wallet) SaveKeyFile(path string) error {
	return os.WriteFile(path, []byte(w.PrivateKeyHex()+"\n"), 0600)
}

// SignTx signs tx for chainID.
func (w *Wallet) SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), w.key)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}
	return signed, nil
}

type switchChainParams struct {
	ChainID string `json:"chainId"`
}

// AddChainParams is the wallet_addEthereumChain request body.
type AddChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	RPCURLs           []string       `json:"rpcUrls"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls,omitempty"`
}

type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// NewAddChainParams converts a network into the wallet request shape.
func NewAddChainParams(n config.Network) AddChainParams {
	p := AddChainParams{
		ChainID:   hexutil.EncodeBig(n.ChainIDBig()),
		ChainName: n.Name,
		RPCURLs:   []string{n.RPCURL},
		NativeCurrency: NativeCurrency{
			Name:     n.CurrencyName,
			Symbol:   n.CurrencySymbol,
			Decimals: n.Decimals,
		},
	}
	if n.ExplorerURL != "" {
		p.BlockExplorerURLs = []string{n.ExplorerURL}
	}
	return p
}

// SwitchChain asks the provider to select chainID. Without a provider the
// key is chain-agnostic and this is a no-op.
func (w *Wallet) SwitchChain(ctx context.Context, chainID *big.Int) error {
	if w.provider == nil {
		return nil
	}
	params := switchChainParams{ChainID: hexutil.EncodeBig(chainID)}
	if err := w.provider.CallContext(ctx, nil, "wallet_switchEthereumChain", params); err != nil {
		return fmt.Errorf("wallet_switchEthereumChain: %w", err)
	}
	return nil
}

// AddChain registers the network with the provider.
func (w *Wallet) AddChain(ctx context.Context, n config.Network) error {
	if w.provider == nil {
		return nil
	}
	if err := w.provider.CallContext(ctx, nil, "wallet_addEthereumChain", NewAddChainParams(n)); err != nil {
		return fmt.Errorf("wallet_addEthereumChain: %w", err)
	}
	return nil
}
