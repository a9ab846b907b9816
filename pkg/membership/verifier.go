// Package membership derives a wallet's Unlock membership status from the
// lock contract. Status is read from the chain on every call and never cached.
package membership

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidInput is returned for an empty candidate list or a zero address.
	ErrInvalidInput = errors.New("invalid input")

	// ErrVerificationFailed wraps any chain read failure. Callers own retry policy.
	ErrVerificationFailed = errors.New("membership verification failed")
)

// Status is a wallet's membership state.
type Status int

const (
	StatusNone Status = iota
	StatusExpired
	StatusActive
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusExpired:
		return "expired"
	default:
		return "none"
	}
}

// ContractRef identifies the lock contract on its network.
type ContractRef struct {
	Address common.Address
	ChainID *big.Int
}

// String renders the reference as <address>@<chain id>.
func (r ContractRef) String() string {
	chain := "?"
	if r.ChainID != nil {
		chain = r.ChainID.String()
	}
	return r.Address.Hex() + "@" + chain
}

// PublicLock read surface used for verification.
const lockReadABIJSON = `[{
	"inputs": [{"name": "_keyOwner", "type": "address"}],
	"name": "totalKeys",
	"outputs": [{"name": "", "type": "uint256"}],
	"stateMutability": "view",
	"type": "function"
},{
	"inputs": [{"name": "_keyOwner", "type": "address"}],
	"name": "getHasValidKey",
	"outputs": [{"name": "isValid", "type": "bool"}],
	"stateMutability": "view",
	"type": "function"
}]`

// Verifier queries the lock contract for membership.
type Verifier struct {
	caller  ethereum.ContractCaller
	ref     ContractRef
	lockABI abi.ABI
	log     logrus.FieldLogger
}

// New creates a Verifier bound to one lock. caller is usually an *ethclient.Client.
func New(caller ethereum.ContractCaller, ref ContractRef, log logrus.FieldLogger) (*Verifier, error) {
	if ref.Address == (common.Address{}) {
		return nil, fmt.Errorf("%w: zero lock address", ErrInvalidInput)
	}
	if ref.ChainID == nil || ref.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: lock %s needs a positive chain id", ErrInvalidInput, ref.Address.Hex())
	}
	parsed, err := abi.JSON(strings.NewReader(lockReadABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing lock ABI: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Verifier{
		caller:  caller,
		ref:     ref,
		lockABI: parsed,
		log:     log.WithFields(logrus.Fields{"component": "membership", "lock": ref.String()}),
	}, nil
}

// Contract returns the lock this verifier reads.
func (v *Verifier) Contract() ContractRef {
	return v.ref
}

// Verify walks candidates in order. The first wallet that has ever owned a key
// decides the result: active if its key is valid, expired otherwise. Wallets
// after it are never queried. If no candidate owns a key the status is none.
func (v *Verifier) Verify(ctx context.Context, candidates []common.Address) (Status, error) {
	if len(candidates) == 0 {
		return StatusNone, fmt.Errorf("%w: no candidate wallets", ErrInvalidInput)
	}
	for _, wallet := range candidates {
		if wallet == (common.Address{}) {
			return StatusNone, fmt.Errorf("%w: zero address candidate", ErrInvalidInput)
		}
	}

	for _, wallet := range candidates {
		total, err := v.totalKeys(ctx, wallet)
		if err != nil {
			return StatusNone, fmt.Errorf("%w: lock %s: %v", ErrVerificationFailed, v.ref, err)
		}
		if total.Sign() == 0 {
			continue
		}

		valid, err := v.hasValidKey(ctx, wallet)
		if err != nil {
			return StatusNone, fmt.Errorf("%w: lock %s: %v", ErrVerificationFailed, v.ref, err)
		}
		status := StatusExpired
		if valid {
			status = StatusActive
		}
		v.log.WithFields(logrus.Fields{
			"wallet":     wallet.Hex(),
			"total_keys": total.String(),
			"status":     status.String(),
		}).Debug("membership resolved")
		return status, nil
	}
	return StatusNone, nil
}

func (v *Verifier) totalKeys(ctx context.Context, wallet common.Address) (*big.Int, error) {
	results, err := v.call(ctx, "totalKeys", wallet)
	if err != nil {
		return nil, err
	}
	total, ok := results[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected type for totalKeys: %T", results[0])
	}
	return total, nil
}

func (v *Verifier) hasValidKey(ctx context.Context, wallet common.Address) (bool, error) {
	results, err := v.call(ctx, "getHasValidKey", wallet)
	if err != nil {
		return false, err
	}
	valid, ok := results[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected type for getHasValidKey: %T", results[0])
	}
	return valid, nil
}

// call packs, executes and unpacks a single-output view method.
func (v *Verifier) call(ctx context.Context, method string, args ...any) ([]any, error) {
	callData, err := v.lockABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}

	output, err := v.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &v.ref.Address,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", method, err)
	}

	results, err := v.lockABI.Unpack(method, output)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("expected 1 return value from %s, got %d", method, len(results))
	}
	return results, nil
}
