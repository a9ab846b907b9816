// Package orchestrator drives the on-chain steps needed to acquire or renew a
// lock key: network check, token allowance, then the purchase or extend call.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"

	"github.com/maybehotcarl/unlock-broker/pkg/config"
	"github.com/maybehotcarl/unlock-broker/pkg/unlockerr"
)

var (
	ErrNetworkMismatch  = errors.New("wallet is not on the target network")
	ErrAllowanceFailure = errors.New("token allowance could not be granted")
	ErrContractRevert   = errors.New("contract reverted")
)

// EIP-1193 "unrecognized chain" code returned by wallet_switchEthereumChain.
const codeUnrecognizedChain = 4902

// DefaultReceiptPoll is how often an approval receipt is polled for.
const DefaultReceiptPoll = 2 * time.Second

// RevertError carries the raw revert payload and its human-readable reason.
type RevertError struct {
	Method string
	Data   string
	Reason string
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("%s reverted: %s", e.Method, e.Reason)
}

func (e *RevertError) Is(target error) bool { return target == ErrContractRevert }

// Wallet is the capability set the orchestrator needs from a signer.
type Wallet interface {
	Address() common.Address
	SwitchChain(ctx context.Context, chainID *big.Int) error
	AddChain(ctx context.Context, network config.Network) error
	SignTx(ctx context.Context, tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// Backend is the node surface used for reads and submission. *ethclient.Client
// satisfies it.
type Backend interface {
	ethereum.ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Orchestrator is not safe for concurrent use with the same wallet; nonces
// are read from the pending state on every submission.
type Orchestrator struct {
	backend  Backend
	network  config.Network
	lockABI  abi.ABI
	erc20ABI abi.ABI
	poll     time.Duration
	log      logrus.FieldLogger
}

// New creates an orchestrator targeting network.
func New(backend Backend, network config.Network, log logrus.FieldLogger) (*Orchestrator, error) {
	if backend == nil {
		return nil, fmt.Errorf("orchestrator: nil backend")
	}
	if network.ChainID <= 0 {
		return nil, fmt.Errorf("orchestrator: invalid chain id %d", network.ChainID)
	}
	lockABI, err := abi.JSON(strings.NewReader(lockABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing lock ABI: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing ERC-20 ABI: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{
		backend:  backend,
		network:  network,
		lockABI:  lockABI,
		erc20ABI: erc20ABI,
		poll:     DefaultReceiptPoll,
		log:      log.WithField("component", "orchestrator"),
	}, nil
}

// SetReceiptPoll overrides the approval receipt polling interval.
func (o *Orchestrator) SetReceiptPoll(d time.Duration) {
	if d > 0 {
		o.poll = d
	}
}

// EnsureNetwork asks the wallet to switch to the target chain, registering
// the chain first if the wallet does not know it.
func (o *Orchestrator) EnsureNetwork(ctx context.Context, w Wallet) error {
	err := w.SwitchChain(ctx, o.network.ChainIDBig())
	if err == nil {
		return nil
	}

	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == codeUnrecognizedChain {
		o.log.WithField("chain_id", o.network.ChainID).Info("chain unknown to wallet, adding it")
		if err := w.AddChain(ctx, o.network); err != nil {
			return fmt.Errorf("%w: adding chain %d: %v", ErrNetworkMismatch, o.network.ChainID, err)
		}
		return nil
	}
	return fmt.Errorf("%w: switching to chain %d: %v", ErrNetworkMismatch, o.network.ChainID, err)
}

// EnsureAllowance makes sure spender may pull at least required of token from the
// wallet. An existing larger allowance is left as is. When an approval is
// needed, it waits for the approval to be mined with status 1.
func (o *Orchestrator) EnsureAllowance(ctx context.Context, w Wallet, token, spender common.Address, required *big.Int) error {
	owner := w.Address()
	log := o.log.WithFields(logrus.Fields{"owner": owner.Hex(), "spender": spender.Hex()})

	current, err := o.allowance(ctx, token, owner, spender)
	if err != nil {
		return fmt.Errorf("%w: reading allowance: %v", ErrAllowanceFailure, err)
	}
	if current.Cmp(required) >= 0 {
		log.WithField("allowance", current.String()).Debug("allowance sufficient")
		return nil
	}

	data, err := o.erc20ABI.Pack("approve", spender, required)
	if err != nil {
		return fmt.Errorf("packing approve: %w", err)
	}
	hash, err := o.submit(ctx, w, token, data, "approve")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrAllowanceFailure, err)
	}
	log.WithField("tx", hash.Hex()).Info("approval submitted, waiting for receipt")

	receipt, err := o.waitMined(ctx, hash)
	if err != nil {
		return fmt.Errorf("%w: waiting for approval %s: %v", ErrAllowanceFailure, hash.Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("%w: approval %s failed on-chain", ErrAllowanceFailure, hash.Hex())
	}
	return nil
}

// Purchase buys a new key for intent.Owner and returns the transaction hash
// once the node accepts it.
func (o *Orchestrator) Purchase(ctx context.Context, w Wallet, intent Intent) (common.Hash, error) {
	amount, err := o.prepare(ctx, w, intent)
	if err != nil {
		return common.Hash{}, err
	}

	zero := common.Address{}
	data, err := o.lockABI.Pack("purchase",
		[]*big.Int{amount},
		[]common.Address{intent.Owner},
		[]common.Address{zero},
		[]common.Address{zero},
		[][]byte{{}},
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("packing purchase: %w", err)
	}

	hash, err := o.submit(ctx, w, intent.Lock, data, "purchase")
	if err != nil {
		return common.Hash{}, err
	}
	o.log.WithFields(logrus.Fields{"owner": intent.Owner.Hex(), "tx": hash.Hex()}).Info("purchase submitted")
	return hash, nil
}

// Renew extends the owner's first key on the lock.
func (o *Orchestrator) Renew(ctx context.Context, w Wallet, intent Intent) (common.Hash, error) {
	amount, err := o.prepare(ctx, w, intent)
	if err != nil {
		return common.Hash{}, err
	}

	tokenID, err := o.tokenOfOwner(ctx, intent.Lock, intent.Owner)
	if err != nil {
		return common.Hash{}, fmt.Errorf("looking up key of %s: %w", intent.Owner.Hex(), err)
	}

	data, err := o.lockABI.Pack("extend", amount, tokenID, intent.Referrer, []byte{})
	if err != nil {
		return common.Hash{}, fmt.Errorf("packing extend: %w", err)
	}

	hash, err := o.submit(ctx, w, intent.Lock, data, "extend")
	if err != nil {
		return common.Hash{}, err
	}
	o.log.WithFields(logrus.Fields{
		"owner":    intent.Owner.Hex(),
		"token_id": tokenID.String(),
		"tx":       hash.Hex(),
	}).Info("renewal submitted")
	return hash, nil
}

// prepare runs the network and allowance steps shared by purchase and renew.
func (o *Orchestrator) prepare(ctx context.Context, w Wallet, intent Intent) (*big.Int, error) {
	if err := intent.validate(); err != nil {
		return nil, err
	}
	amount, err := intent.Amount()
	if err != nil {
		return nil, fmt.Errorf("intent price: %w", err)
	}
	if err := o.EnsureNetwork(ctx, w); err != nil {
		return nil, err
	}
	if err := o.EnsureAllowance(ctx, w, intent.Token, intent.Lock, amount); err != nil {
		return nil, err
	}
	return amount, nil
}

// submit estimates, signs and sends a legacy transaction to `to`.
func (o *Orchestrator) submit(ctx context.Context, w Wallet, to common.Address, data []byte, method string) (common.Hash, error) {
	from := w.Address()

	nonce, err := o.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getting nonce: %w", err)
	}
	gasPrice, err := o.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("getting gas price: %w", err)
	}
	gas, err := o.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return common.Hash{}, classify(method, "estimating gas", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := w.SignTx(ctx, tx, o.network.ChainIDBig())
	if err != nil {
		return common.Hash{}, fmt.Errorf("signing %s: %w", method, err)
	}
	if err := o.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, classify(method, "sending", err)
	}
	return signed.Hash(), nil
}

func (o *Orchestrator) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(o.poll)
	defer ticker.Stop()

	for {
		receipt, err := o.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	out, err := o.read(ctx, o.erc20ABI, token, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	v, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected allowance type %T", out)
	}
	return v, nil
}

func (o *Orchestrator) tokenOfOwner(ctx context.Context, lock, owner common.Address) (*big.Int, error) {
	out, err := o.read(ctx, o.lockABI, lock, "tokenOfOwnerByIndex", owner, big.NewInt(0))
	if err != nil {
		return nil, err
	}
	v, ok := out.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected token id type %T", out)
	}
	return v, nil
}

func (o *Orchestrator) read(ctx context.Context, contract abi.ABI, to common.Address, method string, args ...any) (any, error) {
	data, err := contract.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("packing %s: %w", method, err)
	}
	raw, err := o.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(method, "calling", err)
	}
	out, err := contract.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpacking %s: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("%s returned %d values", method, len(out))
	}
	return out[0], nil
}

// classify turns a node error that carries revert data into a *RevertError.
func classify(method, op string, err error) error {
	if data, ok := revertData(err); ok {
		return &RevertError{Method: method, Data: data, Reason: unlockerr.Decode(data)}
	}
	return fmt.Errorf("%s %s: %w", op, method, err)
}

func revertData(err error) (string, bool) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return "", false
	}
	data, ok := dataErr.ErrorData().(string)
	if !ok || !strings.HasPrefix(data, "0x") || len(data) < 10 {
		return "", false
	}
	return data, true
}
