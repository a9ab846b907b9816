// Package delegation expands a requester's wallets with the vaults that
// delegated to them on delegate.xyz v2, so a key held in a cold wallet can
// unlock content requested from a hot wallet.
package delegation

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
)

// RegistryV2 is the delegate.xyz v2 registry address (same on all chains,
// including Base).
var RegistryV2 = common.HexToAddress("0x00000000000000447e69651d841bD8D104Bed493")

// delegate.xyz v2 delegation types.
const (
	typeAll      uint8 = 1
	typeContract uint8 = 2
)

const registryABIJSON = `[{
	"inputs": [
		{"name": "to", "type": "address"}
	],
	"name": "getIncomingDelegations",
	"outputs": [{
		"components": [
			{"name": "type_", "type": "uint8"},
			{"name": "to", "type": "address"},
			{"name": "from", "type": "address"},
			{"name": "rights", "type": "bytes32"},
			{"name": "contract_", "type": "address"},
			{"name": "tokenId", "type": "uint256"},
			{"name": "amount", "type": "uint256"}
		],
		"name": "delegations_",
		"type": "tuple[]"
	}],
	"stateMutability": "view",
	"type": "function"
}]`

// incoming mirrors the registry's Delegation struct, field for field.
type incoming struct {
	Type     uint8
	To       common.Address
	From     common.Address
	Rights   [32]byte
	Contract common.Address
	TokenID  *big.Int
	Amount   *big.Int
}

// Config configures a Resolver.
type Config struct {
	Caller   ethereum.ContractCaller
	Lock     common.Address // CONTRACT-scoped delegations must name this lock
	Registry common.Address // defaults to RegistryV2
	CacheTTL time.Duration  // 0 means one minute, negative disables caching
	Logger   logrus.FieldLogger
}

// Resolver finds vault wallets for delegate wallets.
type Resolver struct {
	caller   ethereum.ContractCaller
	lock     common.Address
	registry common.Address
	abi      abi.ABI
	cacheTTL time.Duration
	now      func() time.Time
	log      logrus.FieldLogger

	mu    sync.Mutex
	cache map[common.Address]cacheEntry
}

type cacheEntry struct {
	vaults    []common.Address
	expiresAt time.Time
}

// New creates a resolver.
func New(cfg Config) (*Resolver, error) {
	if cfg.Caller == nil {
		return nil, fmt.Errorf("delegation: nil contract caller")
	}
	parsed, err := abi.JSON(strings.NewReader(registryABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parsing delegate.xyz ABI: %w", err)
	}

	r := &Resolver{
		caller:   cfg.Caller,
		lock:     cfg.Lock,
		registry: cfg.Registry,
		abi:      parsed,
		cacheTTL: cfg.CacheTTL,
		now:      time.Now,
		log:      cfg.Logger,
		cache:    make(map[common.Address]cacheEntry),
	}
	if r.registry == (common.Address{}) {
		r.registry = RegistryV2
	}
	if r.cacheTTL == 0 {
		r.cacheTTL = time.Minute
	}
	if r.log == nil {
		r.log = logrus.StandardLogger()
	}
	r.log = r.log.WithField("component", "delegation")
	return r, nil
}

// Vaults returns the wallets that delegated ALL rights, or rights on the
// lock contract, to delegate.
func (r *Resolver) Vaults(ctx context.Context, delegate common.Address) ([]common.Address, error) {
	if vaults, ok := r.cached(delegate); ok {
		return vaults, nil
	}

	callData, err := r.abi.Pack("getIncomingDelegations", delegate)
	if err != nil {
		return nil, fmt.Errorf("packing getIncomingDelegations: %w", err)
	}
	output, err := r.caller.CallContract(ctx, ethereum.CallMsg{To: &r.registry, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("calling delegate.xyz: %w", err)
	}
	results, err := r.abi.Unpack("getIncomingDelegations", output)
	if err != nil {
		return nil, fmt.Errorf("unpacking delegate.xyz response: %w", err)
	}
	if len(results) != 1 {
		return nil, fmt.Errorf("getIncomingDelegations returned %d values", len(results))
	}

	delegations := *abi.ConvertType(results[0], new([]incoming)).(*[]incoming)

	var vaults []common.Address
	for _, d := range delegations {
		if d.From == (common.Address{}) {
			continue
		}
		if d.Type == typeAll || (d.Type == typeContract && d.Contract == r.lock) {
			vaults = append(vaults, d.From)
		}
	}
	vaults = dedupe(vaults)

	r.store(delegate, vaults)
	return vaults, nil
}

// Expand returns addrs followed by any vaults delegating to them, without
// duplicates and in first-seen order. Registry failures are logged and the
// addresses are returned unexpanded.
func (r *Resolver) Expand(ctx context.Context, addrs []common.Address) []common.Address {
	out := append([]common.Address(nil), addrs...)
	for _, a := range addrs {
		vaults, err := r.Vaults(ctx, a)
		if err != nil {
			r.log.WithError(err).WithField("delegate", a.Hex()).Warn("delegation lookup failed")
			continue
		}
		out = append(out, vaults...)
	}
	return dedupe(out)
}

// Invalidate drops the cached vaults for delegate.
func (r *Resolver) Invalidate(delegate common.Address) {
	r.mu.Lock()
	delete(r.cache, delegate)
	r.mu.Unlock()
}

func (r *Resolver) cached(delegate common.Address) ([]common.Address, bool) {
	if r.cacheTTL < 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[delegate]
	if !ok || !r.now().Before(entry.expiresAt) {
		return nil, false
	}
	return entry.vaults, true
}

func (r *Resolver) store(delegate common.Address, vaults []common.Address) {
	if r.cacheTTL < 0 {
		return
	}
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for addr, entry := range r.cache {
		if !now.Before(entry.expiresAt) {
			delete(r.cache, addr)
		}
	}
	r.cache[delegate] = cacheEntry{vaults: vaults, expiresAt: now.Add(r.cacheTTL)}
}

func dedupe(addrs []common.Address) []common.Address {
	seen := make(map[common.Address]bool, len(addrs))
	result := make([]common.Address, 0, len(addrs))
	for _, a := range addrs {
		if !seen[a] {
			seen[a] = true
			result = append(result, a)
		}
	}
	return result
}
