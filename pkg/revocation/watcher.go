// Package revocation watches the delegate.xyz v2 registry for delegation
// changes and drops the affected wallets from the delegation cache, so a
// revoked vault stops unlocking content before its cache entry expires.
package revocation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
)

const registryEventABI = `[{
	"anonymous": false,
	"inputs": [
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": false, "name": "rights", "type": "bytes32"},
		{"indexed": false, "name": "enable", "type": "bool"}
	],
	"name": "DelegateAll",
	"type": "event"
},{
	"anonymous": false,
	"inputs": [
		{"indexed": true, "name": "from", "type": "address"},
		{"indexed": true, "name": "to", "type": "address"},
		{"indexed": true, "name": "contract_", "type": "address"},
		{"indexed": false, "name": "rights", "type": "bytes32"},
		{"indexed": false, "name": "enable", "type": "bool"}
	],
	"name": "DelegateContract",
	"type": "event"
}]`

// DefaultRetry is the pause between subscription attempts.
const DefaultRetry = 10 * time.Second

// Invalidator forgets cached delegation state for a delegate wallet.
type Invalidator interface {
	Invalidate(delegate common.Address)
}

// Watcher subscribes to registry delegation events.
type Watcher struct {
	filterer    ethereum.LogFilterer
	registry    common.Address
	lock        common.Address
	invalidator Invalidator
	log         logrus.FieldLogger
	retry       time.Duration

	delegateAll      common.Hash
	delegateContract common.Hash

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewWatcher creates a watcher for registry. Contract-scoped delegations only
// matter when they name lock. The filterer must support subscriptions, so
// dial it over a WebSocket endpoint.
func NewWatcher(filterer ethereum.LogFilterer, registry, lock common.Address, inv Invalidator, log logrus.FieldLogger) (*Watcher, error) {
	if filterer == nil || inv == nil {
		return nil, fmt.Errorf("revocation: filterer and invalidator are required")
	}
	parsed, err := abi.JSON(strings.NewReader(registryEventABI))
	if err != nil {
		return nil, fmt.Errorf("parsing registry event ABI: %w", err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Watcher{
		filterer:         filterer,
		registry:         registry,
		lock:             lock,
		invalidator:      inv,
		log:              log.WithField("component", "revocation"),
		retry:            DefaultRetry,
		delegateAll:      parsed.Events["DelegateAll"].ID,
		delegateContract: parsed.Events["DelegateContract"].ID,
	}, nil
}

// Start watches until ctx is cancelled or Stop is called, resubscribing
// after errors.
func (w *Watcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancel = cancel
	w.mu.Unlock()
	defer cancel()

	for {
		err := w.subscribe(ctx)
		if ctx.Err() != nil {
			return
		}
		w.log.WithError(err).Warnf("subscription error, reconnecting in %s", w.retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.retry):
		}
	}
}

// Stop cancels a running Start.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		w.cancel()
	}
}

func (w *Watcher) subscribe(ctx context.Context) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{w.registry},
		Topics:    [][]common.Hash{{w.delegateAll, w.delegateContract}},
	}

	logs := make(chan types.Log)
	sub, err := w.filterer.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	w.log.WithField("registry", w.registry.Hex()).Info("watching delegation events")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			return err
		case vLog := <-logs:
			w.handleLog(vLog)
		}
	}
}

// handleLog invalidates the delegate named by a delegation event.
func (w *Watcher) handleLog(vLog types.Log) {
	// Topics: [sig, from, to] plus contract_ for DelegateContract.
	if len(vLog.Topics) < 3 {
		return
	}

	switch vLog.Topics[0] {
	case w.delegateAll:
	case w.delegateContract:
		if len(vLog.Topics) < 4 {
			return
		}
		if common.BytesToAddress(vLog.Topics[3].Bytes()) != w.lock {
			return
		}
	default:
		return
	}

	from := common.BytesToAddress(vLog.Topics[1].Bytes())
	to := common.BytesToAddress(vLog.Topics[2].Bytes())
	if to == (common.Address{}) {
		return
	}

	w.log.WithFields(logrus.Fields{
		"vault":    truncAddr(from),
		"delegate": truncAddr(to),
		"tx":       vLog.TxHash.Hex(),
	}).Info("delegation changed, invalidating")
	w.invalidator.Invalidate(to)
}

func truncAddr(addr common.Address) string {
	hex := addr.Hex()
	return hex[:6] + "..." + hex[len(hex)-4:]
}
