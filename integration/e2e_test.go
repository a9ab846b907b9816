// Package integration exercises the full member flow against a mock chain:
// check membership, buy or renew a key, then fetch and verify a signed URL.
package integration

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"

	"github.com/maybehotcarl/unlock-broker/pkg/cfsign"
	"github.com/maybehotcarl/unlock-broker/pkg/client/api"
	"github.com/maybehotcarl/unlock-broker/pkg/config"
	"github.com/maybehotcarl/unlock-broker/pkg/membership"
	"github.com/maybehotcarl/unlock-broker/pkg/orchestrator"
	"github.com/maybehotcarl/unlock-broker/pkg/secrets"
	"github.com/maybehotcarl/unlock-broker/pkg/server"
	"github.com/maybehotcarl/unlock-broker/pkg/wallet"
)

const (
	testLockHex = "0x00000000000000000000000000000000000000aa"
	cdnDomain   = "cdn.example"
	keyPairID   = "K2JCJMDEHXQW5F"
)

var chainID = big.NewInt(8453)

func selector(sig string) string {
	return hex.EncodeToString(crypto.Keccak256([]byte(sig))[:4])
}

var (
	selTotalKeys    = selector("totalKeys(address)")
	selHasValidKey  = selector("getHasValidKey(address)")
	selAllowance    = selector("allowance(address,address)")
	selTokenOfOwner = selector("tokenOfOwnerByIndex(address,uint256)")
	selApprove      = selector("approve(address,uint256)")
	selPurchase     = selector("purchase(uint256[],address[],address[],address[],bytes[])")
	selExtend       = selector("extend(uint256,uint256,address,bytes)")
)

type key struct {
	total int64
	valid bool
}

// mockChain is a JSON-RPC endpoint backing a lock and an ERC-20 from memory.
// Mined approve/purchase/extend transactions update the state immediately.
type mockChain struct {
	t *testing.T

	mu        sync.Mutex
	keys      map[common.Address]key
	allowance map[common.Address]*big.Int
	nonces    map[common.Address]uint64
	receipts  map[common.Hash]*types.Receipt
	sent      []string
}

func newMockChain(t *testing.T) (*mockChain, *httptest.Server) {
	m := &mockChain{
		t:         t,
		keys:      map[common.Address]key{},
		allowance: map[common.Address]*big.Int{},
		nonces:    map[common.Address]uint64{},
		receipts:  map[common.Hash]*types.Receipt{},
	}
	srv := httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(srv.Close)
	return m, srv
}

func word(v *big.Int) string {
	out := make([]byte, 32)
	v.FillBytes(out)
	return "0x" + hex.EncodeToString(out)
}

func argAddress(data string, index int) common.Address {
	start := 8 + index*64
	return common.HexToAddress("0x" + data[start+24:start+64])
}

func (m *mockChain) serve(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	json.NewDecoder(r.Body).Decode(&req)

	result, rpcErr := m.handle(req.Method, req.Params)

	resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
	if rpcErr != nil {
		resp["error"] = rpcErr
	} else {
		resp["result"] = result
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (m *mockChain) handle(method string, params []json.RawMessage) (any, map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch method {
	case "eth_call":
		var call struct {
			Input string `json:"input"`
			Data  string `json:"data"`
		}
		json.Unmarshal(params[0], &call)
		data := call.Input
		if data == "" {
			data = call.Data
		}
		data = strings.TrimPrefix(data, "0x")

		switch data[:8] {
		case selTotalKeys:
			return word(big.NewInt(m.keys[argAddress(data, 0)].total)), nil
		case selHasValidKey:
			v := big.NewInt(0)
			if m.keys[argAddress(data, 0)].valid {
				v = big.NewInt(1)
			}
			return word(v), nil
		case selAllowance:
			a := m.allowance[argAddress(data, 0)]
			if a == nil {
				a = big.NewInt(0)
			}
			return word(a), nil
		case selTokenOfOwner:
			return word(big.NewInt(7)), nil
		}
		m.t.Errorf("unexpected eth_call selector %s", data[:8])
		return nil, map[string]any{"code": -32601, "message": "unknown selector"}

	case "eth_getTransactionCount":
		var addr common.Address
		json.Unmarshal(params[0], &addr)
		return hexutil.EncodeUint64(m.nonces[addr]), nil

	case "eth_gasPrice":
		return "0x3b9aca00", nil

	case "eth_estimateGas":
		return "0x30d40", nil

	case "eth_sendRawTransaction":
		var raw hexutil.Bytes
		json.Unmarshal(params[0], &raw)
		tx := new(types.Transaction)
		if err := tx.UnmarshalBinary(raw); err != nil {
			return nil, map[string]any{"code": -32000, "message": err.Error()}
		}
		from, err := types.Sender(types.LatestSignerForChainID(chainID), tx)
		if err != nil {
			return nil, map[string]any{"code": -32000, "message": err.Error()}
		}
		m.mine(from, tx)
		return tx.Hash().Hex(), nil

	case "eth_getTransactionReceipt":
		var h common.Hash
		json.Unmarshal(params[0], &h)
		if rec, ok := m.receipts[h]; ok {
			return rec, nil
		}
		return nil, nil
	}

	m.t.Errorf("unexpected RPC method %s", method)
	return nil, map[string]any{"code": -32601, "message": "method not found"}
}

// mine applies tx to the in-memory state. Callers hold m.mu.
func (m *mockChain) mine(from common.Address, tx *types.Transaction) {
	m.nonces[from]++
	data := hex.EncodeToString(tx.Data())

	switch data[:8] {
	case selApprove:
		m.sent = append(m.sent, "approve")
		amount := new(big.Int).SetBytes(tx.Data()[36:68])
		m.allowance[from] = amount
	case selPurchase:
		m.sent = append(m.sent, "purchase")
		m.keys[from] = key{total: 1, valid: true}
	case selExtend:
		m.sent = append(m.sent, "extend")
		k := m.keys[from]
		k.valid = true
		m.keys[from] = k
	default:
		m.t.Errorf("unexpected transaction selector %s", data[:8])
	}

	m.receipts[tx.Hash()] = &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: 50_000,
		GasUsed:           50_000,
		TxHash:            tx.Hash(),
		Logs:              []*types.Log{},
		BlockNumber:       big.NewInt(1),
	}
}

func (m *mockChain) set(addr common.Address, k key) {
	m.mu.Lock()
	m.keys[addr] = k
	m.mu.Unlock()
}

func (m *mockChain) transactions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

type harness struct {
	chain  *mockChain
	cfg    *config.Config
	client *api.Client
	orch   *orchestrator.Orchestrator
	pub    *rsa.PublicKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	chain, rpcSrv := newMockChain(t)

	eth, err := ethclient.Dial(rpcSrv.URL)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eth.Close)

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := config.DefaultConfig()
	cfg.LockAddress = testLockHex
	cfg.Network.RPCURL = rpcSrv.URL
	cfg.CloudFrontDomain = cdnDomain
	cfg.KeyPairID = keyPairID

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	verifier, err := membership.New(eth, membership.ContractRef{Address: cfg.Lock(), ChainID: chainID}, logger)
	if err != nil {
		t.Fatal(err)
	}
	signer := cfsign.New(cfg.CloudFrontDomain, cfg.KeyPairID, staticKey{rsaKey}, logger)

	srv := server.New(cfg, verifier, signer, logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	orch, err := orchestrator.New(eth, cfg.Network, logger)
	if err != nil {
		t.Fatal(err)
	}
	orch.SetReceiptPoll(5 * time.Millisecond)

	return &harness{chain: chain, cfg: cfg, client: api.NewClient(ts.URL), orch: orch, pub: &rsaKey.PublicKey}
}

type staticKey struct{ key *rsa.PrivateKey }

func (s staticKey) PrivateKey(context.Context) (*rsa.PrivateKey, error) { return s.key, nil }

var _ secrets.KeySource = staticKey{}

func expectDenied(t *testing.T, err error, msg string) {
	t.Helper()
	var apiErr *api.Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want broker error", err)
	}
	if apiErr.StatusCode != http.StatusForbidden || apiErr.Message != msg {
		t.Fatalf("got %d %q, want 403 %q", apiErr.StatusCode, apiErr.Message, msg)
	}
}

func TestPurchaseThenUnlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, err := wallet.Generate()
	if err != nil {
		t.Fatal(err)
	}

	t.Run("non-member denied", func(t *testing.T) {
		status, err := h.client.Membership(ctx, w.AddressHex())
		if err != nil || status != "none" {
			t.Fatalf("membership = %q, %v", status, err)
		}
		_, err = h.client.Content(ctx, "videos/intro.mp4", w.AddressHex())
		expectDenied(t, err, "No membership")
	})

	t.Run("purchase", func(t *testing.T) {
		hash, err := h.orch.Purchase(ctx, w, orchestrator.PurchaseIntent(h.cfg, w.Address()))
		if err != nil {
			t.Fatalf("Purchase: %v", err)
		}
		if hash == (common.Hash{}) {
			t.Error("expected a transaction hash")
		}
		if got := strings.Join(h.chain.transactions(), ","); got != "approve,purchase" {
			t.Errorf("transactions = %s, want approve,purchase", got)
		}
	})

	t.Run("member unlocks", func(t *testing.T) {
		resp, err := h.client.Content(ctx, "videos/intro.mp4", w.AddressHex())
		if err != nil {
			t.Fatalf("Content: %v", err)
		}

		policy, keyID, err := cfsign.VerifyURL(h.pub, resp.URL)
		if err != nil {
			t.Fatalf("VerifyURL: %v", err)
		}
		if keyID != keyPairID {
			t.Errorf("Key-Pair-Id = %s", keyID)
		}
		if policy.Resource() != "https://cdn.example/videos/intro.mp4" {
			t.Errorf("resource = %s", policy.Resource())
		}
		remaining := time.Until(time.Unix(policy.Expires(), 0))
		if remaining <= 4*time.Minute || remaining > 5*time.Minute+time.Second {
			t.Errorf("expires in %s, want about 5m", remaining)
		}
	})

	t.Run("second purchase skips approval", func(t *testing.T) {
		if _, err := h.orch.Purchase(ctx, w, orchestrator.PurchaseIntent(h.cfg, w.Address())); err != nil {
			t.Fatalf("Purchase: %v", err)
		}
		if got := strings.Join(h.chain.transactions(), ","); got != "approve,purchase,purchase" {
			t.Errorf("transactions = %s", got)
		}
	})
}

func TestExpiredMemberRenews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	w, _ := wallet.Generate()
	h.chain.set(w.Address(), key{total: 1, valid: false})

	_, err := h.client.Content(ctx, "a.pdf", w.AddressHex())
	expectDenied(t, err, "Membership expired")

	if _, err := h.orch.Renew(ctx, w, orchestrator.RenewIntent(h.cfg, w.Address())); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if got := strings.Join(h.chain.transactions(), ","); got != "approve,extend" {
		t.Errorf("transactions = %s, want approve,extend", got)
	}

	if _, err := h.client.Content(ctx, "a.pdf", w.AddressHex()); err != nil {
		t.Fatalf("Content after renew: %v", err)
	}
}

func TestFirstWalletWithKeyDecides(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	empty, _ := wallet.Generate()
	expired, _ := wallet.Generate()
	active, _ := wallet.Generate()
	h.chain.set(expired.Address(), key{total: 1, valid: false})
	h.chain.set(active.Address(), key{total: 1, valid: true})

	// expired precedes active, so the answer is expired.
	_, err := h.client.Content(ctx, "a.pdf", empty.AddressHex(), expired.AddressHex(), active.AddressHex())
	expectDenied(t, err, "Membership expired")

	if _, err := h.client.Content(ctx, "a.pdf", empty.AddressHex(), active.AddressHex(), expired.AddressHex()); err != nil {
		t.Fatalf("Content: %v", err)
	}
}
