package orchestrator

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/maybehotcarl/unlock-broker/pkg/config"
)

// Intent describes one purchase or renewal. Referrer is only sent on renewal.
type Intent struct {
	Lock     common.Address
	Owner    common.Address
	Price    string // decimal amount in token units, e.g. "0.1"
	Token    common.Address
	Decimals int
	Referrer common.Address
}

// PurchaseIntent builds a purchase for owner from the configured lock, token and price.
func PurchaseIntent(cfg *config.Config, owner common.Address) Intent {
	return Intent{
		Lock:     cfg.Lock(),
		Owner:    owner,
		Price:    cfg.KeyPrice,
		Token:    cfg.Token(),
		Decimals: cfg.TokenDecimals,
	}
}

// RenewIntent is PurchaseIntent with the owner as referrer.
func RenewIntent(cfg *config.Config, owner common.Address) Intent {
	in := PurchaseIntent(cfg, owner)
	in.Referrer = owner
	return in
}

// Amount returns the price in the token's smallest unit.
func (in Intent) Amount() (*big.Int, error) {
	return ParseUnits(in.Price, in.Decimals)
}

func (in Intent) validate() error {
	zero := common.Address{}
	switch {
	case in.Lock == zero:
		return fmt.Errorf("intent: lock address is required")
	case in.Owner == zero:
		return fmt.Errorf("intent: owner address is required")
	case in.Token == zero:
		return fmt.Errorf("intent: payment token is required")
	}
	return nil
}

// ParseUnits converts a decimal string such as "0.1" into an integer amount
// scaled by 10^decimals. More fractional digits than decimals is an error.
func ParseUnits(amount string, decimals int) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}
	if decimals < 0 {
		return nil, fmt.Errorf("negative decimals %d", decimals)
	}

	whole, frac, _ := strings.Cut(amount, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, decimals)
	}
	digits := whole + frac + strings.Repeat("0", decimals-len(frac))
	for _, r := range digits {
		if r < '0' || r > '9' {
			return nil, fmt.Errorf("invalid amount %q", amount)
		}
	}

	v, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	return v, nil
}
