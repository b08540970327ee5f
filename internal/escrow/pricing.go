package escrow

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// ExtensionPricer decides what the tenant owes for lengthening a rental.
type ExtensionPricer interface {
	ExtensionCost(info RentalInfo, newDuration time.Duration) *big.Int
}

// ProRataPricer charges the rental amount scaled by added time over the
// original duration. A zero original duration prices any extension at the
// full amount.
type ProRataPricer struct{}

func (ProRataPricer) ExtensionCost(info RentalInfo, newDuration time.Duration) *big.Int {
	amount := cloneInt(info.Amount)
	if info.Duration <= 0 {
		return amount
	}
	added := newDuration - info.Duration
	if added <= 0 {
		return new(big.Int)
	}
	cost := new(big.Int).Mul(amount, big.NewInt(int64(added)))
	return cost.Div(cost, big.NewInt(int64(info.Duration)))
}

// FlatRatePricer charges Rate for every started hour of added time.
type FlatRatePricer struct {
	Rate *big.Int
}

func (p FlatRatePricer) ExtensionCost(info RentalInfo, newDuration time.Duration) *big.Int {
	added := newDuration - info.Duration
	if added <= 0 || p.Rate == nil {
		return new(big.Int)
	}
	hours := int64((added + time.Hour - 1) / time.Hour)
	return new(big.Int).Mul(p.Rate, big.NewInt(hours))
}

// SettlementPolicy decides who receives the rental amount when an agreement
// completes. The deposit always returns to the tenant.
type SettlementPolicy uint8

const (
	AmountToTenant SettlementPolicy = iota
	AmountToOwner
)

func (p SettlementPolicy) String() string {
	if p == AmountToOwner {
		return "owner"
	}
	return "tenant"
}

// ParseSettlementPolicy accepts "tenant" or "owner"; empty means tenant.
func ParseSettlementPolicy(v string) (SettlementPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "tenant":
		return AmountToTenant, nil
	case "owner":
		return AmountToOwner, nil
	default:
		return 0, fmt.Errorf("unknown settlement policy %q", v)
	}
}
