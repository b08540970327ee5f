package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Transfer moves Amount of native value between two accounts.
type Transfer struct {
	From   common.Address
	To     common.Address
	Amount *big.Int
}

// Ledger is the value substrate. Apply executes a batch of transfers
// atomically: either every transfer lands or none does.
type Ledger interface {
	Apply(ctx context.Context, batch []Transfer) error
	BalanceOf(addr common.Address) *big.Int
}

// MemoryLedger keeps balances in process.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[common.Address]*big.Int)}
}

// Fund credits value that enters the ledger from outside (faucet, tests).
func (l *MemoryLedger) Fund(addr common.Address, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[addr] = new(big.Int).Add(l.balanceLocked(addr), amount)
}

func (l *MemoryLedger) BalanceOf(addr common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balanceLocked(addr))
}

func (l *MemoryLedger) Apply(ctx context.Context, batch []Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	// Work on a copy of the touched balances; the live map is only written
	// once every transfer in the batch has cleared.
	working := make(map[common.Address]*big.Int)
	get := func(addr common.Address) *big.Int {
		if v, ok := working[addr]; ok {
			return v
		}
		v := new(big.Int).Set(l.balanceLocked(addr))
		working[addr] = v
		return v
	}

	for i, t := range batch {
		if t.Amount == nil || t.Amount.Sign() == 0 {
			continue
		}
		if t.Amount.Sign() < 0 {
			return fmt.Errorf("transfer %d: negative amount %s", i, t.Amount)
		}
		from := get(t.From)
		if from.Cmp(t.Amount) < 0 {
			return fmt.Errorf("transfer %d from %s: %w", i, t.From.Hex(), ErrInsufficientFunds)
		}
		from.Sub(from, t.Amount)
		to := get(t.To)
		to.Add(to, t.Amount)
	}

	for addr, v := range working {
		l.balances[addr] = v
	}
	return nil
}

func (l *MemoryLedger) balanceLocked(addr common.Address) *big.Int {
	if v, ok := l.balances[addr]; ok {
		return v
	}
	return new(big.Int)
}
