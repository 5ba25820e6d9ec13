package clients

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/paychan/types"
)

var _ Host = (*MemoryLedger)(nil)

// MemoryLedger is an in-process ledger. Settlements are applied atomically:
// either every effect of a plan is applied or none is. It is safe for
// concurrent use.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[types.AccountID]*big.Int
	inactive map[types.AccountID]bool
	seq      uint64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[types.AccountID]*big.Int),
		inactive: make(map[types.AccountID]bool),
	}
}

// Mint credits amount to account out of thin air.
func (l *MemoryLedger) Mint(account types.AccountID, amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.credit(account, amount)
}

// NewAccount returns a fresh account derived from an internal sequence. IDs
// are in address form so that every signature scheme can bind them.
func (l *MemoryLedger) NewAccount(context.Context) (types.AccountID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.seq)
	h := crypto.Keccak256Hash([]byte("paychan/account"), buf[:])
	return types.AccountIDFromAddress(common.BytesToAddress(h[12:])), nil
}

func (l *MemoryLedger) Balance(_ context.Context, account types.AccountID) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.balance(account)), nil
}

// IsActive reports whether account has not been deactivated by a sweep.
func (l *MemoryLedger) IsActive(account types.AccountID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.inactive[account]
}

func (l *MemoryLedger) Settle(ctx context.Context, from types.AccountID, plan types.Settlement) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inactive[from] {
		return fmt.Errorf("settling from %s: %w", from, ErrAccountInactive)
	}

	total := new(big.Int)
	for _, t := range plan.Transfers {
		if t.Amount == nil || t.Amount.Sign() < 0 {
			return fmt.Errorf("invalid transfer amount %v to %s", t.Amount, t.To)
		}
		total.Add(total, t.Amount)
	}
	if total.Cmp(l.balance(from)) > 0 {
		return fmt.Errorf("settling %s from %s holding %s: %w", total, from, l.balance(from), ErrInsufficientFunds)
	}

	for _, t := range plan.Transfers {
		l.debit(from, t.Amount)
		l.credit(t.To, t.Amount)
	}
	if plan.SweepTo != nil {
		rest := new(big.Int).Set(l.balance(from))
		l.debit(from, rest)
		l.credit(*plan.SweepTo, rest)
		l.inactive[from] = true
	}
	return nil
}

func (l *MemoryLedger) balance(account types.AccountID) *big.Int {
	if b, ok := l.balances[account]; ok {
		return b
	}
	return new(big.Int)
}

func (l *MemoryLedger) credit(account types.AccountID, amount *big.Int) {
	l.balances[account] = new(big.Int).Add(l.balance(account), amount)
}

func (l *MemoryLedger) debit(account types.AccountID, amount *big.Int) {
	l.balances[account] = new(big.Int).Sub(l.balance(account), amount)
}
