// Package clients provides the host ledger and clock implementations a
// channel settles against: an in-memory ledger for tests and simulations, and
// an EVM ledger that settles with signed value transfers.
package clients

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/vitwit/paychan/types"
)

// Ledger is the host capability used to read balances and execute the
// settlement plans produced by channel operations.
type Ledger interface {
	Balance(ctx context.Context, account types.AccountID) (*big.Int, error)
	// Settle pays every transfer in plan from the account from, then sweeps
	// and deactivates from if plan.SweepTo is set.
	Settle(ctx context.Context, from types.AccountID, plan types.Settlement) error
}

// AccountAllocator creates fresh accounts for new channels.
type AccountAllocator interface {
	NewAccount(ctx context.Context) (types.AccountID, error)
}

// Host is a ledger that can also allocate channel accounts.
type Host interface {
	Ledger
	AccountAllocator
}

// Clock supplies the host's notion of the current time.
type Clock interface {
	Now(ctx context.Context) (time.Time, error)
}

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrAccountInactive   = errors.New("account is deactivated")
	ErrUnknownAccount    = errors.New("no signing key for account")
)
