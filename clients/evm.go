package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/vitwit/paychan/types"
)

// transferGas is the intrinsic gas of a plain value transfer.
const transferGas = 21000

var _ Host = (*EVMLedger)(nil)

// EVMBackend is the subset of an Ethereum RPC client the ledger uses.
// *ethclient.Client and the simulated backend client both satisfy it.
type EVMBackend interface {
	ethereum.ChainStateReader
	ethereum.PendingStateReader
	ethereum.GasPricer
	ethereum.TransactionSender
	ethereum.TransactionReader
	ethereum.ChainIDReader
	HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
}

// EVMOption configures an EVMLedger.
type EVMOption func(*EVMLedger)

// WithPollInterval sets how often receipts are polled while waiting for a
// transfer to be mined.
func WithPollInterval(d time.Duration) EVMOption {
	return func(l *EVMLedger) {
		l.pollInterval = d
	}
}

// WithSubmitHook registers a function called after every transaction is
// submitted.
func WithSubmitHook(fn func(*ethtypes.Transaction)) EVMOption {
	return func(l *EVMLedger) {
		l.onSubmitted = fn
	}
}

// EVMLedger settles channel plans on an EVM chain. Every account it can settle
// from is an externally owned account whose key it holds; channel escrow
// accounts are fresh keys created by NewAccount. Transfers are sent as legacy
// value transactions and waited on one at a time, so a plan is not atomic on
// chain: a failure part way leaves earlier transfers mined.
type EVMLedger struct {
	backend      EVMBackend
	pollInterval time.Duration
	onSubmitted  func(*ethtypes.Transaction)

	mu       sync.Mutex
	keys     map[types.AccountID]*ecdsa.PrivateKey
	inactive map[types.AccountID]bool
	chainID  *big.Int
}

// DialEVMLedger connects to rpcURL and returns a ledger using it.
func DialEVMLedger(rpcURL string, opts ...EVMOption) (*EVMLedger, error) {
	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum RPC: %w", err)
	}
	return NewEVMLedger(client, opts...), nil
}

func NewEVMLedger(backend EVMBackend, opts ...EVMOption) *EVMLedger {
	l := &EVMLedger{
		backend:      backend,
		pollInterval: time.Second,
		keys:         make(map[types.AccountID]*ecdsa.PrivateKey),
		inactive:     make(map[types.AccountID]bool),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AddKey lets the ledger settle from the account controlled by key and
// returns that account.
func (l *EVMLedger) AddKey(key *ecdsa.PrivateKey) types.AccountID {
	id := types.AccountIDFromAddress(crypto.PubkeyToAddress(key.PublicKey))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keys[id] = key
	return id
}

// NewAccount generates a fresh escrow key.
func (l *EVMLedger) NewAccount(context.Context) (types.AccountID, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return types.AccountID{}, fmt.Errorf("generating escrow key: %w", err)
	}
	return l.AddKey(key), nil
}

func (l *EVMLedger) Balance(ctx context.Context, account types.AccountID) (*big.Int, error) {
	return l.backend.BalanceAt(ctx, account.Address(), nil)
}

// Settle sends each transfer of plan from the account from, then, for a
// terminal plan, sends everything left after gas to plan.SweepTo and forgets
// the key of from.
func (l *EVMLedger) Settle(ctx context.Context, from types.AccountID, plan types.Settlement) error {
	key, err := l.keyFor(from)
	if err != nil {
		return err
	}
	chainID, err := l.chain(ctx)
	if err != nil {
		return err
	}

	for _, t := range plan.Transfers {
		if t.Amount == nil || t.Amount.Sign() < 0 {
			return fmt.Errorf("invalid transfer amount %v to %s", t.Amount, t.To)
		}
		if t.Amount.Sign() == 0 {
			continue
		}
		if _, err := l.send(ctx, key, chainID, t.To.Address(), t.Amount, nil); err != nil {
			return err
		}
	}

	if plan.SweepTo == nil {
		return nil
	}
	if err := l.sweep(ctx, key, chainID, plan.SweepTo.Address()); err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.keys, from)
	l.inactive[from] = true
	l.mu.Unlock()
	return nil
}

func (l *EVMLedger) sweep(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int, to common.Address) error {
	from := crypto.PubkeyToAddress(key.PublicKey)
	balance, err := l.backend.BalanceAt(ctx, from, nil)
	if err != nil {
		return fmt.Errorf("reading balance of %s: %w", from, err)
	}
	gasPrice, err := l.backend.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("suggest gas price failed: %w", err)
	}
	fee := new(big.Int).Mul(gasPrice, big.NewInt(transferGas))
	if balance.Cmp(fee) <= 0 {
		// Dust that cannot pay for its own transfer stays behind.
		return nil
	}
	_, err = l.send(ctx, key, chainID, to, new(big.Int).Sub(balance, fee), gasPrice)
	return err
}

// send signs, submits and waits for one value transfer. A nil gasPrice means
// the backend's suggestion.
func (l *EVMLedger) send(ctx context.Context, key *ecdsa.PrivateKey, chainID *big.Int, to common.Address, value, gasPrice *big.Int) (*ethtypes.Receipt, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)

	nonce, err := l.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce failed: %w", err)
	}
	if gasPrice == nil {
		if gasPrice, err = l.backend.SuggestGasPrice(ctx); err != nil {
			return nil, fmt.Errorf("suggest gas price failed: %w", err)
		}
	}

	tx := ethtypes.NewTx(&ethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    value,
		Gas:      transferGas,
		GasPrice: gasPrice,
	})
	signed, err := ethtypes.SignTx(tx, ethtypes.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("sign tx failed: %w", err)
	}
	if err := l.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx failed: %w", err)
	}
	if l.onSubmitted != nil {
		l.onSubmitted(signed)
	}

	receipt, err := l.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, err
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("transfer %s reverted", signed.Hash())
	}
	return receipt, nil
}

func (l *EVMLedger) waitMined(ctx context.Context, hash common.Hash) (*ethtypes.Receipt, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := l.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("fetching receipt of %s: %w", hash, err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w", hash, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (l *EVMLedger) keyFor(account types.AccountID) (*ecdsa.PrivateKey, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inactive[account] {
		return nil, fmt.Errorf("settling from %s: %w", account, ErrAccountInactive)
	}
	key, ok := l.keys[account]
	if !ok {
		return nil, fmt.Errorf("settling from %s: %w", account, ErrUnknownAccount)
	}
	return key, nil
}

func (l *EVMLedger) chain(ctx context.Context) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.chainID != nil {
		return l.chainID, nil
	}
	id, err := l.backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading chain id: %w", err)
	}
	l.chainID = id
	return id, nil
}

// BlockClock reads time from the timestamp of the latest block.
type BlockClock struct {
	backend interface {
		HeaderByNumber(ctx context.Context, number *big.Int) (*ethtypes.Header, error)
	}
}

func NewBlockClock(backend EVMBackend) *BlockClock {
	return &BlockClock{backend: backend}
}

func (c *BlockClock) Now(ctx context.Context) (time.Time, error) {
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("reading latest header: %w", err)
	}
	return time.Unix(int64(header.Time), 0), nil
}
