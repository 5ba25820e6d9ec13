// Package settlement executes the ledger effects requested by channel
// operations, bounding each ledger call and recording its outcome.
package settlement

import (
	"context"
	"math/big"
	"time"

	"github.com/vitwit/paychan/clients"
	"github.com/vitwit/paychan/logger"
	"github.com/vitwit/paychan/metrics"
	"github.com/vitwit/paychan/types"
)

// DefaultTimeout bounds a ledger call when no timeout is configured.
const DefaultTimeout = 30 * time.Second

var _ clients.Ledger = (*SettlementService)(nil)

// SettlementService wraps a ledger. It is itself a clients.Ledger, so a
// channel can use it in place of the ledger it wraps.
type SettlementService struct {
	ledger  clients.Ledger
	timeout time.Duration
	logger  logger.Logger
	metrics metrics.Recorder
}

// NewSettlementService creates a new settlement service.
func NewSettlementService(ledger clients.Ledger, timeout time.Duration, l logger.Logger, m metrics.Recorder) *SettlementService {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if l == nil {
		l = logger.NoopLogger{}
	}
	if m == nil {
		m = metrics.NoopRecorder{}
	}
	return &SettlementService{
		ledger:  ledger,
		timeout: timeout,
		logger:  l,
		metrics: m,
	}
}

// Ledger returns the wrapped ledger.
func (s *SettlementService) Ledger() clients.Ledger {
	return s.ledger
}

// Settle executes plan from the account from.
func (s *SettlementService) Settle(ctx context.Context, from types.AccountID, plan types.Settlement) error {
	settleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := s.ledger.Settle(settleCtx, from, plan)
	elapsed := time.Since(start)

	fields := map[string]any{
		"from":      from.String(),
		"transfers": len(plan.Transfers),
		"terminal":  plan.IsTerminal(),
		"total":     Total(plan).String(),
		"duration":  elapsed.String(),
	}
	if err != nil {
		s.metrics.ObserveLatency(metrics.SettleLatency, elapsed, map[string]string{"operation": "settle", "outcome": metrics.OutcomeFailed})
		s.logger.Error("settlement failed", logger.Merge(fields, map[string]any{"error": err.Error()}))
		return err
	}

	s.metrics.ObserveLatency(metrics.SettleLatency, elapsed, map[string]string{"operation": "settle", "outcome": metrics.OutcomeSuccess})
	s.logger.Debug("settlement executed", fields)
	return nil
}

// Balance reads the balance of account.
func (s *SettlementService) Balance(ctx context.Context, account types.AccountID) (*big.Int, error) {
	balanceCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	bal, err := s.ledger.Balance(balanceCtx, account)
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailed
	}
	s.metrics.ObserveLatency(metrics.BalanceLatency, time.Since(start), map[string]string{"operation": "balance", "outcome": outcome})
	return bal, err
}

// Total is the sum of the explicit transfers of plan. It excludes the sweep,
// whose amount is only known to the ledger.
func Total(plan types.Settlement) *big.Int {
	total := new(big.Int)
	for _, t := range plan.Transfers {
		if t.Amount != nil {
			total.Add(total, t.Amount)
		}
	}
	return total
}
