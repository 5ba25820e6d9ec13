// Package metrics records channel operation outcomes and ledger latency.
package metrics

import "time"

// Metric names.
const (
	OperationTotal  = "operation"
	VerifyTotal     = "verify"
	SettleLatency   = "settle"
	BalanceLatency  = "balance"
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

type Recorder interface {
	IncCounter(name string, labels map[string]string)
	ObserveLatency(name string, duration time.Duration, labels map[string]string)
}

// NoopRecorder discards everything.
type NoopRecorder struct{}

func (NoopRecorder) IncCounter(string, map[string]string)                    {}
func (NoopRecorder) ObserveLatency(string, time.Duration, map[string]string) {}
