package paychan

import (
	"time"

	"github.com/vitwit/paychan/clients"
	"github.com/vitwit/paychan/logger"
	"github.com/vitwit/paychan/metrics"
	"github.com/vitwit/paychan/types"
	"github.com/vitwit/paychan/verification"
)

type Option func(*PayChan)

func WithLogger(l logger.Logger) Option {
	return func(p *PayChan) {
		p.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *PayChan) {
		p.metrics = r
	}
}

// WithTimeout bounds each ledger call, overriding the configured timeout.
func WithTimeout(t time.Duration) Option {
	return func(p *PayChan) {
		p.timeout = t
	}
}

// WithClock sets the host clock. The default is the local wall clock.
func WithClock(c clients.Clock) Option {
	return func(p *PayChan) {
		p.clock = c
	}
}

// WithVerifier replaces the verifier built from the configured scheme. A
// *verification.SignatureVerifier also sets the scheme used by Signer, so
// signed vouchers keep verifying; any other Verifier leaves Signer on the
// configured scheme.
func WithVerifier(v verification.Verifier) Option {
	return func(p *PayChan) {
		p.verifier = v
	}
}

// WithEventHandler receives the events emitted by every channel.
func WithEventHandler(fn func(types.Event)) Option {
	return func(p *PayChan) {
		p.events = fn
	}
}
