// Package paychan provides unidirectional two-party payment channels.
//
// A PayChan opens channels against a host ledger and keeps them by channel
// ID. The sender funds a channel and authorizes cumulative payments by signing
// (channelID, amount) off-chain; the recipient redeems the latest signature
// with a cooperative close, and the sender can reclaim the balance after a
// unilateral close times out.
package paychan

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/vitwit/paychan/channel"
	"github.com/vitwit/paychan/clients"
	"github.com/vitwit/paychan/logger"
	"github.com/vitwit/paychan/metrics"
	"github.com/vitwit/paychan/settlement"
	"github.com/vitwit/paychan/types"
	"github.com/vitwit/paychan/utils"
	"github.com/vitwit/paychan/verification"
)

// PayChan is the host-side entry point for payment channels.
type PayChan struct {
	config     types.Config
	host       clients.Host
	settlement *settlement.SettlementService
	scheme     verification.Scheme

	logger   logger.Logger
	metrics  metrics.Recorder
	clock    clients.Clock
	verifier verification.Verifier
	timeout  time.Duration
	events   func(types.Event)

	mu       sync.RWMutex
	channels map[types.AccountID]*channel.Channel
}

// New creates a PayChan settling on host. Options override what the
// configuration selects: a zap logger when LogLevel is set and a Prometheus
// recorder on the default registerer when EnableMetrics is true.
func New(config *types.Config, host clients.Host, opts ...Option) (*PayChan, error) {
	if config == nil {
		return nil, types.NewError(types.ErrInvalidConfig, "config is required")
	}
	if host == nil {
		return nil, types.NewError(types.ErrInvalidConfig, "host ledger is required")
	}
	if err := utils.ValidateConfig(config); err != nil {
		return nil, err
	}

	scheme, err := verification.SchemeByName(config.Scheme)
	if err != nil {
		return nil, err
	}

	p := &PayChan{
		config:   *config,
		host:     host,
		scheme:   scheme,
		timeout:  config.Timeout,
		channels: make(map[types.AccountID]*channel.Channel),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = logger.NoopLogger{}
		if config.LogLevel != "" {
			zl, err := logger.NewZapLogger(config.LogLevel)
			if err != nil {
				return nil, fmt.Errorf("failed to create logger: %w", err)
			}
			p.logger = zl
		}
	}
	if p.metrics == nil {
		p.metrics = metrics.NoopRecorder{}
		if config.EnableMetrics {
			rec, err := metrics.NewPrometheusRecorder(nil)
			if err != nil {
				return nil, fmt.Errorf("failed to register metrics: %w", err)
			}
			p.metrics = rec
		}
	}
	if p.clock == nil {
		p.clock = clients.SystemClock{}
	}
	if p.verifier == nil {
		p.verifier = verification.NewSignatureVerifier(scheme)
	} else if sv, ok := p.verifier.(*verification.SignatureVerifier); ok {
		p.scheme = sv.Scheme()
	}

	p.settlement = settlement.NewSettlementService(host, p.timeout, p.logger, p.metrics)
	return p, nil
}

// Open creates a channel from sender to recipient and moves deposit from
// sender into it. A zero closeDuration uses the configured one.
func (p *PayChan) Open(ctx context.Context, sender, recipient types.AccountID, closeDuration time.Duration, deposit *big.Int) (*channel.Channel, error) {
	if closeDuration == 0 {
		closeDuration = p.config.CloseDuration
	}
	if deposit != nil && deposit.Sign() < 0 {
		return nil, types.NewError(types.ErrInvalidConfig, "deposit cannot be negative")
	}

	id, err := p.host.NewAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("allocating channel account: %w", err)
	}

	cfg := channel.Config{
		ID:            id,
		Sender:        sender,
		Recipient:     recipient,
		CloseDuration: closeDuration,
	}
	deps := channel.Deps{
		Ledger:   p.settlement,
		Clock:    p.clock,
		Verifier: p.verifier,
		Logger:   p.logger,
		Metrics:  p.metrics,
		Events:   p.events,
	}
	if err := channel.Validate(cfg, deps); err != nil {
		return nil, err
	}

	// The channel is only created once funded. An account whose deposit
	// failed holds nothing and is left unused.
	if deposit != nil && deposit.Sign() > 0 {
		err := p.settlement.Settle(ctx, sender, types.Settlement{
			Transfers: []types.Transfer{{To: id, Amount: deposit}},
		})
		if err != nil {
			return nil, types.WrapError(types.ErrTransferFailed, "depositing into channel", err)
		}
	}

	// Funds have moved; cancellation of ctx must not strand them.
	ch, err := channel.New(context.WithoutCancel(ctx), cfg, deps)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.channels[id] = ch
	p.mu.Unlock()

	p.logger.Info("channel opened", map[string]any{
		"channel":   id.String(),
		"sender":    sender.String(),
		"recipient": recipient.String(),
		"deposit":   amountOrZero(deposit).String(),
	})
	return ch, nil
}

// Get returns the channel with the given ID.
func (p *PayChan) Get(id types.AccountID) (*channel.Channel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ch, ok := p.channels[id]
	if !ok {
		return nil, types.NewError(types.ErrChannelNotFound, fmt.Sprintf("no channel %s", id))
	}
	return ch, nil
}

// Channels returns every channel opened by p, ordered by ID.
func (p *PayChan) Channels() []*channel.Channel {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]*channel.Channel, 0, len(p.channels))
	for _, ch := range p.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID(), out[j].ID()
		return string(a[:]) < string(b[:])
	})
	return out
}

// Prune forgets every closed channel and returns how many were removed.
func (p *PayChan) Prune() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for id, ch := range p.channels {
		if ch.State() == types.ChannelStateClosed {
			delete(p.channels, id)
			n++
		}
	}
	return n
}

// Signer returns a voucher signer for key under p's scheme. When a custom
// verifier that is not a *verification.SignatureVerifier was installed, the
// caller must make sure it accepts what this signer produces.
func (p *PayChan) Signer(key *ecdsa.PrivateKey) *verification.Signer {
	return verification.NewSigner(key, p.scheme)
}

// VoucherBook returns an empty recipient-side voucher store using p's
// verifier.
func (p *PayChan) VoucherBook() *verification.VoucherBook {
	return verification.NewVoucherBook(p.verifier)
}

func (p *PayChan) Verifier() verification.Verifier {
	return p.verifier
}

func (p *PayChan) Scheme() verification.Scheme {
	return p.scheme
}

func (p *PayChan) Config() types.Config {
	return p.config
}

// Close flushes buffered log entries.
func (p *PayChan) Close() error {
	if zl, ok := p.logger.(*logger.ZapLogger); ok {
		return zl.Sync()
	}
	return nil
}

// Version information
const (
	Version         = "1.0.0"
	ProtocolVersion = 1
)

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":  Version,
		"protocol_version": ProtocolVersion,
		"supported_schemes": []string{
			string(types.SchemeEthereum), string(types.SchemeSubstrate),
		},
	}
}

func amountOrZero(n *big.Int) *big.Int {
	if n == nil {
		return new(big.Int)
	}
	return n
}
