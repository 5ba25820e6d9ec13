// Package channel implements the unidirectional payment channel state
// machine.
//
// A channel moves from Active to Closing when the sender starts a unilateral
// close, and to Closed when the recipient closes cooperatively or, once the
// challenge period has expired, anyone claims the timeout. Every operation
// either succeeds as a whole or leaves the channel unchanged: state is only
// written after the ledger has executed the operation's settlement.
package channel

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/vitwit/paychan/clients"
	"github.com/vitwit/paychan/logger"
	"github.com/vitwit/paychan/metrics"
	"github.com/vitwit/paychan/types"
	"github.com/vitwit/paychan/verification"
)

// Operation names used in logs and metrics.
const (
	OpCreate           = "create"
	OpStartUnilateral  = "start_unilateral_close"
	OpClaimTimeout     = "claim_timeout"
	OpCooperativeClose = "cooperative_close"
	OpWithdraw         = "withdraw"
)

// Config describes a channel being created. Sender is the creating caller.
type Config struct {
	ID            types.AccountID
	Sender        types.AccountID
	Recipient     types.AccountID
	CloseDuration time.Duration
}

// Deps are the host capabilities a channel runs against. Ledger, Clock and
// Verifier are required.
type Deps struct {
	Ledger   clients.Ledger
	Clock    clients.Clock
	Verifier verification.Verifier
	Logger   logger.Logger
	Metrics  metrics.Recorder
	// Events receives every event the channel emits. It is called with the
	// channel lock held and must not call back into the channel.
	Events func(types.Event)
}

// Snapshot is a point-in-time copy of a channel's state.
type Snapshot struct {
	ID            types.AccountID    `json:"id"`
	Sender        types.AccountID    `json:"sender"`
	Recipient     types.AccountID    `json:"recipient"`
	CloseDuration time.Duration      `json:"closeDuration"`
	Expiration    *time.Time         `json:"expiration,omitempty"`
	Withdrawn     *big.Int           `json:"withdrawn"`
	State         types.ChannelState `json:"state"`
}

// Channel is a single payment channel. It is safe for concurrent use;
// operations are serialized.
type Channel struct {
	id            types.AccountID
	sender        types.AccountID
	recipient     types.AccountID
	closeDuration time.Duration

	ledger   clients.Ledger
	clock    clients.Clock
	verifier verification.Verifier
	logger   logger.Logger
	metrics  metrics.Recorder
	events   func(types.Event)

	mu         sync.Mutex
	expiration *time.Time
	withdrawn  *big.Int
	state      types.ChannelState
}

// New creates an Active channel with nothing withdrawn and no expiration.
func New(ctx context.Context, cfg Config, deps Deps) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := Validate(cfg, deps); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = logger.NoopLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopRecorder{}
	}

	c := &Channel{
		id:            cfg.ID,
		sender:        cfg.Sender,
		recipient:     cfg.Recipient,
		closeDuration: cfg.CloseDuration,
		ledger:        deps.Ledger,
		clock:         deps.Clock,
		verifier:      deps.Verifier,
		logger:        deps.Logger,
		metrics:       deps.Metrics,
		events:        deps.Events,
		withdrawn:     new(big.Int),
		state:         types.ChannelStateActive,
	}
	c.record(OpCreate, cfg.Sender, nil, map[string]any{
		"recipient":     cfg.Recipient.String(),
		"closeDuration": cfg.CloseDuration.String(),
	})
	return c, nil
}

// Validate reports whether New would accept cfg and deps.
func Validate(cfg Config, deps Deps) error {
	switch {
	case cfg.CloseDuration <= 0:
		return types.NewError(types.ErrInvalidConfig, "close duration must be greater than 0")
	case cfg.ID.IsZero():
		return types.NewError(types.ErrInvalidConfig, "channel id is required")
	case cfg.Sender.IsZero():
		return types.NewError(types.ErrInvalidConfig, "sender is required")
	case cfg.Recipient.IsZero():
		return types.NewError(types.ErrInvalidConfig, "recipient is required")
	case cfg.Sender == cfg.Recipient:
		return types.NewError(types.ErrInvalidConfig, "sender and recipient must differ")
	case deps.Ledger == nil || deps.Clock == nil || deps.Verifier == nil:
		return types.NewError(types.ErrInvalidConfig, "ledger, clock and verifier are required")
	}
	if cv, ok := deps.Verifier.(verification.ChannelIDValidator); ok {
		if err := cv.ValidateChannelID(cfg.ID); err != nil {
			return types.WrapError(types.ErrInvalidConfig, "channel id cannot be bound by signatures", err)
		}
	}
	return nil
}

// StartUnilateralClose lets the sender start the challenge period. The
// channel expires closeDuration after the current time.
func (c *Channel) StartUnilateralClose(ctx context.Context, caller types.AccountID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.startUnilateralClose(ctx, caller)
	c.record(OpStartUnilateral, caller, err, nil)
	return err
}

func (c *Channel) startUnilateralClose(ctx context.Context, caller types.AccountID) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if caller != c.sender {
		return types.NewError(types.ErrCallerIsNotSender, "only the sender can start a unilateral close")
	}
	if c.state == types.ChannelStateClosing {
		return types.NewError(types.ErrAlreadyClosing, fmt.Sprintf("channel already expires at %s", c.expiration.UTC()))
	}

	now, err := c.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("reading clock: %w", err)
	}
	expiration := now.Add(c.closeDuration)
	c.expiration = &expiration
	c.state = types.ChannelStateClosing

	c.emit(types.SenderCloseStarted{
		Channel:       c.id,
		Expiration:    expiration,
		CloseDuration: c.closeDuration,
	})
	return nil
}

// ClaimTimeout returns the channel's whole balance to the sender once the
// challenge period has expired. Anyone may call it.
func (c *Channel) ClaimTimeout(ctx context.Context, caller types.AccountID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.claimTimeout(ctx)
	c.record(OpClaimTimeout, caller, err, nil)
	return err
}

func (c *Channel) claimTimeout(ctx context.Context) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if c.expiration == nil {
		return types.NewError(types.ErrNotYetExpired, "no unilateral close in progress")
	}

	now, err := c.clock.Now(ctx)
	if err != nil {
		return fmt.Errorf("reading clock: %w", err)
	}
	if now.Before(*c.expiration) {
		return types.NewError(types.ErrNotYetExpired, fmt.Sprintf("channel expires at %s", c.expiration.UTC()))
	}

	sender := c.sender
	if err := c.settle(ctx, types.Settlement{SweepTo: &sender}); err != nil {
		return err
	}
	c.state = types.ChannelStateClosed
	return nil
}

// CooperativeClose lets the recipient redeem the sender's signature over
// amount. The recipient receives amount minus what the sender already
// withdrew on its behalf, the sender receives the rest, and the channel
// closes. It is valid whether or not a unilateral close has started.
func (c *Channel) CooperativeClose(ctx context.Context, caller types.AccountID, amount *big.Int, sig []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.cooperativeClose(ctx, caller, amount, sig)
	c.record(OpCooperativeClose, caller, err, map[string]any{"amount": amountString(amount)})
	return err
}

func (c *Channel) cooperativeClose(ctx context.Context, caller types.AccountID, amount *big.Int, sig []byte) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if caller != c.recipient {
		return types.NewError(types.ErrCallerIsNotRecipient, "only the recipient can close cooperatively")
	}
	if err := c.requireAtLeastWithdrawn(amount); err != nil {
		return err
	}
	if !verification.Authorizes(c.verifier, c.id, amount, sig, c.sender) {
		return types.NewError(types.ErrInvalidSignature, "amount is not authorized by the sender")
	}

	sender := c.sender
	plan := types.Settlement{
		Transfers: []types.Transfer{{To: c.recipient, Amount: new(big.Int).Sub(amount, c.withdrawn)}},
		SweepTo:   &sender,
	}
	if err := c.settle(ctx, plan); err != nil {
		return err
	}
	c.state = types.ChannelStateClosed
	return nil
}

// Withdraw lets the sender, during a unilateral close, pay the recipient up
// to the signed cumulative amount while the channel stays open. Only the
// difference from what was already withdrawn is transferred.
func (c *Channel) Withdraw(ctx context.Context, caller types.AccountID, amount *big.Int, sig []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.withdraw(ctx, caller, amount, sig)
	c.record(OpWithdraw, caller, err, map[string]any{"amount": amountString(amount)})
	return err
}

func (c *Channel) withdraw(ctx context.Context, caller types.AccountID, amount *big.Int, sig []byte) error {
	if err := c.requireOpen(); err != nil {
		return err
	}
	if caller != c.sender {
		return types.NewError(types.ErrCallerIsNotSender, "only the sender can withdraw")
	}
	if c.expiration == nil {
		return types.NewError(types.ErrNotYetExpired, "withdraw requires a unilateral close in progress")
	}
	if err := c.requireAtLeastWithdrawn(amount); err != nil {
		return err
	}
	if !verification.Authorizes(c.verifier, c.id, amount, sig, c.sender) {
		return types.NewError(types.ErrInvalidSignature, "amount is not authorized by the sender")
	}

	delta := new(big.Int).Sub(amount, c.withdrawn)
	if err := c.settle(ctx, types.Settlement{
		Transfers: []types.Transfer{{To: c.recipient, Amount: delta}},
	}); err != nil {
		return err
	}
	c.withdrawn = new(big.Int).Set(amount)
	return nil
}

func (c *Channel) requireOpen() error {
	if c.state == types.ChannelStateClosed {
		return types.NewError(types.ErrChannelClosed, "channel is closed")
	}
	return nil
}

func (c *Channel) requireAtLeastWithdrawn(amount *big.Int) error {
	if amount == nil || amount.Cmp(c.withdrawn) < 0 {
		return types.NewError(types.ErrAmountIsLessThanWithdraw,
			fmt.Sprintf("amount %s is below withdrawn %s", amountString(amount), c.withdrawn))
	}
	return nil
}

func (c *Channel) settle(ctx context.Context, plan types.Settlement) error {
	if err := c.ledger.Settle(ctx, c.id, plan); err != nil {
		return types.WrapError(types.ErrTransferFailed, "ledger rejected settlement", err)
	}
	return nil
}

func (c *Channel) emit(ev types.Event) {
	if c.events != nil {
		c.events(ev)
	}
}

func (c *Channel) record(op string, caller types.AccountID, err error, extra map[string]any) {
	fields := logger.Merge(map[string]any{
		"channel":   c.id.String(),
		"operation": op,
		"caller":    caller.String(),
		"state":     string(c.state),
	}, extra)

	if err == nil {
		c.metrics.IncCounter(metrics.OperationTotal, map[string]string{"operation": op, "outcome": metrics.OutcomeSuccess})
		c.logger.Info("channel operation succeeded", fields)
		return
	}

	outcome := metrics.OutcomeFailed
	if code, ok := types.CodeOf(err); ok {
		fields["code"] = code.String()
		if code != types.ErrTransferFailed {
			outcome = metrics.OutcomeRejected
		}
	}
	fields["error"] = err.Error()
	c.metrics.IncCounter(metrics.OperationTotal, map[string]string{"operation": op, "outcome": outcome})
	c.logger.Warn("channel operation rejected", fields)
}

func (c *Channel) ID() types.AccountID        { return c.id }
func (c *Channel) Sender() types.AccountID    { return c.sender }
func (c *Channel) Recipient() types.AccountID { return c.recipient }
func (c *Channel) CloseDuration() time.Duration {
	return c.closeDuration
}

// Expiration returns the end of the challenge period, if one has started.
func (c *Channel) Expiration() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expiration == nil {
		return time.Time{}, false
	}
	return *c.expiration, true
}

// Withdrawn returns the cumulative amount already paid out by Withdraw.
func (c *Channel) Withdrawn() *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.withdrawn)
}

func (c *Channel) State() types.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Balance reads the channel account's current balance from the ledger.
func (c *Channel) Balance(ctx context.Context) (*big.Int, error) {
	bal, err := c.ledger.Balance(ctx, c.id)
	if err != nil {
		return nil, fmt.Errorf("reading channel balance: %w", err)
	}
	return bal, nil
}

func (c *Channel) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Snapshot{
		ID:            c.id,
		Sender:        c.sender,
		Recipient:     c.recipient,
		CloseDuration: c.closeDuration,
		Withdrawn:     new(big.Int).Set(c.withdrawn),
		State:         c.state,
	}
	if c.expiration != nil {
		exp := *c.expiration
		s.Expiration = &exp
	}
	return s
}

func amountString(amount *big.Int) string {
	if amount == nil {
		return "<nil>"
	}
	return amount.String()
}
