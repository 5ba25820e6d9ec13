package types

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// AccountID is the identity of a ledger account: a channel, a sender or a
// recipient. Ethereum addresses occupy the last 20 bytes.
type AccountID [32]byte

// AccountIDFromAddress left-pads an Ethereum address into an AccountID.
func AccountIDFromAddress(addr common.Address) AccountID {
	var id AccountID
	copy(id[12:], addr.Bytes())
	return id
}

// HexToAccountID parses a 0x-prefixed 20-byte address or 32-byte account ID.
func HexToAccountID(s string) (AccountID, error) {
	var id AccountID
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return id, fmt.Errorf("decoding account id: %w", err)
	}
	switch len(b) {
	case common.AddressLength:
		copy(id[12:], b)
	case len(id):
		copy(id[:], b)
	default:
		return id, fmt.Errorf("decoding account id: length %d, want %d or %d", len(b), common.AddressLength, len(id))
	}
	return id, nil
}

// Address returns the Ethereum address held in the last 20 bytes.
func (a AccountID) Address() common.Address {
	return common.BytesToAddress(a[12:])
}

// IsAddress reports whether a is a left-padded Ethereum address, that is
// whether its first 12 bytes are zero.
func (a AccountID) IsAddress() bool {
	for _, b := range a[:12] {
		if b != 0 {
			return false
		}
	}
	return true
}

func (a AccountID) IsZero() bool {
	return a == AccountID{}
}

func (a AccountID) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

func (a AccountID) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *AccountID) UnmarshalText(text []byte) error {
	id, err := HexToAccountID(string(text))
	if err != nil {
		return err
	}
	*a = id
	return nil
}

// ChannelState is the lifecycle position of a channel.
type ChannelState string

const (
	ChannelStateActive  = ChannelState("active")
	ChannelStateClosing = ChannelState("closing")
	ChannelStateClosed  = ChannelState("closed")
)

// SchemeName selects how sender signatures are digested and recovered.
type SchemeName string

const (
	SchemeEthereum  SchemeName = "ethereum"
	SchemeSubstrate SchemeName = "substrate"
)

// Config contains the settings shared by every channel a PayChan opens.
type Config struct {
	// Length of the challenge period started by a unilateral close.
	CloseDuration time.Duration `json:"closeDuration" validate:"required,gt=0"`

	// Signature scheme used to authorize amounts.
	Scheme SchemeName `json:"scheme,omitempty" validate:"omitempty,oneof=ethereum substrate"`

	// Upper bound on a single ledger call.
	Timeout time.Duration `json:"timeout,omitempty" validate:"gte=0"`

	LogLevel      string `json:"logLevel,omitempty" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics bool   `json:"enableMetrics,omitempty"`
}

// Validate checks the fields that struct tags cannot express.
func (c *Config) Validate() error {
	if c.CloseDuration <= 0 {
		return NewError(ErrInvalidConfig, "closeDuration must be greater than 0")
	}
	if c.Timeout < 0 {
		return NewError(ErrInvalidConfig, "timeout must not be negative")
	}
	return nil
}

// Transfer moves Amount to To.
type Transfer struct {
	To     AccountID
	Amount *big.Int
}

// Settlement is the set of ledger effects requested by a channel operation.
// Transfers are paid first; then, if SweepTo is set, the remaining balance is
// swept to it and the source account is deactivated.
type Settlement struct {
	Transfers []Transfer
	SweepTo   *AccountID
}

// IsTerminal reports whether the settlement deactivates the channel account.
func (s Settlement) IsTerminal() bool {
	return s.SweepTo != nil
}

// Event is emitted by a channel when its state changes.
type Event interface {
	EventName() string
}

// SenderCloseStarted is emitted when the sender starts a unilateral close.
type SenderCloseStarted struct {
	Channel       AccountID     `json:"channel"`
	Expiration    time.Time     `json:"expiration"`
	CloseDuration time.Duration `json:"closeDuration"`
}

func (SenderCloseStarted) EventName() string {
	return "SenderCloseStarted"
}
