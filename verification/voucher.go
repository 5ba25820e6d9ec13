package verification

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/vitwit/paychan/types"
	"github.com/vitwit/paychan/utils"
)

// Voucher is a sender's off-channel authorization of a cumulative amount.
type Voucher struct {
	ChannelID types.AccountID `json:"channel" validate:"required"`
	Amount    *big.Int        `json:"amount" validate:"required"`
	Signature hexutil.Bytes   `json:"signature" validate:"required,len=65"`
}

// ParseVoucher decodes and validates a voucher from JSON.
func ParseVoucher(data []byte) (*Voucher, error) {
	var v Voucher
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to parse voucher: %w", err)
	}
	if err := utils.Validator().Struct(&v); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	if v.Amount.Sign() < 0 {
		return nil, fmt.Errorf("voucher amount cannot be negative")
	}
	return &v, nil
}

// VoucherFromStrings builds a voucher from its textual parts: a hex channel
// ID, a decimal integer amount and a hex signature.
func VoucherFromStrings(channel, amount, signature string) (*Voucher, error) {
	if !utils.IsHexString(channel) {
		return nil, fmt.Errorf("channel %q is not hex", channel)
	}
	id, err := types.HexToAccountID(channel)
	if err != nil {
		return nil, err
	}
	n, err := utils.ParseAmount(amount)
	if err != nil {
		return nil, err
	}
	sig, err := utils.DecodeSignature(signature)
	if err != nil {
		return nil, err
	}
	return &Voucher{ChannelID: id, Amount: n, Signature: sig}, nil
}

// Signer produces vouchers on behalf of a channel sender.
type Signer struct {
	key    *ecdsa.PrivateKey
	scheme Scheme
}

// NewSigner returns a Signer for key under scheme.
func NewSigner(key *ecdsa.PrivateKey, scheme Scheme) *Signer {
	return &Signer{key: key, scheme: scheme}
}

// NewSignerFromHex returns a Signer for a hex-encoded secp256k1 key.
func NewSignerFromHex(hexKey string, scheme Scheme) (*Signer, error) {
	key, err := utils.PrivateKeyFromHex(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSigner(key, scheme), nil
}

// Identity is the account the channel must record as its sender for this
// signer's vouchers to verify.
func (s *Signer) Identity() types.AccountID {
	return s.scheme.Identity(&s.key.PublicKey)
}

// Sign authorizes the cumulative amount for channelID.
func (s *Signer) Sign(channelID types.AccountID, amount *big.Int) (Voucher, error) {
	digest, err := s.scheme.Digest(channelID, amount)
	if err != nil {
		return Voucher{}, err
	}
	sig, err := s.scheme.Sign(digest, s.key)
	if err != nil {
		return Voucher{}, err
	}
	return Voucher{
		ChannelID: channelID,
		Amount:    new(big.Int).Set(amount),
		Signature: sig,
	}, nil
}

var (
	ErrUnknownChannel = errors.New("voucher for unknown channel")
	ErrStaleVoucher   = errors.New("voucher does not increase the authorized amount")
)

// VoucherBook is the recipient's record of the best voucher held for each
// channel. Only the highest validly signed amount matters because amounts
// are cumulative. It is safe for concurrent use.
type VoucherBook struct {
	verifier Verifier

	mu       sync.Mutex
	senders  map[types.AccountID]types.AccountID
	vouchers map[types.AccountID]Voucher
}

func NewVoucherBook(verifier Verifier) *VoucherBook {
	return &VoucherBook{
		verifier: verifier,
		senders:  make(map[types.AccountID]types.AccountID),
		vouchers: make(map[types.AccountID]Voucher),
	}
}

// Track starts accepting vouchers for channelID signed by sender.
func (b *VoucherBook) Track(channelID, sender types.AccountID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders[channelID] = sender
}

// Accept stores v if it is signed by the channel's sender and authorizes
// more than the best voucher held so far.
func (b *VoucherBook) Accept(v Voucher) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sender, ok := b.senders[v.ChannelID]
	if !ok {
		return ErrUnknownChannel
	}
	if !Authorizes(b.verifier, v.ChannelID, v.Amount, v.Signature, sender) {
		return types.NewError(types.ErrInvalidSignature, "voucher is not signed by the channel sender")
	}
	if best, ok := b.vouchers[v.ChannelID]; ok && v.Amount.Cmp(best.Amount) <= 0 {
		return fmt.Errorf("%w: have %s, got %s", ErrStaleVoucher, best.Amount, v.Amount)
	}
	b.vouchers[v.ChannelID] = v
	return nil
}

// Best returns the highest voucher accepted for channelID.
func (b *VoucherBook) Best(channelID types.AccountID) (Voucher, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.vouchers[channelID]
	return v, ok
}

// Forget drops everything held for channelID, once the channel is closed.
func (b *VoucherBook) Forget(channelID types.AccountID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.senders, channelID)
	delete(b.vouchers, channelID)
}
