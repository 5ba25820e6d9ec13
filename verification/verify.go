// Package verification implements the sender signature authorization used by
// payment channels.
//
// A sender authorizes a cumulative amount for one channel by signing the
// digest of (channelID, amount). Binding the channel's own identity, rather
// than the sender or recipient, keeps a signature for one channel from being
// replayed against another channel between the same parties.
package verification

import (
	"context"
	"math/big"
	"time"

	"github.com/vitwit/paychan/logger"
	"github.com/vitwit/paychan/metrics"
	"github.com/vitwit/paychan/types"
	"golang.org/x/sync/errgroup"
)

// Verifier recovers the identity that authorized amount for channelID. Every
// failure, whether a malformed signature, an amount that cannot be encoded or
// a failed recovery, is reported the same way: ok is false.
type Verifier interface {
	Verify(channelID types.AccountID, amount *big.Int, sig []byte) (signer types.AccountID, ok bool)
}

// ChannelIDValidator is implemented by verifiers that can only bind some
// channel identities. Channels check it on creation.
type ChannelIDValidator interface {
	ValidateChannelID(channelID types.AccountID) error
}

// SignatureVerifier is the Verifier backed by a Scheme.
type SignatureVerifier struct {
	scheme Scheme
}

var (
	_ Verifier           = (*SignatureVerifier)(nil)
	_ ChannelIDValidator = (*SignatureVerifier)(nil)
)

// NewSignatureVerifier returns a verifier for the given scheme.
func NewSignatureVerifier(scheme Scheme) *SignatureVerifier {
	return &SignatureVerifier{scheme: scheme}
}

func (v *SignatureVerifier) Scheme() Scheme {
	return v.scheme
}

func (v *SignatureVerifier) ValidateChannelID(channelID types.AccountID) error {
	return v.scheme.ValidateChannelID(channelID)
}

func (v *SignatureVerifier) Verify(channelID types.AccountID, amount *big.Int, sig []byte) (types.AccountID, bool) {
	digest, err := v.scheme.Digest(channelID, amount)
	if err != nil {
		return types.AccountID{}, false
	}
	signer, err := v.scheme.Recover(digest, sig)
	if err != nil {
		return types.AccountID{}, false
	}
	return signer, true
}

// Authorizes reports whether sig is a signature by expected over
// (channelID, amount).
func Authorizes(v Verifier, channelID types.AccountID, amount *big.Int, sig []byte, expected types.AccountID) bool {
	signer, ok := v.Verify(channelID, amount, sig)
	return ok && signer == expected
}

// Result is the outcome of verifying one voucher.
type Result struct {
	Voucher Voucher         `json:"voucher"`
	Signer  types.AccountID `json:"signer"`
	IsValid bool            `json:"isValid"`
}

// VerificationService verifies vouchers in bulk, for recipients that collect
// signatures from many senders.
type VerificationService struct {
	verifier    Verifier
	concurrency int
	logger      logger.Logger
	metrics     metrics.Recorder
}

// NewVerificationService creates a new verification service. concurrency
// bounds the number of signatures recovered at once; 0 means unbounded.
func NewVerificationService(verifier Verifier, concurrency int, l logger.Logger, m metrics.Recorder) *VerificationService {
	if l == nil {
		l = logger.NoopLogger{}
	}
	if m == nil {
		m = metrics.NoopRecorder{}
	}
	return &VerificationService{
		verifier:    verifier,
		concurrency: concurrency,
		logger:      l,
		metrics:     m,
	}
}

// Verify checks one voucher against the expected sender.
func (s *VerificationService) Verify(v Voucher, sender types.AccountID) Result {
	signer, ok := s.verifier.Verify(v.ChannelID, v.Amount, v.Signature)
	res := Result{Voucher: v, Signer: signer, IsValid: ok && signer == sender}

	outcome := metrics.OutcomeSuccess
	if !res.IsValid {
		outcome = metrics.OutcomeRejected
	}
	s.metrics.IncCounter(metrics.VerifyTotal, map[string]string{"operation": "verify", "outcome": outcome})
	return res
}

// BatchVerify verifies vouchers concurrently. Results are in input order.
// It only fails when ctx is done before every voucher was checked.
func (s *VerificationService) BatchVerify(ctx context.Context, vouchers []Voucher, sender types.AccountID) ([]Result, error) {
	start := time.Now()
	results := make([]Result, len(vouchers))

	g, ctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i := range vouchers {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = s.Verify(vouchers[i], sender)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Debug("batch verified vouchers", map[string]any{
		"count":    len(vouchers),
		"sender":   sender.String(),
		"duration": time.Since(start).String(),
	})
	return results, nil
}
