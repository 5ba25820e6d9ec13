package verification

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/vitwit/paychan/types"
	"github.com/vitwit/paychan/utils"
	"golang.org/x/crypto/blake2b"
)

// Scheme defines how an authorized amount is digested and how a signer
// identity is derived from a signature over that digest.
type Scheme interface {
	Name() types.SchemeName
	// ValidateChannelID reports whether Digest can bind channelID in full.
	ValidateChannelID(channelID types.AccountID) error
	// Digest binds the channel's own identity and the cumulative amount.
	Digest(channelID types.AccountID, amount *big.Int) ([]byte, error)
	// Recover returns the identity of the key that signed digest.
	Recover(digest, sig []byte) (types.AccountID, error)
	// Sign produces a signature over digest that Recover maps back to the
	// identity of key.
	Sign(digest []byte, key *ecdsa.PrivateKey) ([]byte, error)
	// Identity returns the account identity of a public key.
	Identity(pub *ecdsa.PublicKey) types.AccountID
}

// SchemeByName returns the scheme registered under name. The empty name
// selects the Ethereum scheme.
func SchemeByName(name types.SchemeName) (Scheme, error) {
	switch name {
	case "", types.SchemeEthereum:
		return EthereumScheme{}, nil
	case types.SchemeSubstrate:
		return SubstrateScheme{}, nil
	default:
		return nil, types.NewError(types.ErrInvalidConfig, fmt.Sprintf("unsupported signature scheme %q", name))
	}
}

// EthereumScheme signs keccak256(channelAddress || uint256(amount)) and
// identifies signers by their Ethereum address, matching the layout of the
// classic chequebook contract.
type EthereumScheme struct{}

var _ Scheme = EthereumScheme{}

func (EthereumScheme) Name() types.SchemeName {
	return types.SchemeEthereum
}

// ValidateChannelID rejects IDs that are not left-padded addresses. The
// digest only carries 20 bytes of channel identity, so two IDs differing in
// their first 12 bytes would otherwise share every signature.
func (EthereumScheme) ValidateChannelID(channelID types.AccountID) error {
	if !channelID.IsAddress() {
		return fmt.Errorf("channel id %s is not an Ethereum address", channelID)
	}
	return nil
}

func (s EthereumScheme) Digest(channelID types.AccountID, amount *big.Int) ([]byte, error) {
	if err := s.ValidateChannelID(channelID); err != nil {
		return nil, err
	}
	word, err := utils.LeftPadBig(amount, 32)
	if err != nil {
		return nil, fmt.Errorf("encoding amount: %w", err)
	}
	return crypto.Keccak256(channelID.Address().Bytes(), word), nil
}

func (EthereumScheme) Recover(digest, sig []byte) (types.AccountID, error) {
	norm, err := utils.NormalizeSignature(sig)
	if err != nil {
		return types.AccountID{}, err
	}
	pub, err := crypto.SigToPub(digest, norm)
	if err != nil {
		return types.AccountID{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return types.AccountIDFromAddress(crypto.PubkeyToAddress(*pub)), nil
}

func (EthereumScheme) Sign(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return utils.SignHash(digest, key)
}

func (EthereumScheme) Identity(pub *ecdsa.PublicKey) types.AccountID {
	return types.AccountIDFromAddress(crypto.PubkeyToAddress(*pub))
}

// SubstrateScheme signs sha256(channelID || u128le(amount)), the SCALE
// encoding of (AccountId, Balance), and identifies signers by the BLAKE2-256
// hash of their compressed secp256k1 public key.
type SubstrateScheme struct{}

var _ Scheme = SubstrateScheme{}

func (SubstrateScheme) Name() types.SchemeName {
	return types.SchemeSubstrate
}

// ValidateChannelID accepts every ID; the digest carries all 32 bytes.
func (SubstrateScheme) ValidateChannelID(types.AccountID) error {
	return nil
}

func (SubstrateScheme) Digest(channelID types.AccountID, amount *big.Int) ([]byte, error) {
	le, err := utils.LittleEndian(amount, 16)
	if err != nil {
		return nil, fmt.Errorf("encoding amount: %w", err)
	}
	h := sha256.New()
	h.Write(channelID[:])
	h.Write(le)
	return h.Sum(nil), nil
}

func (s SubstrateScheme) Recover(digest, sig []byte) (types.AccountID, error) {
	norm, err := utils.NormalizeSignature(sig)
	if err != nil {
		return types.AccountID{}, err
	}
	pub, err := crypto.SigToPub(digest, norm)
	if err != nil {
		return types.AccountID{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return s.Identity(pub), nil
}

func (SubstrateScheme) Sign(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	return utils.SignHash(digest, key)
}

func (SubstrateScheme) Identity(pub *ecdsa.PublicKey) types.AccountID {
	return types.AccountID(blake2b.Sum256(crypto.CompressPubkey(pub)))
}
