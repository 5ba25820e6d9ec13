package verification

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitwit/paychan/types"
)

func mustKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key
}

// channelID returns an address-form channel ID with every address byte set
// to b.
func channelID(b byte) types.AccountID {
	var id types.AccountID
	for i := 12; i < len(id); i++ {
		id[i] = b
	}
	return id
}

func TestSchemesRoundTrip(t *testing.T) {
	for _, scheme := range []Scheme{EthereumScheme{}, SubstrateScheme{}} {
		t.Run(string(scheme.Name()), func(t *testing.T) {
			key := mustKey(t)
			signer := NewSigner(key, scheme)
			verifier := NewSignatureVerifier(scheme)

			v, err := signer.Sign(channelID(1), big.NewInt(50))
			require.NoError(t, err)

			got, ok := verifier.Verify(channelID(1), big.NewInt(50), v.Signature)
			require.True(t, ok)
			assert.Equal(t, signer.Identity(), got)
			assert.True(t, Authorizes(verifier, channelID(1), big.NewInt(50), v.Signature, signer.Identity()))
		})
	}
}

func TestVerifyRejectsOtherChannel(t *testing.T) {
	for _, scheme := range []Scheme{EthereumScheme{}, SubstrateScheme{}} {
		t.Run(string(scheme.Name()), func(t *testing.T) {
			signer := NewSigner(mustKey(t), scheme)
			verifier := NewSignatureVerifier(scheme)

			v, err := signer.Sign(channelID(1), big.NewInt(50))
			require.NoError(t, err)

			// Same sender, same amount, different channel.
			assert.False(t, Authorizes(verifier, channelID(2), big.NewInt(50), v.Signature, signer.Identity()))
			// Same channel, different amount.
			assert.False(t, Authorizes(verifier, channelID(1), big.NewInt(51), v.Signature, signer.Identity()))
		})
	}
}

func TestVerifyRejectsChannelSharingAddressBytes(t *testing.T) {
	idA := channelID(1)
	idB := idA
	idB[0] ^= 0xff
	require.Equal(t, idA.Address(), idB.Address())

	t.Run("ethereum", func(t *testing.T) {
		scheme := EthereumScheme{}
		signer := NewSigner(mustKey(t), scheme)
		verifier := NewSignatureVerifier(scheme)

		v, err := signer.Sign(idA, big.NewInt(80))
		require.NoError(t, err)

		assert.NoError(t, verifier.ValidateChannelID(idA))
		assert.Error(t, verifier.ValidateChannelID(idB))

		_, err = scheme.Digest(idB, big.NewInt(80))
		assert.Error(t, err)
		_, err = signer.Sign(idB, big.NewInt(80))
		assert.Error(t, err)

		got, ok := verifier.Verify(idB, big.NewInt(80), v.Signature)
		assert.False(t, ok)
		assert.True(t, got.IsZero())
		assert.False(t, Authorizes(verifier, idB, big.NewInt(80), v.Signature, signer.Identity()))
	})

	t.Run("substrate", func(t *testing.T) {
		scheme := SubstrateScheme{}
		signer := NewSigner(mustKey(t), scheme)
		verifier := NewSignatureVerifier(scheme)

		v, err := signer.Sign(idA, big.NewInt(80))
		require.NoError(t, err)

		assert.NoError(t, verifier.ValidateChannelID(idB))
		assert.False(t, Authorizes(verifier, idB, big.NewInt(80), v.Signature, signer.Identity()))
		assert.True(t, Authorizes(verifier, idA, big.NewInt(80), v.Signature, signer.Identity()))
	})
}

func TestVerifyRejectsOtherSigner(t *testing.T) {
	scheme := EthereumScheme{}
	sender := NewSigner(mustKey(t), scheme)
	mallory := NewSigner(mustKey(t), scheme)

	v, err := mallory.Sign(channelID(1), big.NewInt(50))
	require.NoError(t, err)

	assert.False(t, Authorizes(NewSignatureVerifier(scheme), channelID(1), big.NewInt(50), v.Signature, sender.Identity()))
}

func TestVerifyMalformedInputsAreUniform(t *testing.T) {
	verifier := NewSignatureVerifier(EthereumScheme{})
	badV := make([]byte, 65)
	badV[64] = 9

	cases := map[string]struct {
		amount *big.Int
		sig    []byte
	}{
		"nil signature":    {big.NewInt(1), nil},
		"short signature":  {big.NewInt(1), make([]byte, 64)},
		"zero signature":   {big.NewInt(1), make([]byte, 65)},
		"bad recovery id":  {big.NewInt(1), badV},
		"negative amount":  {big.NewInt(-1), make([]byte, 65)},
		"nil amount":       {nil, make([]byte, 65)},
		"oversized amount": {new(big.Int).Lsh(big.NewInt(1), 300), make([]byte, 65)},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			signer, ok := verifier.Verify(channelID(1), tc.amount, tc.sig)
			assert.False(t, ok)
			assert.True(t, signer.IsZero())
		})
	}
}

func TestEthereumSchemeAcceptsWalletRecoveryID(t *testing.T) {
	signer := NewSigner(mustKey(t), EthereumScheme{})
	v, err := signer.Sign(channelID(3), big.NewInt(7))
	require.NoError(t, err)

	v.Signature[64] += 27
	assert.True(t, Authorizes(NewSignatureVerifier(EthereumScheme{}), channelID(3), big.NewInt(7), v.Signature, signer.Identity()))
}

func TestEthereumDigestLayout(t *testing.T) {
	id := channelID(0xaa)
	digest, err := EthereumScheme{}.Digest(id, big.NewInt(0x0102))
	require.NoError(t, err)

	word := make([]byte, 32)
	word[30], word[31] = 0x01, 0x02
	assert.Equal(t, crypto.Keccak256(id[12:], word), digest)
}

func TestSubstrateAmountRange(t *testing.T) {
	_, err := SubstrateScheme{}.Digest(channelID(1), new(big.Int).Lsh(big.NewInt(1), 128))
	assert.Error(t, err)

	_, err = SubstrateScheme{}.Digest(channelID(1), new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1)))
	assert.NoError(t, err)
}

func TestSchemeByName(t *testing.T) {
	s, err := SchemeByName("")
	require.NoError(t, err)
	assert.Equal(t, types.SchemeEthereum, s.Name())

	s, err = SchemeByName(types.SchemeSubstrate)
	require.NoError(t, err)
	assert.Equal(t, types.SchemeSubstrate, s.Name())

	_, err = SchemeByName("rsa")
	assert.True(t, errors.Is(err, types.ErrInvalidConfig))
}

func TestBatchVerify(t *testing.T) {
	scheme := EthereumScheme{}
	sender := NewSigner(mustKey(t), scheme)
	other := NewSigner(mustKey(t), scheme)

	var vouchers []Voucher
	for i := int64(1); i <= 5; i++ {
		v, err := sender.Sign(channelID(1), big.NewInt(i*10))
		require.NoError(t, err)
		vouchers = append(vouchers, v)
	}
	forged, err := other.Sign(channelID(1), big.NewInt(60))
	require.NoError(t, err)
	vouchers = append(vouchers, forged)

	svc := NewVerificationService(NewSignatureVerifier(scheme), 2, nil, nil)
	results, err := svc.BatchVerify(context.Background(), vouchers, sender.Identity())
	require.NoError(t, err)
	require.Len(t, results, 6)

	for i, r := range results[:5] {
		assert.True(t, r.IsValid, "voucher %d", i)
		assert.Equal(t, vouchers[i].Amount, r.Voucher.Amount)
	}
	assert.False(t, results[5].IsValid)
	assert.Equal(t, other.Identity(), results[5].Signer)
}

func TestBatchVerifyCanceled(t *testing.T) {
	signer := NewSigner(mustKey(t), EthereumScheme{})
	v, err := signer.Sign(channelID(1), big.NewInt(1))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	svc := NewVerificationService(NewSignatureVerifier(EthereumScheme{}), 0, nil, nil)
	_, err = svc.BatchVerify(ctx, []Voucher{v}, signer.Identity())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestVoucherJSON(t *testing.T) {
	signer := NewSigner(mustKey(t), EthereumScheme{})
	v, err := signer.Sign(channelID(4), big.NewInt(1234))
	require.NoError(t, err)

	b, err := json.Marshal(v)
	require.NoError(t, err)

	back, err := ParseVoucher(b)
	require.NoError(t, err)
	assert.Equal(t, v.ChannelID, back.ChannelID)
	assert.Equal(t, 0, v.Amount.Cmp(back.Amount))
	assert.Equal(t, v.Signature, back.Signature)

	_, err = ParseVoucher([]byte(`{"channel":"0x70997970C51812dc3A010C7d01b50e0d17dc79C8","amount":5,"signature":"0x00"}`))
	assert.Error(t, err)
	_, err = ParseVoucher([]byte(`{"amount":5}`))
	assert.Error(t, err)
}

func TestVoucherFromStrings(t *testing.T) {
	signer, err := NewSignerFromHex("0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80", EthereumScheme{})
	require.NoError(t, err)
	v, err := signer.Sign(channelID(5), big.NewInt(42))
	require.NoError(t, err)

	back, err := VoucherFromStrings(v.ChannelID.String(), "42", v.Signature.String())
	require.NoError(t, err)
	assert.Equal(t, v.ChannelID, back.ChannelID)
	assert.True(t, Authorizes(NewSignatureVerifier(EthereumScheme{}), back.ChannelID, back.Amount, back.Signature, signer.Identity()))

	_, err = VoucherFromStrings("zz", "42", v.Signature.String())
	assert.Error(t, err)
	_, err = VoucherFromStrings(v.ChannelID.String(), "-1", v.Signature.String())
	assert.Error(t, err)
	_, err = VoucherFromStrings(v.ChannelID.String(), "42", "0x1234")
	assert.Error(t, err)

	_, err = NewSignerFromHex("nothex", EthereumScheme{})
	assert.Error(t, err)
}

func TestVoucherBook(t *testing.T) {
	scheme := EthereumScheme{}
	sender := NewSigner(mustKey(t), scheme)
	book := NewVoucherBook(NewSignatureVerifier(scheme))

	v10, err := sender.Sign(channelID(1), big.NewInt(10))
	require.NoError(t, err)
	assert.ErrorIs(t, book.Accept(v10), ErrUnknownChannel)

	book.Track(channelID(1), sender.Identity())
	require.NoError(t, book.Accept(v10))

	v5, err := sender.Sign(channelID(1), big.NewInt(5))
	require.NoError(t, err)
	assert.ErrorIs(t, book.Accept(v5), ErrStaleVoucher)
	assert.ErrorIs(t, book.Accept(v10), ErrStaleVoucher)

	forged, err := NewSigner(mustKey(t), scheme).Sign(channelID(1), big.NewInt(100))
	require.NoError(t, err)
	assert.ErrorIs(t, book.Accept(forged), types.ErrInvalidSignature)

	v30, err := sender.Sign(channelID(1), big.NewInt(30))
	require.NoError(t, err)
	require.NoError(t, book.Accept(v30))

	best, ok := book.Best(channelID(1))
	require.True(t, ok)
	assert.Equal(t, big.NewInt(30), best.Amount)

	book.Forget(channelID(1))
	_, ok = book.Best(channelID(1))
	assert.False(t, ok)
}
