package utils

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureLength is the size of an [R || S || V] secp256k1 signature.
const SignatureLength = crypto.SignatureLength

// DecodeSignature decodes a hex signature, with or without 0x prefix.
func DecodeSignature(signature string) ([]byte, error) {
	sigBytes, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to decode signature: %w", err)
	}

	if len(sigBytes) != SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sigBytes))
	}
	return sigBytes, nil
}

// NormalizeSignature returns a copy of sig with the recovery id in the 0/1
// form expected by go-ethereum. Wallets commonly produce 27/28.
func NormalizeSignature(sig []byte) ([]byte, error) {
	if len(sig) != SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(sig))
	}

	out := make([]byte, SignatureLength)
	copy(out, sig)
	if out[64] >= 27 {
		out[64] -= 27
	}
	if out[64] > 1 {
		return nil, fmt.Errorf("invalid recovery id %d", sig[64])
	}
	return out, nil
}

// PrivateKeyFromHex creates a private key from hex string
func PrivateKeyFromHex(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
}

// AddressFromPrivateKey derives the Ethereum address from a private key
func AddressFromPrivateKey(privateKey *ecdsa.PrivateKey) common.Address {
	return crypto.PubkeyToAddress(privateKey.PublicKey)
}

// SignHash signs a 32-byte digest. The returned signature has V in 0/1 form.
func SignHash(hash []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	signature, err := crypto.Sign(hash, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign hash: %w", err)
	}
	return signature, nil
}

// ValidateAddress checks if a string is a valid Ethereum address
func ValidateAddress(address string) bool {
	return common.IsHexAddress(address)
}

// LeftPadBig returns n as a big-endian word of size bytes. It errors when n
// is nil, negative or does not fit.
func LeftPadBig(n *big.Int, size int) ([]byte, error) {
	if n == nil {
		return nil, fmt.Errorf("missing value")
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("negative value %s", n)
	}
	b := n.Bytes()
	if len(b) > size {
		return nil, fmt.Errorf("value %s overflows %d bytes", n, size)
	}
	return common.LeftPadBytes(b, size), nil
}

// LittleEndian returns n as a little-endian integer of size bytes, the way
// SCALE encodes fixed-width unsigned integers.
func LittleEndian(n *big.Int, size int) ([]byte, error) {
	be, err := LeftPadBig(n, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	for i := range be {
		out[size-1-i] = be[i]
	}
	return out, nil
}
