package utils

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	n, err := ParseAmount("50")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), n)

	for _, in := range []string{"", "-1", "1.5", "abc"} {
		_, err := ParseAmount(in)
		assert.Error(t, err, in)
	}
}

func TestParseAmountWithDecimals(t *testing.T) {
	n, err := ParseAmountWithDecimals("1.25", 6)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(1_250_000), n)

	_, err = ParseAmountWithDecimals("0.0000001", 6)
	assert.Error(t, err)

	_, err = ParseAmountWithDecimals("-3", 6)
	assert.Error(t, err)
}

func TestFormatAmountFromBigInt(t *testing.T) {
	assert.Equal(t, "1.25", FormatAmountFromBigInt(big.NewInt(1_250_000), 6))
	assert.Equal(t, "20", FormatAmountFromBigInt(big.NewInt(20), 0))
}

func TestIsHexString(t *testing.T) {
	assert.True(t, IsHexString("0xdeadBEEF"))
	assert.True(t, IsHexString("00"))
	assert.False(t, IsHexString("0x"))
	assert.False(t, IsHexString("xyz"))
}
