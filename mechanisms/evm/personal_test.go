package evm

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personalSign(t *testing.T, message []byte) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	sig, err := crypto.Sign(accounts.TextHash(message), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	return crypto.PubkeyToAddress(key.PublicKey).Hex(), "0x" + hex.EncodeToString(sig)
}

func TestVerifyPersonalSignature(t *testing.T) {
	msg := []byte("x402-challenge:abc:0x00:1000:USDC:1700000000000")
	addr, sig := personalSign(t, msg)

	assert.NoError(t, VerifyPersonalSignature(addr, msg, sig))

	t.Run("different message", func(t *testing.T) {
		assert.Error(t, VerifyPersonalSignature(addr, []byte("other"), sig))
	})

	t.Run("different signer", func(t *testing.T) {
		other, _ := personalSign(t, msg)
		assert.Error(t, VerifyPersonalSignature(other, msg, sig))
	})

	t.Run("raw recovery id", func(t *testing.T) {
		raw, err := hex.DecodeString(sig[2:])
		require.NoError(t, err)
		raw[crypto.RecoveryIDOffset] -= 27
		assert.NoError(t, VerifyPersonalSignature(addr, msg, hex.EncodeToString(raw)))
	})

	t.Run("truncated", func(t *testing.T) {
		assert.Error(t, VerifyPersonalSignature(addr, msg, sig[:20]))
	})
}

func TestIsAddress(t *testing.T) {
	assert.True(t, IsAddress("0x209693Bc6afc0C5328bA36FaF03C514EF312287C"))
	assert.False(t, IsAddress("209693Bc6afc0C5328bA36FaF03C514EF312287C"))
	assert.False(t, IsAddress("0x1234"))
}
