// Package evm provides the EVM signature primitives used by challenge proofs.
package evm

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// IsAddress reports whether s is a 0x-prefixed 20-byte hex address.
func IsAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// RecoverPersonalSigner returns the address that produced an EIP-191
// personal_sign signature over message. signature is 65 bytes of hex (r || s || v)
// with v in {0, 1, 27, 28}.
func RecoverPersonalSigner(message []byte, signature string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(sig))
	}

	v := sig[crypto.RecoveryIDOffset]
	if v >= 27 {
		v -= 27
	}
	if v > 1 {
		return common.Address{}, fmt.Errorf("invalid recovery id %d", sig[crypto.RecoveryIDOffset])
	}
	normalized := append(append([]byte(nil), sig[:crypto.RecoveryIDOffset]...), v)

	pubKey, err := crypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}

// VerifyPersonalSignature checks that address produced signature over message.
func VerifyPersonalSignature(address string, message []byte, signature string) error {
	if !IsAddress(address) {
		return fmt.Errorf("invalid address %q", address)
	}
	recovered, err := RecoverPersonalSigner(message, signature)
	if err != nil {
		return err
	}
	if recovered != common.HexToAddress(address) {
		return fmt.Errorf("signature was produced by %s", recovered.Hex())
	}
	return nil
}
