package svm

import (
	"encoding/base64"
	"fmt"
	"math/big"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// ValidateSolanaAddress reports whether address is a valid base58 public key.
func ValidateSolanaAddress(address string) bool {
	_, err := solana.PublicKeyFromBase58(address)
	return err == nil
}

// DecodeTransaction decodes a base64 wire-format transaction.
func DecodeTransaction(encoded string) (*solana.Transaction, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode transaction: %w", err)
	}
	return tx, nil
}

// EncodeTransaction encodes a transaction to base64 wire format.
func EncodeTransaction(tx *solana.Transaction) (string, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// FeePayer returns the transaction's fee payer (the first account key).
func FeePayer(tx *solana.Transaction) (solana.PublicKey, error) {
	if len(tx.Message.AccountKeys) == 0 {
		return solana.PublicKey{}, fmt.Errorf("transaction has no account keys")
	}
	return tx.Message.AccountKeys[0], nil
}

// ParseAmount parses an integer string into a u64 amount.
func ParseAmount(amount string) (uint64, error) {
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok || n.Sign() < 0 || !n.IsUint64() {
		return 0, fmt.Errorf("invalid amount: %s", amount)
	}
	return n.Uint64(), nil
}

// VerifyMessageSignature checks a base58 ed25519 signature by a base58 public key.
func VerifyMessageSignature(publicKey string, message []byte, signature string) error {
	pub, err := solana.PublicKeyFromBase58(publicKey)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	sig, err := solana.SignatureFromBase58(signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if !sig.Verify(pub, message) {
		return fmt.Errorf("signature does not match public key")
	}
	return nil
}
