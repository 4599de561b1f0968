package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// SignTransactionFunc defines the callback used to sign Solana transactions.
type SignTransactionFunc func(ctx context.Context, tx *solana.Transaction) error

// Signer partially signs Solana transactions for one account.
type Signer struct {
	publicKey       solana.PublicKey
	signTransaction SignTransactionFunc
}

// NewSigner creates a signer from a public key and signing callback.
func NewSigner(publicKey solana.PublicKey, signFunc SignTransactionFunc) (*Signer, error) {
	if publicKey.IsZero() {
		return nil, fmt.Errorf("public key is required")
	}
	if signFunc == nil {
		return nil, fmt.Errorf("sign callback is required")
	}

	return &Signer{
		publicKey:       publicKey,
		signTransaction: signFunc,
	}, nil
}

// NewSignerFromPrivateKey creates a signer holding the key in memory.
//
// The returned signer keeps the key for its lifetime; obtain signers from the
// vault for escrow accounts so keys are only unsealed for the duration of a call.
func NewSignerFromPrivateKey(privateKey solana.PrivateKey) (*Signer, error) {
	if len(privateKey) != 64 {
		return nil, fmt.Errorf("invalid private key length: %d", len(privateKey))
	}
	signFunc := func(ctx context.Context, tx *solana.Transaction) error {
		return signTransactionWithPrivateKey(ctx, privateKey, tx)
	}
	return NewSigner(privateKey.PublicKey(), signFunc)
}

// NewSignerFromBase58 creates a signer from a base58-encoded private key.
func NewSignerFromBase58(privateKeyBase58 string) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewSignerFromPrivateKey(privateKey)
}

// Address returns the Solana public key of the signer.
func (s *Signer) Address() solana.PublicKey {
	return s.publicKey
}

// SignTransaction adds this signer's signature at its account index.
func (s *Signer) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	return s.signTransaction(ctx, tx)
}

func signTransactionWithPrivateKey(_ context.Context, privateKey solana.PrivateKey, tx *solana.Transaction) error {
	messageBytes, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	signature, err := privateKey.Sign(messageBytes)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}

	accountIndex, err := tx.GetAccountIndex(privateKey.PublicKey())
	if err != nil {
		return fmt.Errorf("failed to get account index: %w", err)
	}
	if int(accountIndex) >= int(tx.Message.Header.NumRequiredSignatures) {
		return fmt.Errorf("account %s is not a required signer", privateKey.PublicKey())
	}

	if len(tx.Signatures) <= int(accountIndex) {
		newSignatures := make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
		copy(newSignatures, tx.Signatures)
		tx.Signatures = newSignatures
	}
	tx.Signatures[accountIndex] = signature

	return nil
}
