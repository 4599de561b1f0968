// Package vault holds escrow account keys sealed under a master key. Key
// material only leaves the vault inside a signer, and is unsealed for the
// duration of a single signature.
package vault

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"

	x402 "github.com/Blessedbiello/402pay-sub000"
	svmsigner "github.com/Blessedbiello/402pay-sub000/signers/svm"
)

var (
	// ErrKeyNotFound means no sealed key exists for a reference.
	ErrKeyNotFound = errors.New("vault: key not found")

	// ErrKeyExists means a reference is already in use.
	ErrKeyExists = errors.New("vault: key already exists")
)

// MasterKeySize is the required master key length in bytes.
const MasterKeySize = chacha20poly1305.KeySize

// SealedKey is a key at rest.
type SealedKey struct {
	Ref       string
	PublicKey string
	// Sealed is the XChaCha20-Poly1305 nonce followed by the ciphertext.
	Sealed []byte
}

// Store persists sealed keys.
type Store interface {
	Put(ctx context.Context, key SealedKey) error
	Get(ctx context.Context, ref string) (*SealedKey, error)
}

// Vault creates and uses sealed Solana keys.
type Vault struct {
	aead  cipher.AEAD
	store Store
}

// New creates a vault. masterKey must be MasterKeySize bytes.
func New(masterKey []byte, store Store) (*Vault, error) {
	if len(masterKey) != MasterKeySize {
		return nil, x402.NewConfigurationError("masterKey", fmt.Sprintf("must be %d bytes", MasterKeySize))
	}
	if store == nil {
		return nil, x402.NewConfigurationError("store", "required")
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, x402.NewConfigurationError("masterKey", err.Error())
	}
	return &Vault{aead: aead, store: store}, nil
}

// Create generates a new keypair, seals it, and returns its reference and
// public address.
func (v *Vault) Create(ctx context.Context) (string, string, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return "", "", fmt.Errorf("vault: generate key: %w", err)
	}
	defer zero(key)

	ref := uuid.NewString()
	sealed, err := v.seal(ref, key)
	if err != nil {
		return "", "", err
	}
	pub := key.PublicKey().String()
	if err := v.store.Put(ctx, SealedKey{Ref: ref, PublicKey: pub, Sealed: sealed}); err != nil {
		return "", "", err
	}
	return ref, pub, nil
}

// PublicKey returns the address of a sealed key.
func (v *Vault) PublicKey(ctx context.Context, ref string) (string, error) {
	sk, err := v.store.Get(ctx, ref)
	if err != nil {
		return "", err
	}
	return sk.PublicKey, nil
}

// Signer returns a signer for a sealed key. The key is unsealed on each
// signature and wiped afterwards.
func (v *Vault) Signer(ctx context.Context, ref string) (*svmsigner.Signer, error) {
	sk, err := v.store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}
	pub, err := solana.PublicKeyFromBase58(sk.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("vault: corrupt public key for %s: %w", ref, err)
	}

	// fail early on a wrong master key rather than at signing time
	key, err := v.open(ref, sk.Sealed)
	if err != nil {
		return nil, err
	}
	zero(key)

	return svmsigner.NewSigner(pub, func(ctx context.Context, tx *solana.Transaction) error {
		key, err := v.open(ref, sk.Sealed)
		if err != nil {
			return err
		}
		defer zero(key)

		signer, err := svmsigner.NewSignerFromPrivateKey(key)
		if err != nil {
			return err
		}
		return signer.SignTransaction(ctx, tx)
	})
}

func (v *Vault) seal(ref string, key solana.PrivateKey) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(key)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("vault: generate nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, key, []byte(ref)), nil
}

// open authenticates the sealed blob against its reference, so a blob copied
// to another reference does not open.
func (v *Vault) open(ref string, sealed []byte) (solana.PrivateKey, error) {
	if len(sealed) < v.aead.NonceSize() {
		return nil, fmt.Errorf("vault: sealed key %s is truncated", ref)
	}
	nonce, ciphertext := sealed[:v.aead.NonceSize()], sealed[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ciphertext, []byte(ref))
	if err != nil {
		return nil, fmt.Errorf("vault: unseal %s: %w", ref, err)
	}
	return solana.PrivateKey(plain), nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
