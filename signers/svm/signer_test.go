package svm

import (
	"context"
	"errors"
	"testing"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transferTx(t *testing.T, feePayer, from solana.PublicKey) *solana.Transaction {
	t.Helper()
	ix := system.NewTransferInstruction(1, from, solana.NewWallet().PublicKey()).Build()
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{1}, solana.TransactionPayer(feePayer))
	require.NoError(t, err)
	return tx
}

func TestNewSigner(t *testing.T) {
	_, err := NewSigner(solana.PublicKey{}, func(context.Context, *solana.Transaction) error { return nil })
	assert.Error(t, err)

	_, err = NewSigner(solana.NewWallet().PublicKey(), nil)
	assert.Error(t, err)

	_, err = NewSignerFromPrivateKey(solana.PrivateKey{1, 2, 3})
	assert.Error(t, err)

	_, err = NewSignerFromBase58("not-base58-0OIl")
	assert.Error(t, err)

	key := solana.NewWallet().PrivateKey
	s, err := NewSignerFromBase58(key.String())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), s.Address())
}

func TestSignTransaction(t *testing.T) {
	feePayer := solana.NewWallet().PrivateKey
	payer := solana.NewWallet().PrivateKey
	tx := transferTx(t, feePayer.PublicKey(), payer.PublicKey())
	message, err := tx.Message.MarshalBinary()
	require.NoError(t, err)

	s, err := NewSignerFromPrivateKey(payer)
	require.NoError(t, err)
	require.NoError(t, s.SignTransaction(context.Background(), tx))

	require.Len(t, tx.Signatures, 2)
	assert.True(t, tx.Signatures[0].IsZero(), "fee payer slot stays empty for the co-signer")
	assert.True(t, tx.Signatures[1].Verify(payer.PublicKey(), message))

	fp, err := NewSignerFromPrivateKey(feePayer)
	require.NoError(t, err)
	require.NoError(t, fp.SignTransaction(context.Background(), tx))
	assert.True(t, tx.Signatures[0].Verify(feePayer.PublicKey(), message))
	assert.True(t, tx.Signatures[1].Verify(payer.PublicKey(), message), "co-signing keeps the payer signature")
}

func TestSignTransaction_NotASigner(t *testing.T) {
	payer := solana.NewWallet().PrivateKey
	tx := transferTx(t, payer.PublicKey(), payer.PublicKey())

	outsider, err := NewSignerFromPrivateKey(solana.NewWallet().PrivateKey)
	require.NoError(t, err)
	assert.Error(t, outsider.SignTransaction(context.Background(), tx))
}

func TestSignTransaction_Callback(t *testing.T) {
	errHSM := errors.New("hsm offline")
	s, err := NewSigner(solana.NewWallet().PublicKey(), func(context.Context, *solana.Transaction) error {
		return errHSM
	})
	require.NoError(t, err)
	assert.ErrorIs(t, s.SignTransaction(context.Background(), &solana.Transaction{}), errHSM)
}
