package svm

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// ErrNoTransfer is returned when a transaction holds no recognised transfer instruction.
var ErrNoTransfer = errors.New("svm: transaction contains no transfer instruction")

// ErrRecipientNotPaid is returned when transfers exist but none credits the expected recipient.
var ErrRecipientNotPaid = errors.New("svm: no transfer to the expected recipient")

// Transfer is a value movement decoded from instruction bytes.
type Transfer struct {
	Program     solana.PublicKey
	Source      solana.PublicKey
	Destination solana.PublicKey
	// Authority signs for the source: the token account owner, or the
	// sending wallet for native transfers.
	Authority solana.PublicKey
	// Mint is set for TransferChecked; zero for Transfer and native transfers.
	Mint   solana.PublicKey
	Amount uint64
	Native bool
}

// ExtractTransfers decodes every System/SPL transfer in a transaction.
// Instructions of other programs are skipped.
func ExtractTransfers(tx *solana.Transaction) ([]Transfer, error) {
	keys := tx.Message.AccountKeys
	account := func(inst solana.CompiledInstruction, i int) (solana.PublicKey, error) {
		if i >= len(inst.Accounts) {
			return solana.PublicKey{}, fmt.Errorf("instruction has %d accounts, need %d", len(inst.Accounts), i+1)
		}
		idx := int(inst.Accounts[i])
		if idx >= len(keys) {
			return solana.PublicKey{}, fmt.Errorf("account index %d out of range", idx)
		}
		return keys[idx], nil
	}

	var transfers []Transfer
	for n, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			return nil, fmt.Errorf("instruction %d: program index out of range", n)
		}
		program := keys[inst.ProgramIDIndex]
		data := []byte(inst.Data)

		switch {
		case program.Equals(solana.SystemProgramID):
			if len(data) < 4 || data[0] != byte(SystemInstructionTransfer) || data[1]|data[2]|data[3] != 0 {
				continue
			}
			amount, err := DecodeSystemTransfer(data)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", n, err)
			}
			from, err := account(inst, 0)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", n, err)
			}
			to, err := account(inst, 1)
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", n, err)
			}
			transfers = append(transfers, Transfer{
				Program: program, Source: from, Destination: to, Authority: from,
				Amount: amount, Native: true,
			})

		case program.Equals(solana.TokenProgramID) || program.Equals(solana.Token2022ProgramID):
			if len(data) == 0 {
				continue
			}
			t := Transfer{Program: program}
			var err error
			switch data[0] {
			case TokenInstructionTransfer:
				if t.Amount, err = DecodeTokenTransfer(data); err != nil {
					return nil, fmt.Errorf("instruction %d: %w", n, err)
				}
				t.Source, err = account(inst, 0)
				if err == nil {
					t.Destination, err = account(inst, 1)
				}
				if err == nil {
					t.Authority, err = account(inst, 2)
				}
			case TokenInstructionTransferChecked:
				if t.Amount, _, err = DecodeTokenTransferChecked(data); err != nil {
					return nil, fmt.Errorf("instruction %d: %w", n, err)
				}
				t.Source, err = account(inst, 0)
				if err == nil {
					t.Mint, err = account(inst, 1)
				}
				if err == nil {
					t.Destination, err = account(inst, 2)
				}
				if err == nil {
					t.Authority, err = account(inst, 3)
				}
			default:
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("instruction %d: %w", n, err)
			}
			transfers = append(transfers, t)
		}
	}
	if len(transfers) == 0 {
		return nil, ErrNoTransfer
	}
	return transfers, nil
}

// AssociatedTokenAddress derives the associated token account of owner for mint
// under the given token program.
func AssociatedTokenAddress(owner, mint, tokenProgram solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress(
		[][]byte{owner[:], tokenProgram[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	return addr, err
}

// PaysTo reports whether t credits payTo with asset (empty asset = native).
// Token transfers must land in payTo's associated token account for the mint.
func PaysTo(t Transfer, payTo, asset string) (bool, error) {
	owner, err := solana.PublicKeyFromBase58(payTo)
	if err != nil {
		return false, fmt.Errorf("invalid payTo: %w", err)
	}
	if asset == "" {
		return t.Native && t.Destination.Equals(owner), nil
	}
	if t.Native {
		return false, nil
	}
	mint, err := solana.PublicKeyFromBase58(asset)
	if err != nil {
		return false, fmt.Errorf("invalid asset: %w", err)
	}
	if !t.Mint.IsZero() && !t.Mint.Equals(mint) {
		return false, nil
	}
	ata, err := AssociatedTokenAddress(owner, mint, t.Program)
	if err != nil {
		return false, err
	}
	return t.Destination.Equals(ata), nil
}

// FindPayment returns the single transfer paying payTo in asset.
func FindPayment(tx *solana.Transaction, payTo, asset string) (Transfer, error) {
	transfers, err := ExtractTransfers(tx)
	if err != nil {
		return Transfer{}, err
	}
	var found []Transfer
	for _, t := range transfers {
		ok, err := PaysTo(t, payTo, asset)
		if err != nil {
			return Transfer{}, err
		}
		if ok {
			found = append(found, t)
		}
	}
	switch len(found) {
	case 0:
		return Transfer{}, ErrRecipientNotPaid
	case 1:
		return found[0], nil
	default:
		return Transfer{}, fmt.Errorf("svm: %d transfers to the same recipient", len(found))
	}
}

// CheckSponsored checks the layout of a transaction a fee payer is asked to
// co-sign. Only compute budget instructions and exactly one transfer are
// allowed, and no instruction may reference the fee payer's account.
func CheckSponsored(tx *solana.Transaction, feePayer solana.PublicKey) error {
	keys := tx.Message.AccountKeys
	movements := 0
	for n, inst := range tx.Message.Instructions {
		if int(inst.ProgramIDIndex) >= len(keys) {
			return fmt.Errorf("instruction %d: program index out of range", n)
		}
		program := keys[inst.ProgramIDIndex]
		switch {
		case program.Equals(solana.ComputeBudget):
		case program.Equals(solana.SystemProgramID), program.Equals(solana.TokenProgramID), program.Equals(solana.Token2022ProgramID):
			movements++
		default:
			return fmt.Errorf("instruction %d: program %s is not allowed", n, program)
		}
		for _, idx := range inst.Accounts {
			if int(idx) < len(keys) && keys[idx].Equals(feePayer) {
				return fmt.Errorf("instruction %d references the fee payer", n)
			}
		}
	}
	if movements != 1 {
		return fmt.Errorf("transaction must hold exactly one transfer, found %d", movements)
	}

	// the one instruction must decode as a transfer, not another system or token call
	transfers, err := ExtractTransfers(tx)
	if err != nil {
		return err
	}
	if len(transfers) != 1 {
		return fmt.Errorf("transaction must hold exactly one transfer, found %d", len(transfers))
	}
	return nil
}
