package svm

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
)

// Instruction discriminators
const (
	TokenInstructionTransfer        uint8  = 3
	TokenInstructionTransferChecked uint8  = 12
	SystemInstructionTransfer       uint32 = 2
)

// DecodeTokenTransfer decodes SPL Token Transfer instruction data:
// a one-byte discriminator (3) followed by the amount as a little-endian u64.
func DecodeTokenTransfer(data []byte) (uint64, error) {
	if len(data) < 9 {
		return 0, fmt.Errorf("token transfer data too short: %d bytes", len(data))
	}
	dec := bin.NewBinDecoder(data)
	disc, err := dec.ReadUint8()
	if err != nil {
		return 0, err
	}
	if disc != TokenInstructionTransfer {
		return 0, fmt.Errorf("not a token transfer: discriminator %d", disc)
	}
	return dec.ReadUint64(bin.LE)
}

// DecodeTokenTransferChecked decodes SPL Token TransferChecked instruction data:
// discriminator (12), LE u64 amount, then the mint's decimals.
func DecodeTokenTransferChecked(data []byte) (amount uint64, decimals uint8, err error) {
	if len(data) < 10 {
		return 0, 0, fmt.Errorf("token transferChecked data too short: %d bytes", len(data))
	}
	dec := bin.NewBinDecoder(data)
	disc, err := dec.ReadUint8()
	if err != nil {
		return 0, 0, err
	}
	if disc != TokenInstructionTransferChecked {
		return 0, 0, fmt.Errorf("not a token transferChecked: discriminator %d", disc)
	}
	if amount, err = dec.ReadUint64(bin.LE); err != nil {
		return 0, 0, err
	}
	if decimals, err = dec.ReadUint8(); err != nil {
		return 0, 0, err
	}
	return amount, decimals, nil
}

// DecodeSystemTransfer decodes System program Transfer data: a LE u32
// instruction index (2) followed by lamports as a LE u64.
func DecodeSystemTransfer(data []byte) (uint64, error) {
	if len(data) < 12 {
		return 0, fmt.Errorf("system transfer data too short: %d bytes", len(data))
	}
	dec := bin.NewBinDecoder(data)
	idx, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return 0, err
	}
	if idx != SystemInstructionTransfer {
		return 0, fmt.Errorf("not a system transfer: instruction %d", idx)
	}
	return dec.ReadUint64(bin.LE)
}

// EncodeTokenTransfer encodes SPL Token Transfer instruction data.
func EncodeTokenTransfer(amount uint64) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint8(TokenInstructionTransfer)
	_ = enc.WriteUint64(amount, bin.LE)
	return buf.Bytes()
}
