package svm

import (
	"bytes"
	"math"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func systemTransferData(lamports uint64) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint32(SystemInstructionTransfer, bin.LE)
	_ = enc.WriteUint64(lamports, bin.LE)
	return buf.Bytes()
}

func transferCheckedData(amount uint64, decimals uint8) []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteUint8(TokenInstructionTransferChecked)
	_ = enc.WriteUint64(amount, bin.LE)
	_ = enc.WriteUint8(decimals)
	return buf.Bytes()
}

var edgeAmounts = []uint64{0, 1, 1 << 53, (1 << 53) + 1, math.MaxUint64}

func TestDecodeTokenTransfer(t *testing.T) {
	for _, amount := range edgeAmounts {
		got, err := DecodeTokenTransfer(EncodeTokenTransfer(amount))
		require.NoError(t, err)
		assert.Equal(t, amount, got)
	}

	t.Run("little endian", func(t *testing.T) {
		got, err := DecodeTokenTransfer([]byte{3, 0x01, 0x02, 0, 0, 0, 0, 0, 0})
		require.NoError(t, err)
		assert.Equal(t, uint64(0x0201), got)
	})

	t.Run("short", func(t *testing.T) {
		_, err := DecodeTokenTransfer([]byte{3, 1, 2, 3})
		assert.Error(t, err)
	})

	t.Run("wrong discriminator", func(t *testing.T) {
		data := EncodeTokenTransfer(10)
		data[0] = TokenInstructionTransferChecked
		_, err := DecodeTokenTransfer(data)
		assert.Error(t, err)
	})
}

func TestDecodeTokenTransferChecked(t *testing.T) {
	for _, amount := range edgeAmounts {
		got, decimals, err := DecodeTokenTransferChecked(transferCheckedData(amount, 6))
		require.NoError(t, err)
		assert.Equal(t, amount, got)
		assert.Equal(t, uint8(6), decimals)
	}

	_, _, err := DecodeTokenTransferChecked(transferCheckedData(1, 6)[:9])
	assert.Error(t, err)

	_, _, err = DecodeTokenTransferChecked(append(EncodeTokenTransfer(1), 6))
	assert.Error(t, err)
}

func TestDecodeSystemTransfer(t *testing.T) {
	for _, amount := range edgeAmounts {
		got, err := DecodeSystemTransfer(systemTransferData(amount))
		require.NoError(t, err)
		assert.Equal(t, amount, got)
	}

	_, err := DecodeSystemTransfer(systemTransferData(1)[:11])
	assert.Error(t, err)

	data := systemTransferData(1)
	data[0] = 0 // CreateAccount
	_, err = DecodeSystemTransfer(data)
	assert.Error(t, err)
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0", 0, false},
		{"9007199254740993", (1 << 53) + 1, false},
		{"18446744073709551615", math.MaxUint64, false},
		{"18446744073709551616", 0, true},
		{"-1", 0, true},
		{"1.0", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAmount(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
