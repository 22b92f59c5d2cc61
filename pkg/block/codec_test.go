package block

import (
	"bytes"
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

func TestHeader_Bytes_Layout(t *testing.T) {
	h := &Header{
		Version:    1,
		PrevHash:   types.Hash{0x11},
		MerkleRoot: types.Hash{0x22},
		Timestamp:  0x0102030405060708,
		Height:     7,
		Nonce:      9,
	}
	b := h.Bytes()
	if len(b) != HeaderSize {
		t.Fatalf("len = %d, want %d", len(b), HeaderSize)
	}
	if b[0] != 1 || b[1] != 0 {
		t.Errorf("version not little-endian: %x", b[:4])
	}
	if b[4] != 0x11 || b[36] != 0x22 {
		t.Error("hash fields out of place")
	}
	if b[68] != 0x08 || b[75] != 0x01 {
		t.Errorf("timestamp not little-endian: %x", b[68:76])
	}

	got, err := DecodeHeader(b)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if *got != *h {
		t.Errorf("DecodeHeader = %+v, want %+v", got, h)
	}
}

func TestDecodeHeader_Short(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderSize-1)); !errors.Is(err, ErrShortHeader) {
		t.Errorf("expected ErrShortHeader, got %v", err)
	}
}

func TestBlock_EncodeDecode(t *testing.T) {
	blk := validBlock(t)
	blk.Transactions = append(blk.Transactions, []byte{}, []byte("second"))
	blk.Header.MerkleRoot = blk.ComputeMerkleRoot()

	data := blk.Encode()
	if len(data) != blk.EncodedSize() {
		t.Errorf("EncodedSize = %d, len(Encode) = %d", blk.EncodedSize(), len(data))
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.Hash() != blk.Hash() {
		t.Error("hash changed across encoding")
	}
	if len(got.Transactions) != 3 {
		t.Fatalf("tx count = %d, want 3", len(got.Transactions))
	}
	for i := range blk.Transactions {
		if !bytes.Equal(got.Transactions[i], blk.Transactions[i]) {
			t.Errorf("tx %d = %x, want %x", i, got.Transactions[i], blk.Transactions[i])
		}
	}
	if !bytes.Equal(got.Encode(), data) {
		t.Error("re-encoding is not deterministic")
	}
}

func TestDecode_Malformed(t *testing.T) {
	data := validBlock(t).Encode()

	tests := []struct {
		name string
		data []byte
	}{
		{"missing tx count", data[:HeaderSize]},
		{"truncated tx", data[:len(data)-1]},
		{"trailing bytes", append(append([]byte{}, data...), 0x00)},
		{"huge tx count", append(append([]byte{}, data[:HeaderSize]...), 0xff, 0xff, 0xff, 0xff)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(tt.data); !errors.Is(err, ErrBadEncoding) {
				t.Errorf("expected ErrBadEncoding, got %v", err)
			}
		})
	}
}

func FuzzDecode(f *testing.F) {
	f.Add([]byte{})
	f.Add(make([]byte, HeaderSize+4))

	f.Fuzz(func(t *testing.T, data []byte) {
		blk, err := Decode(data)
		if err != nil {
			return
		}
		if !bytes.Equal(blk.Encode(), data) {
			t.Fatal("decoded block does not re-encode to its input")
		}
		blk.Validate()
	})
}
