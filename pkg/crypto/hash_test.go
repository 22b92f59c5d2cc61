package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

func hexToHash(t *testing.T, s string) types.Hash {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex: %v", err)
	}
	var h types.Hash
	copy(h[:], b)
	return h
}

func TestHash(t *testing.T) {
	tests := []struct {
		name  string
		input []byte
		want  string
	}{
		{
			name:  "empty input",
			input: []byte{},
			want:  "af1349b9f5f9a1a6a0404dea36dcc9499bcb25c9adc112b7cc9a93cae41f3262",
		},
		{
			name:  "hello",
			input: []byte("hello"),
			want:  "ea8f163db38682925e4491c5e58d4bb3506ef8c14eb78a86e908c5624a67200f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Hash(tt.input)
			want := hexToHash(t, tt.want)
			if got != want {
				t.Errorf("Hash(%q) = %x, want %x", tt.input, got, want)
			}
		})
	}
}

func TestHash_DifferentInputs(t *testing.T) {
	if Hash([]byte("input A")) == Hash([]byte("input B")) {
		t.Error("different inputs produced the same hash")
	}
}

func TestHashConcat(t *testing.T) {
	a := Hash([]byte("left"))
	b := Hash([]byte("right"))

	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	want := Hash(buf[:])

	if got := HashConcat(a, b); got != want {
		t.Errorf("HashConcat = %x, want %x", got, want)
	}
	if HashConcat(a, b) == HashConcat(b, a) {
		t.Error("HashConcat(a,b) should differ from HashConcat(b,a)")
	}
}

func TestChecksum(t *testing.T) {
	sum := Checksum([]byte("hello"))
	want := []byte{0xea, 0x8f, 0x16, 0x3d}
	for i := range want {
		if sum[i] != want[i] {
			t.Fatalf("Checksum = %x, want %x", sum, want)
		}
	}

	if Checksum([]byte("a")) == Checksum([]byte("b")) {
		t.Error("different payloads produced the same checksum")
	}
}
