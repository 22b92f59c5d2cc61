package block

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-relay/pkg/crypto"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// HeaderSize is the length of an encoded header in bytes.
const HeaderSize = 4 + types.HashSize + types.HashSize + 8 + 8 + 8

// Header contains block metadata.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Nonce      uint64     `json:"nonce"`
}

// Hash computes the block header hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.Bytes())
}

// Bytes returns the canonical header encoding used for hashing and on the wire.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | height(8) | nonce(8)
func (h *Header) Bytes() []byte {
	return h.AppendTo(make([]byte, 0, HeaderSize))
}

// AppendTo appends the canonical header encoding to buf.
func (h *Header) AppendTo(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}

// DecodeHeader parses a header from the first HeaderSize bytes of data.
func DecodeHeader(data []byte) (*Header, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortHeader
	}
	h := &Header{}
	h.Version = binary.LittleEndian.Uint32(data[0:4])
	copy(h.PrevHash[:], data[4:36])
	copy(h.MerkleRoot[:], data[36:68])
	h.Timestamp = binary.LittleEndian.Uint64(data[68:76])
	h.Height = binary.LittleEndian.Uint64(data[76:84])
	h.Nonce = binary.LittleEndian.Uint64(data[84:92])
	return h, nil
}
