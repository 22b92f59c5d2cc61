package block

import (
	"encoding/binary"
	"fmt"
)

// Encode returns the binary encoding of the block:
// header(92) | tx_count u32 | (tx_len u32 | tx bytes)*. Integers are big-endian
// outside the header.
func (b *Block) Encode() []byte {
	buf := make([]byte, 0, b.EncodedSize())
	buf = b.Header.AppendTo(buf)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b.Transactions)))
	for _, t := range b.Transactions {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(t)))
		buf = append(buf, t...)
	}
	return buf
}

// EncodedSize returns the length of Encode() without allocating.
func (b *Block) EncodedSize() int {
	n := HeaderSize + 4
	for _, t := range b.Transactions {
		n += 4 + len(t)
	}
	return n
}

// Decode parses a block produced by Encode. The whole input must be consumed.
func Decode(data []byte) (*Block, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	rest := data[HeaderSize:]
	if len(rest) < 4 {
		return nil, fmt.Errorf("%w: missing tx count", ErrBadEncoding)
	}
	count := binary.BigEndian.Uint32(rest)
	rest = rest[4:]

	// Each tx needs at least its 4-byte length prefix.
	if uint64(count)*4 > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: tx count %d exceeds payload", ErrBadEncoding, count)
	}

	txs := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return nil, fmt.Errorf("%w: tx %d: missing length", ErrBadEncoding, i)
		}
		n := binary.BigEndian.Uint32(rest)
		rest = rest[4:]
		if uint64(n) > uint64(len(rest)) {
			return nil, fmt.Errorf("%w: tx %d: length %d exceeds payload", ErrBadEncoding, i, n)
		}
		t := make([]byte, n)
		copy(t, rest[:n])
		txs = append(txs, t)
		rest = rest[n:]
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrBadEncoding, len(rest))
	}
	return NewBlock(h, txs), nil
}
