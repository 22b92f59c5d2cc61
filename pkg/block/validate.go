package block

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-relay/config"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// Validation errors.
var (
	ErrNilHeader      = errors.New("block has nil header")
	ErrNoTransactions = errors.New("block has no transactions")
	ErrBadMerkleRoot  = errors.New("merkle root mismatch")
	ErrBadVersion     = errors.New("unsupported block version")
	ErrZeroTimestamp  = errors.New("block timestamp is zero")
	ErrFutureBlock    = errors.New("block timestamp too far in the future")
	ErrTooManyTxs     = errors.New("too many transactions in block")
	ErrBlockTooLarge  = errors.New("block too large")
)

// Encoding errors.
var (
	ErrShortHeader = errors.New("header too short")
	ErrBadEncoding = errors.New("malformed block encoding")
)

// Block version constants.
const (
	CurrentVersion = 1 // The current block version produced by this software.
	MaxVersion     = 1 // Bump when a fork introduces a new block version.
)

// Validate checks block structure and internal consistency against the
// current wall clock. It does not check linkage to a parent.
func (b *Block) Validate() error {
	return b.ValidateAt(time.Now())
}

// ValidateAt is Validate with an explicit reference time for the
// future-timestamp rule.
func (b *Block) ValidateAt(now time.Time) error {
	if b.Header == nil {
		return ErrNilHeader
	}

	if b.Header.Version < 1 || b.Header.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, b.Header.Version, MaxVersion)
	}

	if b.Header.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	limit := uint64(now.Add(config.MaxFutureBlockTime).Unix())
	if b.Header.Timestamp > limit {
		return fmt.Errorf("%w: %d > %d", ErrFutureBlock, b.Header.Timestamp, limit)
	}

	if len(b.Transactions) == 0 {
		return ErrNoTransactions
	}

	if len(b.Transactions) > config.MaxBlockTxs {
		return fmt.Errorf("%w: %d txs, max %d", ErrTooManyTxs, len(b.Transactions), config.MaxBlockTxs)
	}

	if size := b.EncodedSize(); size > config.MaxBlockSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrBlockTooLarge, size, config.MaxBlockSize)
	}

	expectedRoot := b.ComputeMerkleRoot()
	if b.Header.MerkleRoot != expectedRoot {
		return fmt.Errorf("%w: header=%s computed=%s", ErrBadMerkleRoot, b.Header.MerkleRoot, expectedRoot)
	}

	return nil
}

// Hash returns the block header hash.
func (b *Block) Hash() types.Hash {
	if b.Header == nil {
		return types.Hash{}
	}
	return b.Header.Hash()
}
