package chain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-relay/internal/storage"
	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// Key prefixes and state keys for the block store.
var (
	prefixBlock  = []byte("b/") // b/<hash(32)> -> encoded block
	prefixHeight = []byte("h/") // h/<height(8)> -> hash(32), best chain only
	keyTip       = []byte("s/tip")
)

// tipValueSize is hash(32) + height(8).
const tipValueSize = types.HashSize + 8

// BlockStore persists blocks and the best-chain index to a storage.DB.
type BlockStore struct {
	db storage.DB
}

// NewBlockStore creates a block store backed by the given database.
func NewBlockStore(db storage.DB) *BlockStore {
	return &BlockStore{db: db}
}

// PutBlock adds a block to the batch, keyed by hash.
func (bs *BlockStore) PutBlock(b storage.Batch, blk *block.Block) error {
	hash := blk.Hash()
	if err := b.Put(blockKey(hash), blk.Encode()); err != nil {
		return fmt.Errorf("block put %s: %w", hash.Short(), err)
	}
	return nil
}

// PutHeight adds a best-chain height index entry to the batch.
func (bs *BlockStore) PutHeight(b storage.Batch, height uint64, hash types.Hash) error {
	if err := b.Put(heightKey(height), hash[:]); err != nil {
		return fmt.Errorf("height index put %d: %w", height, err)
	}
	return nil
}

// PutTip adds the tip record to the batch.
func (bs *BlockStore) PutTip(b storage.Batch, tip Tip) error {
	var buf [tipValueSize]byte
	copy(buf[:types.HashSize], tip.Hash[:])
	binary.BigEndian.PutUint64(buf[types.HashSize:], tip.Height)
	if err := b.Put(keyTip, buf[:]); err != nil {
		return fmt.Errorf("set tip: %w", err)
	}
	return nil
}

// GetBlock retrieves a block by its hash.
func (bs *BlockStore) GetBlock(hash types.Hash) (*block.Block, error) {
	data, err := bs.db.Get(blockKey(hash))
	if err != nil {
		return nil, fmt.Errorf("block get: %w", err)
	}
	blk, err := block.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("block decode %s: %w", hash.Short(), err)
	}
	return blk, nil
}

// HashByHeight returns the best-chain block hash at height.
func (bs *BlockStore) HashByHeight(height uint64) (types.Hash, error) {
	data, err := bs.db.Get(heightKey(height))
	if err != nil {
		return types.Hash{}, fmt.Errorf("height index get: %w", err)
	}
	hash, ok := types.BytesToHash(data)
	if !ok {
		return types.Hash{}, fmt.Errorf("corrupt height index: got %d bytes, want %d", len(data), types.HashSize)
	}
	return hash, nil
}

// GetBlockByHeight retrieves the best-chain block at height.
func (bs *BlockStore) GetBlockByHeight(height uint64) (*block.Block, error) {
	hash, err := bs.HashByHeight(height)
	if err != nil {
		return nil, err
	}
	return bs.GetBlock(hash)
}

// HasBlock checks if a block exists by hash.
func (bs *BlockStore) HasBlock(hash types.Hash) (bool, error) {
	return bs.db.Has(blockKey(hash))
}

// GetTip returns the stored tip. A fresh store returns the zero Tip.
func (bs *BlockStore) GetTip() (Tip, error) {
	data, err := bs.db.Get(keyTip)
	if errors.Is(err, storage.ErrNotFound) {
		return Tip{}, nil
	}
	if err != nil {
		return Tip{}, fmt.Errorf("get tip: %w", err)
	}
	if len(data) != tipValueSize {
		return Tip{}, fmt.Errorf("corrupt tip record: got %d bytes, want %d", len(data), tipValueSize)
	}
	var tip Tip
	copy(tip.Hash[:], data[:types.HashSize])
	tip.Height = binary.BigEndian.Uint64(data[types.HashSize:])
	return tip, nil
}

func blockKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixBlock)+types.HashSize)
	copy(key, prefixBlock)
	copy(key[len(prefixBlock):], hash[:])
	return key
}

func heightKey(height uint64) []byte {
	key := make([]byte, len(prefixHeight)+8)
	copy(key, prefixHeight)
	binary.BigEndian.PutUint64(key[len(prefixHeight):], height)
	return key
}
