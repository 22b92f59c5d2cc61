// Package miner produces blocks on top of the local best tip.
package miner

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"

	"github.com/Klingon-tech/klingnet-relay/config"
	"github.com/Klingon-tech/klingnet-relay/internal/chain"
	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/crypto"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// ChainState provides read-only access to the current chain state.
type ChainState interface {
	BestTip() chain.Tip
	GetBlock(hash types.Hash) (*block.Block, error)
}

// PayloadSource selects transaction payloads for block inclusion.
// Validating them is the source's job.
type PayloadSource interface {
	SelectForBlock(limit int) [][]byte
}

// Miner produces new blocks.
type Miner struct {
	chain       ChainState
	pool        PayloadSource // nil = coinbase only
	tag         string
	maxBlockTxs int
}

// New creates a new block producer. tag is written into every coinbase.
func New(chain ChainState, pool PayloadSource, tag string) *Miner {
	return &Miner{
		chain:       chain,
		pool:        pool,
		tag:         tag,
		maxBlockTxs: config.MaxBlockTxs,
	}
}

// ProduceBlock builds a block on the best tip using the current time.
// The block is NOT applied to the chain; the caller must call TryApply.
func (m *Miner) ProduceBlock() (*block.Block, error) {
	return m.ProduceBlockAt(uint64(time.Now().Unix()))
}

// ProduceBlockAt builds a block with the given timestamp. The timestamp is
// bumped to at least parentTimestamp+1 to keep timestamps monotonic.
func (m *Miner) ProduceBlockAt(timestamp uint64) (*block.Block, error) {
	tip := m.chain.BestTip()
	if tip.IsZero() {
		return nil, fmt.Errorf("produce block: no chain tip")
	}
	parent, err := m.chain.GetBlock(tip.Hash)
	if err != nil {
		return nil, fmt.Errorf("load tip block %s: %w", tip, err)
	}
	if timestamp <= parent.Header.Timestamp {
		timestamp = parent.Header.Timestamp + 1
	}

	var selected [][]byte
	if m.pool != nil {
		selected = m.pool.SelectForBlock(m.maxBlockTxs - 1) // Reserve slot for coinbase.
	}
	// Canonical order: by payload hash ascending.
	sort.Slice(selected, func(i, j int) bool {
		hi, hj := crypto.Hash(selected[i]), crypto.Hash(selected[j])
		return bytes.Compare(hi[:], hj[:]) < 0
	})

	height := tip.Height + 1
	txs := make([][]byte, 0, 1+len(selected))
	txs = append(txs, BuildCoinbase(m.tag, height))
	txs = append(txs, selected...)

	blk := block.NewBlock(&block.Header{
		Version:   block.CurrentVersion,
		PrevHash:  tip.Hash,
		Timestamp: timestamp,
		Height:    height,
	}, txs)
	blk.Header.MerkleRoot = blk.ComputeMerkleRoot()
	return blk, nil
}

// BuildCoinbase returns the first payload of a block. The height is
// encoded little-endian after the tag so every coinbase hashes uniquely.
func BuildCoinbase(tag string, height uint64) []byte {
	buf := make([]byte, 8, 8+len(tag))
	binary.LittleEndian.PutUint64(buf, height)
	return append(buf, tag...)
}
