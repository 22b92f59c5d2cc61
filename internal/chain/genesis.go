package chain

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-relay/config"
	"github.com/Klingon-tech/klingnet-relay/pkg/block"
	"github.com/Klingon-tech/klingnet-relay/pkg/crypto"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// GenesisBlock builds the genesis block from the genesis description.
// The genesis block has height 0, a zero PrevHash, and a single payload
// carrying the network's extra data.
func GenesisBlock(gen *config.Genesis) (*block.Block, error) {
	if gen == nil {
		return nil, fmt.Errorf("genesis config is nil")
	}
	if err := gen.Validate(); err != nil {
		return nil, fmt.Errorf("genesis config: %w", err)
	}

	txs := [][]byte{[]byte(gen.ExtraData)}

	header := &block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   types.Hash{}, // Zero for genesis.
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{crypto.Hash(txs[0])}),
		Timestamp:  gen.Timestamp,
		Height:     0,
		Nonce:      gen.Nonce,
	}

	return block.NewBlock(header, txs), nil
}
