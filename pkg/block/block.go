// Package block defines block types, encoding and structural validation.
package block

import (
	"github.com/Klingon-tech/klingnet-relay/pkg/crypto"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// Block represents a block in the chain. Transactions are opaque payloads;
// their semantics belong to an external validator.
type Block struct {
	Header       *Header  `json:"header"`
	Transactions [][]byte `json:"transactions"`
}

// NewBlock creates a new block with the given header and transactions.
func NewBlock(header *Header, txs [][]byte) *Block {
	return &Block{
		Header:       header,
		Transactions: txs,
	}
}

// TxHashes returns the BLAKE3 hash of every transaction payload.
func (b *Block) TxHashes() []types.Hash {
	hashes := make([]types.Hash, len(b.Transactions))
	for i, t := range b.Transactions {
		hashes[i] = crypto.Hash(t)
	}
	return hashes
}

// ComputeMerkleRoot returns the merkle root over the block's transactions.
func (b *Block) ComputeMerkleRoot() types.Hash {
	return PayloadRoot(b.Transactions)
}
