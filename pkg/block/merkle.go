package block

import (
	"github.com/Klingon-tech/klingnet-relay/pkg/crypto"
	"github.com/Klingon-tech/klingnet-relay/pkg/types"
)

// ComputeMerkleRoot folds leaf hashes pairwise into one root. A layer of
// odd length pairs its last hash with itself. No leaves give the zero hash.
func ComputeMerkleRoot(leaves []types.Hash) types.Hash {
	if len(leaves) == 0 {
		return types.Hash{}
	}

	// One spare slot so padding the first layer does not reallocate.
	layer := append(make([]types.Hash, 0, len(leaves)+1), leaves...)
	for len(layer) > 1 {
		if len(layer)%2 == 1 {
			layer = append(layer, layer[len(layer)-1])
		}
		half := len(layer) / 2
		for i := 0; i < half; i++ {
			layer[i] = crypto.HashConcat(layer[2*i], layer[2*i+1])
		}
		layer = layer[:half]
	}
	return layer[0]
}

// PayloadRoot returns the merkle root over opaque payloads. Each leaf is
// the BLAKE3 hash of one payload, so the root commits to payload bytes
// without interpreting them.
func PayloadRoot(payloads [][]byte) types.Hash {
	leaves := make([]types.Hash, len(payloads))
	for i, p := range payloads {
		leaves[i] = crypto.Hash(p)
	}
	return ComputeMerkleRoot(leaves)
}
