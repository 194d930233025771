package spv

import (
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// MerkleProof represents a Merkle inclusion proof for a transaction.
type MerkleProof struct {
	TxID        chainhash.Hash    // Transaction hash
	Nodes       []*chainhash.Hash // Merkle branch hashes, bottom-up; nil = no sibling
	Pos         uint32            // Position in the block's transaction list
	BlockHeight uint32            // Height the server claims the block is at
	BlockHash   *chainhash.Hash   // Optional claimed block hash
}

// VerifyInclusion performs the full SPV verification chain for a proof:
//  1. Block header: the chain holds a header at the claimed height
//  2. Claimed block hash, if any, is that header
//  3. Merkle proof: recomputed root equals the header's Merkle root
//
// It returns the header the proof was checked against.
func VerifyInclusion(chain ChainView, txid chainhash.Hash, proof *MerkleProof) (*BlockHeader, error) {
	if chain == nil {
		return nil, fmt.Errorf("%w: chain", ErrNilParam)
	}
	if proof == nil {
		return nil, fmt.Errorf("%w: proof", ErrNilParam)
	}

	header, err := chain.HeaderAt(proof.BlockHeight)
	if err != nil {
		return nil, err
	}

	if err := VerifyMerkleProof(txid, proof, header, chain.Params().MerkleOddRule); err != nil {
		return header, err
	}
	return header, nil
}
