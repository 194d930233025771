package spv

import (
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// hashPair computes SHA256(SHA256(left || right)).
func hashPair(left, right *chainhash.Hash) chainhash.Hash {
	var combined [HashSize * 2]byte
	copy(combined[:HashSize], left[:])
	copy(combined[HashSize:], right[:])
	return chainhash.DoubleHashH(combined[:])
}

// ComputeMerkleRoot computes the Merkle root from a transaction hash,
// its position in the block, and the proof branch nodes (bottom-up).
//
// Algorithm:
//
//	hash = txHash
//	for i, node in proofNodes:
//	    if node is nil:           resolve by rule (duplicate or promote)
//	    if bit i of pos is 0:     hash = SHA256d(hash || node)
//	    else:                     hash = SHA256d(node || hash)
//
// A nil node is only legal while the current hash is the left child.
func ComputeMerkleRoot(txHash chainhash.Hash, pos uint32, proofNodes []*chainhash.Hash, rule MerkleOddRule) (chainhash.Hash, error) {
	if len(proofNodes) > 32 {
		return chainhash.Hash{}, fmt.Errorf("%w: branch of %d nodes is too long", ErrMerkleProofInvalid, len(proofNodes))
	}
	if len(proofNodes) < 32 && pos>>uint(len(proofNodes)) != 0 {
		return chainhash.Hash{}, fmt.Errorf("%w: position %d out of range for branch of %d nodes",
			ErrMerkleProofInvalid, pos, len(proofNodes))
	}

	hash := txHash
	for i, node := range proofNodes {
		right := (pos>>uint(i))&1 == 1
		if node == nil {
			if right {
				return chainhash.Hash{}, fmt.Errorf("%w: missing left sibling at level %d", ErrMerkleProofInvalid, i)
			}
			switch rule {
			case OddPromote:
				continue
			default:
				hash = hashPair(&hash, &hash)
				continue
			}
		}
		if right {
			// Current hash is on the right
			hash = hashPair(node, &hash)
		} else {
			// Current hash is on the left
			hash = hashPair(&hash, node)
		}
	}

	return hash, nil
}

// VerifyMerkleProof verifies that txid is included in the block described by
// header. It recomputes the Merkle path from the proof and compares it
// byte-exact to the header's Merkle root. A mismatch is definitive.
func VerifyMerkleProof(txid chainhash.Hash, proof *MerkleProof, header *BlockHeader, rule MerkleOddRule) error {
	if proof == nil {
		return fmt.Errorf("%w: proof", ErrNilParam)
	}
	if header == nil {
		return fmt.Errorf("%w: header", ErrNilParam)
	}
	if proof.TxID != (chainhash.Hash{}) && proof.TxID != txid {
		return fmt.Errorf("%w: proof is for %s, not %s", ErrMerkleProofInvalid, proof.TxID, txid)
	}
	if proof.BlockHash != nil && *proof.BlockHash != header.BlockHash() {
		return fmt.Errorf("%w: proof claims block %s, header is %s",
			ErrMerkleProofInvalid, proof.BlockHash, header.BlockHash())
	}

	computedRoot, err := ComputeMerkleRoot(txid, proof.Pos, proof.Nodes, rule)
	if err != nil {
		return err
	}
	if computedRoot != header.MerkleRoot {
		return fmt.Errorf("%w: computed root %s, header root %s",
			ErrMerkleProofInvalid, computedRoot, header.MerkleRoot)
	}

	return nil
}

// BuildMerkleTree builds a full Merkle tree from a list of transaction hashes.
// Returns all tree levels, where level 0 is leaves and the last level is the
// root. An odd level either duplicates its last element or promotes it,
// according to rule.
func BuildMerkleTree(txHashes []chainhash.Hash, rule MerkleOddRule) [][]chainhash.Hash {
	if len(txHashes) == 0 {
		return nil
	}

	level := append([]chainhash.Hash(nil), txHashes...)
	levels := [][]chainhash.Hash{level}

	for len(level) > 1 {
		nextLevel := make([]chainhash.Hash, 0, (len(level)+1)/2)
		for i := 0; i < len(level); i += 2 {
			if i+1 == len(level) {
				if rule == OddPromote {
					nextLevel = append(nextLevel, level[i])
				} else {
					nextLevel = append(nextLevel, hashPair(&level[i], &level[i]))
				}
				continue
			}
			nextLevel = append(nextLevel, hashPair(&level[i], &level[i+1]))
		}
		level = nextLevel
		levels = append(levels, level)
	}

	return levels
}

// ComputeMerkleRootFromTxList computes the Merkle root from a list of transaction IDs.
// This is used when you have all transactions in a block and want to verify
// the block header's Merkle root.
func ComputeMerkleRootFromTxList(txIDs []chainhash.Hash, rule MerkleOddRule) chainhash.Hash {
	tree := BuildMerkleTree(txIDs, rule)
	if tree == nil {
		return chainhash.Hash{}
	}
	return tree[len(tree)-1][0]
}

// BuildMerkleProof returns the bottom-up branch proving txIDs[index]. Levels
// where the node has no sibling yield a nil entry.
func BuildMerkleProof(txIDs []chainhash.Hash, index uint32, rule MerkleOddRule) ([]*chainhash.Hash, error) {
	if int(index) >= len(txIDs) {
		return nil, fmt.Errorf("%w: index %d out of range for %d transactions", ErrTxNotFound, index, len(txIDs))
	}

	tree := BuildMerkleTree(txIDs, rule)
	nodes := make([]*chainhash.Hash, 0, len(tree)-1)
	idx := int(index)
	for _, level := range tree[:len(tree)-1] {
		sibling := idx ^ 1
		if sibling < len(level) {
			h := level[sibling]
			nodes = append(nodes, &h)
		} else {
			nodes = append(nodes, nil)
		}
		idx >>= 1
	}
	return nodes, nil
}
