package network

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/bitfsorg/libspv-go/spv"
)

// MerkleBlock is a parsed CMerkleBlock as returned by gettxoutproof: a
// block header plus a partial merkle tree (BIP 37) covering the matched
// transactions.
type MerkleBlock struct {
	Header *spv.BlockHeader
	NumTx  uint32

	// Matched lists the matched txids by position.
	Matched map[chainhash.Hash]uint32

	depth uint
	nodes map[treeNode]chainhash.Hash
}

type treeNode struct {
	level uint
	pos   uint32
}

// partialTree walks the flag bits and hashes of a partial merkle tree.
type partialTree struct {
	numTx  uint32
	hashes []chainhash.Hash
	flags  []byte

	bitsUsed   int
	hashesUsed int

	matched map[chainhash.Hash]uint32
	nodes   map[treeNode]chainhash.Hash
}

// ParseMerkleBlock decodes a serialized CMerkleBlock and reconstructs its
// merkle root, which must equal the header's. params selects the header
// wire format; nil reads an 80-byte header.
func ParseMerkleBlock(data []byte, params *spv.NetworkParams) (*MerkleBlock, error) {
	if len(data) < spv.BlockHeaderSize+4 {
		return nil, invalidResponse("merkle block too short (%d bytes)", len(data))
	}
	header, n, err := codecFor(params).decode(data)
	if err != nil {
		return nil, invalidResponse("merkle block header: %v", err)
	}

	r := bytes.NewReader(data[n:])
	var numTx uint32
	if err := binary.Read(r, binary.LittleEndian, &numTx); err != nil {
		return nil, invalidResponse("merkle block tx count: %v", err)
	}
	if numTx == 0 {
		return nil, invalidResponse("merkle block has no transactions")
	}

	numHashes, err := readVarInt(r)
	if err != nil {
		return nil, invalidResponse("merkle block hash count: %v", err)
	}
	if numHashes > uint64(numTx) || numHashes > uint64(r.Len()/chainhash.HashSize) {
		return nil, invalidResponse("merkle block claims %d hashes for %d transactions", numHashes, numTx)
	}
	hashes := make([]chainhash.Hash, numHashes)
	for i := range hashes {
		if _, err := io.ReadFull(r, hashes[i][:]); err != nil {
			return nil, invalidResponse("merkle block hash %d: %v", i, err)
		}
	}

	numFlags, err := readVarInt(r)
	if err != nil {
		return nil, invalidResponse("merkle block flag count: %v", err)
	}
	if numFlags > uint64(r.Len()) {
		return nil, invalidResponse("merkle block claims %d flag bytes, %d left", numFlags, r.Len())
	}
	flags := make([]byte, numFlags)
	if _, err := io.ReadFull(r, flags); err != nil {
		return nil, invalidResponse("merkle block flags: %v", err)
	}
	if r.Len() != 0 {
		return nil, invalidResponse("merkle block has %d trailing bytes", r.Len())
	}

	t := &partialTree{
		numTx:   numTx,
		hashes:  hashes,
		flags:   flags,
		matched: make(map[chainhash.Hash]uint32),
		nodes:   make(map[treeNode]chainhash.Hash),
	}
	depth := t.depth()
	root, err := t.traverse(depth, 0)
	if err != nil {
		return nil, err
	}

	if t.hashesUsed != len(hashes) {
		return nil, invalidResponse("merkle block used %d of %d hashes", t.hashesUsed, len(hashes))
	}
	if (t.bitsUsed+7)/8 != len(flags) {
		return nil, invalidResponse("merkle block used %d of %d flag bytes", (t.bitsUsed+7)/8, len(flags))
	}
	if root != header.MerkleRoot {
		return nil, fmt.Errorf("%w: %w: merkle block root %s, header root %s",
			spv.ErrProtocol, spv.ErrMerkleProofInvalid, root, header.MerkleRoot)
	}

	return &MerkleBlock{
		Header:  header,
		NumTx:   numTx,
		Matched: t.matched,
		depth:   depth,
		nodes:   t.nodes,
	}, nil
}

// Proof returns the merkle branch of a matched transaction. Levels where the
// transaction's ancestor has no sibling hold nil.
func (mb *MerkleBlock) Proof(txid chainhash.Hash, height uint32) (*spv.MerkleProof, error) {
	pos, ok := mb.Matched[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s is not matched in block %s",
			spv.ErrProtocol, ErrTxNotFound, txid, mb.Header.BlockHash())
	}

	nodes := make([]*chainhash.Hash, mb.depth)
	for level := uint(0); level < mb.depth; level++ {
		sibling, ok := mb.nodes[treeNode{level: level, pos: (pos >> level) ^ 1}]
		if !ok {
			continue
		}
		nodes[level] = &sibling
	}

	blockHash := mb.Header.BlockHash()
	return &spv.MerkleProof{
		TxID:        txid,
		Nodes:       nodes,
		Pos:         pos,
		BlockHeight: height,
		BlockHash:   &blockHash,
	}, nil
}

// width returns the number of nodes at a tree level, level 0 being the
// transactions.
func (t *partialTree) width(level uint) uint32 {
	return uint32((uint64(t.numTx) + (1 << level) - 1) >> level)
}

func (t *partialTree) depth() uint {
	if t.numTx <= 1 {
		return 0
	}
	return uint(bits.Len32(t.numTx - 1))
}

func (t *partialTree) nextBit() (bool, error) {
	if t.bitsUsed >= len(t.flags)*8 {
		return false, invalidResponse("merkle block ran out of flag bits")
	}
	bit := t.flags[t.bitsUsed/8]>>(t.bitsUsed%8)&1 == 1
	t.bitsUsed++
	return bit, nil
}

func (t *partialTree) nextHash() (chainhash.Hash, error) {
	if t.hashesUsed >= len(t.hashes) {
		return chainhash.Hash{}, invalidResponse("merkle block ran out of hashes")
	}
	h := t.hashes[t.hashesUsed]
	t.hashesUsed++
	return h, nil
}

// traverse rebuilds the hash of the node at (level, pos) depth-first,
// recording every node it sees.
func (t *partialTree) traverse(level uint, pos uint32) (chainhash.Hash, error) {
	descend, err := t.nextBit()
	if err != nil {
		return chainhash.Hash{}, err
	}

	if level == 0 || !descend {
		h, err := t.nextHash()
		if err != nil {
			return chainhash.Hash{}, err
		}
		if level == 0 && descend {
			t.matched[h] = pos
		}
		t.nodes[treeNode{level: level, pos: pos}] = h
		return h, nil
	}

	left, err := t.traverse(level-1, pos*2)
	if err != nil {
		return chainhash.Hash{}, err
	}
	right := left
	if pos*2+1 < t.width(level-1) {
		right, err = t.traverse(level-1, pos*2+1)
		if err != nil {
			return chainhash.Hash{}, err
		}
		// Identical siblings would let a tree with a duplicated tail pass
		// as a different transaction list (CVE-2012-2459).
		if right == left {
			return chainhash.Hash{}, invalidResponse("merkle block has duplicate siblings at level %d", level-1)
		}
	}

	var buf [2 * chainhash.HashSize]byte
	copy(buf[:chainhash.HashSize], left[:])
	copy(buf[chainhash.HashSize:], right[:])
	h := chainhash.DoubleHashH(buf[:])
	t.nodes[treeNode{level: level, pos: pos}] = h
	return h, nil
}

// readVarInt reads a Bitcoin compact size integer and rejects non-canonical
// encodings.
func readVarInt(r io.Reader) (uint64, error) {
	var prefix [1]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return 0, err
	}

	var (
		v     uint64
		floor uint64
	)
	switch prefix[0] {
	case 0xff:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		v, floor = binary.LittleEndian.Uint64(b[:]), 0x100000000
	case 0xfe:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		v, floor = uint64(binary.LittleEndian.Uint32(b[:])), 0x10000
	case 0xfd:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		v, floor = uint64(binary.LittleEndian.Uint16(b[:])), 0xfd
	default:
		return uint64(prefix[0]), nil
	}

	if v < floor {
		return 0, fmt.Errorf("non-canonical varint %x", v)
	}
	return v, nil
}
