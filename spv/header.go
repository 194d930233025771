package spv

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/bsv-blockchain/go-sdk/block"
	"github.com/bsv-blockchain/go-sdk/chainhash"
)

const (
	// BlockHeaderSize is the size of a serialized block header in bytes.
	BlockHeaderSize = 80

	// HashSize is the size of a SHA256 hash in bytes.
	HashSize = chainhash.HashSize
)

// BlockHeader represents a block header (80 bytes serialized) together with
// its derived hash and its height in the chain it was accepted into.
type BlockHeader struct {
	Version    int32          // 4 bytes, little-endian
	PrevBlock  chainhash.Hash // 32 bytes
	MerkleRoot chainhash.Hash // 32 bytes
	Timestamp  uint32         // 4 bytes, little-endian (Unix timestamp)
	Bits       uint32         // 4 bytes, little-endian (compact target)
	Nonce      uint32         // 4 bytes, little-endian
	Height     uint32         // Not in raw header; tracked separately
	Hash       chainhash.Hash // Block hash: double-SHA256 of the wire header
}

// SerializeHeader serializes a BlockHeader to 80 bytes in wire format.
//
// Layout: version(4) | prevBlock(32) | merkleRoot(32) | timestamp(4) | bits(4) | nonce(4)
func SerializeHeader(h *BlockHeader) []byte {
	if h == nil {
		return nil
	}

	buf := make([]byte, BlockHeaderSize)

	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	copy(buf[4:36], h.PrevBlock[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[72:76], h.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], h.Nonce)

	return buf
}

// DeserializeHeader deserializes 80 bytes into a BlockHeader.
// The Hash field is computed from the serialized data; Height is left zero.
func DeserializeHeader(data []byte) (*BlockHeader, error) {
	if len(data) != BlockHeaderSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidHeader, BlockHeaderSize, len(data))
	}

	raw, err := block.NewHeaderFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}

	return &BlockHeader{
		Version:    raw.Version,
		PrevBlock:  raw.PrevHash,
		MerkleRoot: raw.MerkleRoot,
		Timestamp:  raw.Timestamp,
		Bits:       raw.Bits,
		Nonce:      raw.Nonce,
		Hash:       chainhash.DoubleHashH(data),
	}, nil
}

// ParseHeaderHex decodes a hex-encoded 80-byte header and assigns it a height.
func ParseHeaderHex(s string, height uint32) (*BlockHeader, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHeader, err)
	}
	h, err := DeserializeHeader(data)
	if err != nil {
		return nil, err
	}
	h.Height = height
	return h, nil
}

// ComputeHeaderHash computes and returns the double-SHA256 hash of a block header.
func ComputeHeaderHash(h *BlockHeader) chainhash.Hash {
	return chainhash.DoubleHashH(SerializeHeader(h))
}

// BlockHash returns the header hash, computing it if it has not been set.
func (h *BlockHeader) BlockHash() chainhash.Hash {
	if h.Hash == (chainhash.Hash{}) {
		return ComputeHeaderHash(h)
	}
	return h.Hash
}

// Clone returns a copy of the header with its hash filled in.
func (h *BlockHeader) Clone() *BlockHeader {
	c := *h
	c.Hash = h.BlockHash()
	return &c
}

// String returns the display hash and height.
func (h *BlockHeader) String() string {
	return fmt.Sprintf("%s@%d", h.BlockHash(), h.Height)
}
