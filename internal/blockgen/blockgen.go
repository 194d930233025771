// Package blockgen solves proof of work for test block headers and derives
// the transaction ids the test blocks commit to. It works on raw header
// fields so that the spv package's own tests and the chaintest fixtures
// mine identical chains.
package blockgen

import (
	"encoding/binary"
	"fmt"
	"math/big"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// TxPerBlock is the number of txids every generated block commits to.
const TxPerBlock = 3

// BlockInterval is the spacing of generated timestamps, in seconds.
const BlockInterval = 600

// Target expands compact bits into the target they encode. The sign bit is
// ignored.
func Target(bits uint32) *big.Int {
	mantissa := int64(bits & 0x007fffff)
	exponent := uint(bits >> 24)
	if exponent <= 3 {
		return big.NewInt(mantissa >> (8 * (3 - exponent)))
	}
	return new(big.Int).Lsh(big.NewInt(mantissa), 8*(exponent-3))
}

func headerBytes(version int32, prev, merkleRoot chainhash.Hash, timestamp, bits, nonce uint32) []byte {
	buf := make([]byte, 80)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(version))
	copy(buf[4:36], prev[:])
	copy(buf[36:68], merkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], timestamp)
	binary.LittleEndian.PutUint32(buf[72:76], bits)
	binary.LittleEndian.PutUint32(buf[76:80], nonce)
	return buf
}

func hashValue(h chainhash.Hash) *big.Int {
	for i := 0; i < len(h)/2; i++ {
		h[i], h[len(h)-1-i] = h[len(h)-1-i], h[i]
	}
	return new(big.Int).SetBytes(h[:])
}

// Solve searches nonces from zero until the header hash meets the target
// encoded by bits, and returns the nonce and hash found.
func Solve(version int32, prev, merkleRoot chainhash.Hash, timestamp, bits uint32) (uint32, chainhash.Hash) {
	target := Target(bits)
	for nonce := uint32(0); ; nonce++ {
		hash := chainhash.DoubleHashH(headerBytes(version, prev, merkleRoot, timestamp, bits, nonce))
		if hashValue(hash).Cmp(target) <= 0 {
			return nonce, hash
		}
	}
}

// TxIDs returns the txids of the block at height on the branch named salt.
func TxIDs(salt string, height uint32) []chainhash.Hash {
	txids := make([]chainhash.Hash, TxPerBlock)
	for i := range txids {
		txids[i] = chainhash.DoubleHashH([]byte(fmt.Sprintf("%s-%d-%d", salt, height, i)))
	}
	return txids
}

// Timestamp returns the timestamp of the block at height.
func Timestamp(genesisTime, height uint32) uint32 {
	return genesisTime + BlockInterval*height
}
