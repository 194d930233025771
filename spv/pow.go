package spv

import (
	"fmt"
	"math/big"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

var (
	// bigOne is 1 represented as a big.Int.  It is defined here to avoid the
	// overhead of creating it multiple times.
	bigOne = big.NewInt(1)

	// oneLsh256 is 1 shifted left 256 bits.
	oneLsh256 = new(big.Int).Lsh(bigOne, 256)
)

// HashToBig converts a chainhash.Hash into a big.Int that can be used to
// perform math comparisons.
func HashToBig(hash *chainhash.Hash) *big.Int {
	// A Hash is in little-endian, but the big package wants the bytes in
	// big-endian, so reverse them.
	buf := *hash
	blen := len(buf)
	for i := 0; i < blen/2; i++ {
		buf[i], buf[blen-1-i] = buf[blen-1-i], buf[i]
	}

	return new(big.Int).SetBytes(buf[:])
}

// CompactToBig converts a compact (nBits) representation to a big.Int.
//
//	-------------------------------------------------
//	|   Exponent     |    Sign    |    Mantissa     |
//	|-----------------------------------------------|
//	| 8 bits [31-24] | 1 bit [23] | 23 bits [22-00] |
//	-------------------------------------------------
//
// N = (-1^sign) * mantissa * 256^(exponent-3)
func CompactToBig(compact uint32) *big.Int {
	mantissa := compact & 0x007fffff
	isNegative := compact&0x00800000 != 0
	exponent := uint(compact >> 24)

	var bn *big.Int
	if exponent <= 3 {
		mantissa >>= 8 * (3 - exponent)
		bn = big.NewInt(int64(mantissa))
	} else {
		bn = big.NewInt(int64(mantissa))
		bn.Lsh(bn, 8*(exponent-3))
	}

	if isNegative {
		bn = bn.Neg(bn)
	}

	return bn
}

// CalcWork computes the expected number of hashes needed to find a header
// at the given compact difficulty: work = 2^256 / (target + 1).
// Returns zero work for a zero or negative target.
func CalcWork(bits uint32) *big.Int {
	target := CompactToBig(bits)
	if target.Sign() <= 0 {
		return new(big.Int)
	}

	denominator := new(big.Int).Add(target, bigOne)
	return new(big.Int).Div(oneLsh256, denominator)
}

// CheckProofOfWork ensures the header's compact target lies in (0, powLimit]
// and that the header hash does not exceed it.
func CheckProofOfWork(h *BlockHeader, powLimit *big.Int) error {
	if h == nil {
		return fmt.Errorf("%w: header", ErrNilParam)
	}

	target := CompactToBig(h.Bits)
	if target.Sign() <= 0 {
		return validationError(ErrInvalidProofOfWork, h, "target difficulty of %064x is too low", target)
	}
	if target.Cmp(powLimit) > 0 {
		return validationError(ErrInvalidProofOfWork, h,
			"target difficulty of %064x is higher than max of %064x", target, powLimit)
	}

	hash := h.BlockHash()
	if HashToBig(&hash).Cmp(target) > 0 {
		return validationError(ErrInvalidProofOfWork, h,
			"hash exceeds target 0x%08x", h.Bits)
	}
	return nil
}

// checkRetarget bounds the change in target between two consecutive headers
// to maxFactor in either direction. A light client cannot run the exact
// difficulty algorithm without the full retarget window, so this catches
// grossly invalid transitions only.
func checkRetarget(prev, curr *BlockHeader, maxFactor int64) error {
	prevTarget := CompactToBig(prev.Bits)
	currTarget := CompactToBig(curr.Bits)
	if prevTarget.Sign() <= 0 || currTarget.Sign() <= 0 {
		return nil
	}

	factor := big.NewInt(maxFactor)

	maxTarget := new(big.Int).Mul(prevTarget, factor)
	if currTarget.Cmp(maxTarget) > 0 {
		return validationError(ErrInvalidProofOfWork, curr, "target increased by more than %dx", maxFactor)
	}

	minTarget := new(big.Int).Div(prevTarget, factor)
	if currTarget.Cmp(minTarget) < 0 {
		return validationError(ErrInvalidProofOfWork, curr, "target decreased by more than %dx", maxFactor)
	}

	return nil
}
