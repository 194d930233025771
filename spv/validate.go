package spv

import (
	"fmt"
	"math/big"
	"sort"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// ValidateHeader checks a single header against its predecessor under the
// network rules. recent holds the timestamps of up to MedianTimeSpan headers
// ending at prev, oldest first. The check is deterministic and has no side
// effects.
func ValidateHeader(header, prev *BlockHeader, params *NetworkParams, recent []uint32) error {
	if header == nil || prev == nil || params == nil {
		return ErrNilParam
	}

	hash := header.Hash
	if params.SignedBlocks {
		// The hash covers fields that are not kept, so the decoder's is used.
		if hash == (chainhash.Hash{}) {
			return validationError(ErrChecksumMismatch, header, "signed-block header carries no hash")
		}
	} else {
		hash = ComputeHeaderHash(header)
		if header.Hash != (chainhash.Hash{}) && header.Hash != hash {
			return validationError(ErrChecksumMismatch, header,
				"claimed hash does not match computed hash %s", hash)
		}
	}

	prevHash := prev.BlockHash()
	if header.PrevBlock != prevHash {
		return validationError(ErrDiscontinuous, header,
			"previous block %s does not match %s at height %d", header.PrevBlock, prevHash, prev.Height)
	}
	if header.Height != prev.Height+1 {
		return validationError(ErrDiscontinuous, header,
			"height %d does not follow %d", header.Height, prev.Height)
	}

	if params.PowCheck {
		if err := CheckProofOfWork(header, params.PowLimit); err != nil {
			return err
		}
		if !params.NoRetargetBound {
			if err := checkRetarget(prev, header, params.MaxRetargetFactor); err != nil {
				return err
			}
		}
	}

	if len(recent) > 0 {
		median := MedianTimestamp(recent)
		if header.Timestamp <= median {
			return validationError(ErrTimestampOutOfRange, header,
				"timestamp %d is not after median time %d", header.Timestamp, median)
		}
	}

	if want, ok := params.CheckpointAt(header.Height); ok && want != hash {
		return validationError(ErrChecksumMismatch, header,
			"checkpoint at height %d expects %s", header.Height, want)
	}

	return nil
}

// MedianTimestamp returns the median of the given timestamps.
func MedianTimestamp(timestamps []uint32) uint32 {
	if len(timestamps) == 0 {
		return 0
	}
	sorted := append([]uint32(nil), timestamps...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}

// ValidateHeaderChain validates headers in order, each against its
// predecessor, starting from prev. recent seeds the median-time window with
// the timestamps ending at prev. Heights are assigned from prev.Height+1 when
// unset. It returns the cumulative work of the headers.
func ValidateHeaderChain(headers []*BlockHeader, prev *BlockHeader, params *NetworkParams, recent []uint32) (*big.Int, error) {
	if prev == nil || params == nil {
		return nil, ErrNilParam
	}

	span := params.MedianTimeSpan
	window := append([]uint32(nil), recent...)
	if span > 0 && len(window) > span {
		window = window[len(window)-span:]
	}

	total := new(big.Int)
	for i, h := range headers {
		if h == nil {
			return nil, fmt.Errorf("%w: header at index %d", ErrNilParam, i)
		}
		if h.Height == 0 {
			h.Height = prev.Height + 1
		}
		if err := ValidateHeader(h, prev, params, window); err != nil {
			return nil, err
		}
		if h.Hash == (chainhash.Hash{}) {
			h.Hash = ComputeHeaderHash(h)
		}
		total.Add(total, params.HeaderWork(h.Bits))

		window = append(window, h.Timestamp)
		if span > 0 && len(window) > span {
			window = window[1:]
		}
		prev = h
	}
	return total, nil
}
