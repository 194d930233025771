package network

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/bitfsorg/libspv-go/spv"
)

// Signed-block (Elements) header wire format:
//
//	version int32 | prev 32 | merkle root 32 | time uint32 | height uint32 | tail
//
// A legacy tail is the block proof: challenge script, solution script.
// When version bit 31 is set the tail is the dynamic federation params
// (current entry, proposed entry) followed by the signblock witness stack.
// The block hash covers everything except the solution and the witness.
const (
	elementsFixedSize = 4 + 32 + 32 + 4 + 4
	dynafedVersionBit = 0x80000000
)

// Dynamic federation param entry types.
const (
	dynafedNull   = 0
	dynafedPruned = 1
	dynafedFull   = 2
)

// headerCodec decodes block headers in the wire format of a network.
type headerCodec struct {
	signed bool
}

func codecFor(params *spv.NetworkParams) headerCodec {
	return headerCodec{signed: params != nil && params.SignedBlocks}
}

// paramsForName returns the built-in params of a configured network name,
// or nil when the name is empty or unknown.
func paramsForName(name string) *spv.NetworkParams {
	if name == "" {
		return nil
	}
	n, err := spv.ParseNetwork(name)
	if err != nil {
		return nil
	}
	params, err := spv.ParamsForNetwork(n)
	if err != nil {
		return nil
	}
	return params
}

// decode reads one header from the front of data and returns it with the
// number of bytes it took. Signed-block headers carry their height; 80-byte
// headers leave it zero.
func (hc headerCodec) decode(data []byte) (*spv.BlockHeader, int, error) {
	if hc.signed {
		return decodeElementsHeader(data)
	}
	if len(data) < spv.BlockHeaderSize {
		return nil, 0, fmt.Errorf("%w: %d bytes left for a header", spv.ErrInvalidHeader, len(data))
	}
	h, err := spv.DeserializeHeader(data[:spv.BlockHeaderSize])
	if err != nil {
		return nil, 0, err
	}
	return h, spv.BlockHeaderSize, nil
}

// decodeAt decodes one header expected at height.
func (hc headerCodec) decodeAt(data []byte, height uint32) (*spv.BlockHeader, int, error) {
	h, n, err := hc.decode(data)
	if err != nil {
		return nil, 0, err
	}
	if hc.signed && h.Height != height {
		return nil, 0, fmt.Errorf("%w: header claims height %d, expected %d", spv.ErrInvalidHeader, h.Height, height)
	}
	h.Height = height
	return h, n, nil
}

// parseHex decodes a hex string holding exactly one header at height.
func (hc headerCodec) parseHex(s string, height uint32) (*spv.BlockHeader, error) {
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", spv.ErrInvalidHeader, err)
	}
	h, n, err := hc.decodeAt(data, height)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, fmt.Errorf("%w: %d trailing bytes", spv.ErrInvalidHeader, len(data)-n)
	}
	return h, nil
}

// elementsReader walks a signed-block header and collects the bytes the
// block hash commits to.
type elementsReader struct {
	data   []byte
	off    int
	hashed []byte
}

func decodeElementsHeader(data []byte) (*spv.BlockHeader, int, error) {
	r := &elementsReader{data: data}
	h, err := r.header()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: signed-block header: %w", spv.ErrInvalidHeader, err)
	}
	return h, r.off, nil
}

func (r *elementsReader) header() (*spv.BlockHeader, error) {
	fixed, err := r.take(elementsFixedSize, true)
	if err != nil {
		return nil, err
	}
	version := binary.LittleEndian.Uint32(fixed[0:4])
	h := &spv.BlockHeader{
		Version:   int32(version),
		Timestamp: binary.LittleEndian.Uint32(fixed[68:72]),
		Height:    binary.LittleEndian.Uint32(fixed[72:76]),
	}
	copy(h.PrevBlock[:], fixed[4:36])
	copy(h.MerkleRoot[:], fixed[36:68])

	if version&dynafedVersionBit != 0 {
		if err := r.dynafedEntry("current"); err != nil {
			return nil, err
		}
		if err := r.dynafedEntry("proposed"); err != nil {
			return nil, err
		}
		if err := r.stack(false); err != nil {
			return nil, fmt.Errorf("signblock witness: %w", err)
		}
	} else {
		if _, err := r.varBytes(true); err != nil {
			return nil, fmt.Errorf("challenge: %w", err)
		}
		if _, err := r.varBytes(false); err != nil {
			return nil, fmt.Errorf("solution: %w", err)
		}
	}

	h.Hash = chainhash.DoubleHashH(r.hashed)
	return h, nil
}

func (r *elementsReader) dynafedEntry(which string) error {
	typ, err := r.take(1, true)
	if err != nil {
		return fmt.Errorf("%s params: %w", which, err)
	}
	switch typ[0] {
	case dynafedNull:
		return nil
	case dynafedPruned:
		if _, err := r.varBytes(true); err != nil {
			return fmt.Errorf("%s signblockscript: %w", which, err)
		}
		if _, err := r.take(4, true); err != nil {
			return fmt.Errorf("%s witness limit: %w", which, err)
		}
		if _, err := r.take(chainhash.HashSize, true); err != nil {
			return fmt.Errorf("%s elided root: %w", which, err)
		}
	case dynafedFull:
		if _, err := r.varBytes(true); err != nil {
			return fmt.Errorf("%s signblockscript: %w", which, err)
		}
		if _, err := r.take(4, true); err != nil {
			return fmt.Errorf("%s witness limit: %w", which, err)
		}
		if _, err := r.varBytes(true); err != nil {
			return fmt.Errorf("%s fedpeg program: %w", which, err)
		}
		if _, err := r.varBytes(true); err != nil {
			return fmt.Errorf("%s fedpegscript: %w", which, err)
		}
		if err := r.stack(true); err != nil {
			return fmt.Errorf("%s extension space: %w", which, err)
		}
	default:
		return fmt.Errorf("%s params have unknown type %d", which, typ[0])
	}
	return nil
}

func (r *elementsReader) take(n uint64, hashed bool) ([]byte, error) {
	if n > uint64(len(r.data)-r.off) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.data[r.off : r.off+int(n)]
	r.off += int(n)
	if hashed {
		r.hashed = append(r.hashed, b...)
	}
	return b, nil
}

func (r *elementsReader) varInt(hashed bool) (uint64, error) {
	br := bytes.NewReader(r.data[r.off:])
	v, err := readVarInt(br)
	if err != nil {
		return 0, err
	}
	if _, err := r.take(uint64(len(r.data)-r.off-br.Len()), hashed); err != nil {
		return 0, err
	}
	return v, nil
}

func (r *elementsReader) varBytes(hashed bool) ([]byte, error) {
	n, err := r.varInt(hashed)
	if err != nil {
		return nil, err
	}
	return r.take(n, hashed)
}

// stack reads a count-prefixed list of byte strings.
func (r *elementsReader) stack(hashed bool) error {
	n, err := r.varInt(hashed)
	if err != nil {
		return err
	}
	for i := uint64(0); i < n; i++ {
		if _, err := r.varBytes(hashed); err != nil {
			return fmt.Errorf("item %d: %w", i, err)
		}
	}
	return nil
}
