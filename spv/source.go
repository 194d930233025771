package spv

import (
	"context"
	"math/big"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// HeaderSource serves ranges of headers from some view of the chain.
type HeaderSource interface {
	// Headers returns up to count consecutive headers starting at start.
	// Fewer headers are returned when the source's tip is reached.
	Headers(ctx context.Context, start, count uint32) ([]*BlockHeader, error)
}

// ChainSource is an indexing server as seen by the verification core. All
// methods are blocking network round-trips and report failures as
// ErrTimeout, ErrConnectionLost or ErrProtocol.
type ChainSource interface {
	HeaderSource

	// TipHeader returns the server's current best header with its height.
	TipHeader(ctx context.Context) (*BlockHeader, error)

	// MerkleProof returns the inclusion proof for txid in the block at height.
	MerkleProof(ctx context.Context, txid chainhash.Hash, height uint32) (*MerkleProof, error)
}

// ChainView is the read side of a header store.
type ChainView interface {
	Height() uint32
	HeaderAt(height uint32) (*BlockHeader, error)
	Contains(hash chainhash.Hash) bool
	HeightOf(hash chainhash.Hash) (uint32, bool)
	WorkAt(height uint32) (*big.Int, error)
	Params() *NetworkParams
}

var _ ChainView = (*HeaderChain)(nil)
