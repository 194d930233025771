package network

import (
	"context"
	"sync/atomic"

	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/bitfsorg/libspv-go/spv"
)

// MockChainSource is a test double for spv.ChainSource.
// All function fields must be set before the corresponding method is called.
type MockChainSource struct {
	TipHeaderFn   func(ctx context.Context) (*spv.BlockHeader, error)
	HeadersFn     func(ctx context.Context, start, count uint32) ([]*spv.BlockHeader, error)
	MerkleProofFn func(ctx context.Context, txid chainhash.Hash, height uint32) (*spv.MerkleProof, error)

	closed atomic.Bool
}

var _ spv.ChainSource = (*MockChainSource)(nil)

func (m *MockChainSource) TipHeader(ctx context.Context) (*spv.BlockHeader, error) {
	return m.TipHeaderFn(ctx)
}
func (m *MockChainSource) Headers(ctx context.Context, start, count uint32) ([]*spv.BlockHeader, error) {
	return m.HeadersFn(ctx, start, count)
}
func (m *MockChainSource) MerkleProof(ctx context.Context, txid chainhash.Hash, height uint32) (*spv.MerkleProof, error) {
	return m.MerkleProofFn(ctx, txid, height)
}

// Close marks the mock closed.
func (m *MockChainSource) Close() error {
	m.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (m *MockChainSource) Closed() bool {
	return m.closed.Load()
}
