// Package chaintest builds regtest header chains with real proof of work for
// tests outside the spv package, and serves them as a chain source.
package chaintest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/bsv-blockchain/go-sdk/chainhash"

	"github.com/bitfsorg/libspv-go/internal/blockgen"
	"github.com/bitfsorg/libspv-go/spv"
)

// TxPerBlock is the number of txids every mined block commits to.
const TxPerBlock = blockgen.TxPerBlock

// Block is a mined header together with the txids it commits to.
type Block struct {
	Header *spv.BlockHeader
	TxIDs  []chainhash.Hash
}

// Chain is a sequence of blocks from regtest genesis, mined on the fly at
// the minimum difficulty.
type Chain struct {
	Params *spv.NetworkParams
	Blocks []*Block
}

// New mines a regtest chain up to tipHeight.
func New(t testing.TB, tipHeight uint32) *Chain {
	t.Helper()
	params, err := spv.ParamsForNetwork(spv.Regtest)
	if err != nil {
		t.Fatalf("regtest params: %v", err)
	}
	c := &Chain{
		Params: params,
		Blocks: []*Block{{Header: params.Genesis.Clone()}},
	}
	c.Extend(tipHeight, "main")
	return c
}

func mine(prev *spv.BlockHeader, merkleRoot chainhash.Hash, timestamp uint32, params *spv.NetworkParams) *spv.BlockHeader {
	h := &spv.BlockHeader{
		Version:    1,
		PrevBlock:  prev.Hash,
		MerkleRoot: merkleRoot,
		Timestamp:  timestamp,
		Bits:       params.PowLimitBits,
		Height:     prev.Height + 1,
	}
	h.Nonce, h.Hash = blockgen.Solve(h.Version, h.PrevBlock, h.MerkleRoot, h.Timestamp, h.Bits)
	return h
}

// Extend mines blocks until the tip reaches height. salt keeps the blocks
// distinct from other branches at the same heights.
func (c *Chain) Extend(height uint32, salt string) {
	for c.Tip().Height < height {
		prev := c.Tip()
		next := prev.Height + 1
		txids := blockgen.TxIDs(salt, next)
		root := spv.ComputeMerkleRootFromTxList(txids, c.Params.MerkleOddRule)
		c.Blocks = append(c.Blocks, &Block{
			Header: mine(prev, root, blockgen.Timestamp(c.Params.Genesis.Timestamp, next), c.Params),
			TxIDs:  txids,
		})
	}
}

// Fork copies the chain up to height at and mines a distinct branch to tip.
func (c *Chain) Fork(at, tip uint32, salt string) *Chain {
	f := &Chain{
		Params: c.Params,
		Blocks: append([]*Block(nil), c.Blocks[:at+1]...),
	}
	f.Extend(tip, salt)
	return f
}

// Tip returns the last header.
func (c *Chain) Tip() *spv.BlockHeader {
	return c.Blocks[len(c.Blocks)-1].Header
}

// Header returns a copy of the header at height.
func (c *Chain) Header(height uint32) *spv.BlockHeader {
	return c.Blocks[height].Header.Clone()
}

// Headers returns copies of up to count headers from start.
func (c *Chain) Headers(start, count uint32) []*spv.BlockHeader {
	tip := c.Tip().Height
	out := []*spv.BlockHeader{}
	for h := start; h <= tip && uint32(len(out)) < count; h++ {
		out = append(out, c.Header(h))
	}
	return out
}

// TxID returns the i-th txid of the block at height.
func (c *Chain) TxID(height uint32, i int) chainhash.Hash {
	return c.Blocks[height].TxIDs[i]
}

// Proof builds the inclusion proof for txid in the block at height.
func (c *Chain) Proof(txid chainhash.Hash, height uint32) (*spv.MerkleProof, error) {
	if height > c.Tip().Height {
		return nil, fmt.Errorf("no block at height %d", height)
	}
	txids := c.Blocks[height].TxIDs
	for i, id := range txids {
		if id != txid {
			continue
		}
		nodes, err := spv.BuildMerkleProof(txids, uint32(i), c.Params.MerkleOddRule)
		if err != nil {
			return nil, err
		}
		return &spv.MerkleProof{TxID: txid, Nodes: nodes, Pos: uint32(i), BlockHeight: height}, nil
	}
	return nil, fmt.Errorf("tx %s not in block %d", txid, height)
}

// Source serves a Chain as an indexing server.
type Source struct {
	mu       sync.Mutex
	chain    *Chain
	failures int
	calls    int
}

var _ spv.ChainSource = (*Source)(nil)

// NewSource returns a source serving c.
func NewSource(c *Chain) *Source {
	return &Source{chain: c}
}

// FailNext makes the next n calls fail with spv.ErrConnectionLost.
func (s *Source) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// Calls returns the number of calls served or failed.
func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Source) begin() (*Chain, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("%w: injected", spv.ErrConnectionLost)
	}
	return s.chain, nil
}

func (s *Source) TipHeader(ctx context.Context) (*spv.BlockHeader, error) {
	c, err := s.begin()
	if err != nil {
		return nil, err
	}
	return c.Tip().Clone(), nil
}

func (s *Source) Headers(ctx context.Context, start, count uint32) ([]*spv.BlockHeader, error) {
	c, err := s.begin()
	if err != nil {
		return nil, err
	}
	return c.Headers(start, count), nil
}

func (s *Source) MerkleProof(ctx context.Context, txid chainhash.Hash, height uint32) (*spv.MerkleProof, error) {
	c, err := s.begin()
	if err != nil {
		return nil, err
	}
	return c.Proof(txid, height)
}
