package spv

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"os"
	"sync"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// DefaultMaxReorgDepth bounds how many headers a reorg may disconnect.
const DefaultMaxReorgDepth = 2016

// TiePolicy decides which branch wins when two branches carry equal work.
type TiePolicy int

const (
	// FirstSeenWins keeps the branch already in the store.
	FirstSeenWins TiePolicy = iota
	// LastSeenWins switches to the newly received branch.
	LastSeenWins
)

// ConnectResult describes what PushBatch did to the chain.
type ConnectResult struct {
	Appended     int
	Reorganized  bool
	ForkHeight   uint32
	Disconnected []chainhash.Hash
}

type chainOptions struct {
	seed          *BlockHeader
	tie           TiePolicy
	maxReorgDepth uint32
}

// ChainOption configures OpenHeaderChain.
type ChainOption func(*chainOptions)

// WithSeed starts a new chain from a trusted header at height instead of the
// network genesis.
func WithSeed(height uint32, header *BlockHeader) ChainOption {
	return func(o *chainOptions) {
		if header == nil {
			return
		}
		seed := header.Clone()
		seed.Height = height
		o.seed = seed
	}
}

// WithTiePolicy sets how equal-work branches are resolved.
func WithTiePolicy(p TiePolicy) ChainOption {
	return func(o *chainOptions) { o.tie = p }
}

// WithMaxReorgDepth sets the deepest reorg PushBatch accepts.
func WithMaxReorgDepth(depth uint32) ChainOption {
	return func(o *chainOptions) {
		if depth > 0 {
			o.maxReorgDepth = depth
		}
	}
}

// HeaderChain is the locally validated best header chain, from a base header
// (genesis or a seed) to the tip. Reads take a read lock and never touch the
// network. Mutations are serialised by writeMu and only hold mu for the final
// swap, so queries keep flowing while a batch is validated and written.
type HeaderChain struct {
	writeMu sync.Mutex

	mu      sync.RWMutex
	base    uint32
	headers []*BlockHeader
	work    []*big.Int // cumulative work from the base, by index
	index   map[chainhash.Hash]uint32

	params        *NetworkParams
	path          string
	tie           TiePolicy
	maxReorgDepth uint32
}

// OpenHeaderChain loads the chain persisted at path, or starts one from the
// seed or network genesis when the file does not exist. An empty path keeps
// the chain in memory only.
func OpenHeaderChain(path string, params *NetworkParams, opts ...ChainOption) (*HeaderChain, error) {
	if params == nil {
		return nil, fmt.Errorf("%w: params", ErrNilParam)
	}

	o := chainOptions{tie: FirstSeenWins, maxReorgDepth: DefaultMaxReorgDepth}
	for _, opt := range opts {
		opt(&o)
	}

	root := o.seed
	if root == nil && params.Genesis != nil {
		root = params.Genesis.Clone()
		root.Height = 0
	}

	c := &HeaderChain{
		params:        params,
		path:          path,
		tie:           o.tie,
		maxReorgDepth: o.maxReorgDepth,
	}

	if path != "" {
		cf, err := readChainFile(path)
		switch {
		case err == nil && len(cf.headers) > 0:
			if err := c.load(cf.base, cf.headers, root); err != nil {
				return nil, err
			}
			if cf.version != chainFileVersion {
				log.Infof("Rewriting %s header file %s from version %d", params.Name, path, cf.version)
				if err := c.rewriteFile(); err != nil {
					return nil, err
				}
			}
			log.Infof("Loaded %s header chain from %s: base %d, tip %d",
				params.Name, path, c.base, c.Height())
			return c, nil

		case err == nil, errors.Is(err, os.ErrNotExist):

		default:
			return nil, err
		}
	}

	if root == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoGenesis, params.Name)
	}
	c.reset(root)

	if path != "" {
		if err := writeChainFile(path, c.base, c.headers); err != nil {
			return nil, err
		}
		log.Infof("Created %s header chain at %s from height %d", params.Name, path, c.base)
	}
	return c, nil
}

func (c *HeaderChain) reset(root *BlockHeader) {
	c.base = root.Height
	c.headers = []*BlockHeader{root}
	c.work = []*big.Int{c.params.HeaderWork(root.Bits)}
	c.index = map[chainhash.Hash]uint32{root.Hash: root.Height}
}

// load rebuilds the in-memory chain from file records. Linkage and
// checkpoints are re-checked; the chain is cut at the first record that
// fails and the file rewritten.
func (c *HeaderChain) load(base uint32, headers []*BlockHeader, root *BlockHeader) error {
	first := headers[0]
	if !c.params.SignedBlocks && first.Hash != ComputeHeaderHash(first) {
		return fmt.Errorf("%w: base record hash %s does not match its header", ErrCorruptChainFile, first.Hash)
	}
	if root != nil && (base != root.Height || first.Hash != root.Hash) {
		return validationError(ErrChecksumMismatch, first,
			"chain file starts at %s, expected %s", first, root)
	}
	if want, ok := c.params.CheckpointAt(base); ok && want != first.Hash {
		return validationError(ErrChecksumMismatch, first, "checkpoint at height %d expects %s", base, want)
	}

	c.reset(first)
	for i := 1; i < len(headers); i++ {
		h := headers[i]
		prev := headers[i-1]
		if !c.params.SignedBlocks && h.Hash != ComputeHeaderHash(h) {
			log.Warnf("Header file record %d hash does not match its header, truncating at height %d", i, h.Height)
			return c.rewriteFile()
		}
		if h.PrevBlock != prev.Hash {
			log.Warnf("Header file record %d does not link to its predecessor, truncating at height %d",
				i, h.Height)
			return c.rewriteFile()
		}
		if want, ok := c.params.CheckpointAt(h.Height); ok && want != h.Hash {
			log.Errorf("Header %s fails checkpoint %s, truncating", h, want)
			return c.rewriteFile()
		}
		c.appendLocked(h)
	}
	return nil
}

// rewriteFile replaces the chain file with the in-memory chain.
func (c *HeaderChain) rewriteFile() error {
	return writeChainFile(c.path, c.base, c.headers)
}

// appendLocked adds h at the tip. The caller must hold mu for writing or
// have exclusive access to the chain.
func (c *HeaderChain) appendLocked(h *BlockHeader) {
	prevWork := c.work[len(c.work)-1]
	c.headers = append(c.headers, h)
	c.work = append(c.work, new(big.Int).Add(prevWork, c.params.HeaderWork(h.Bits)))
	c.index[h.Hash] = h.Height
}

// Params returns the network parameters of the chain.
func (c *HeaderChain) Params() *NetworkParams {
	return c.params
}

// Path returns the persistence path, empty for in-memory chains.
func (c *HeaderChain) Path() string {
	return c.path
}

// BaseHeight returns the height of the first stored header.
func (c *HeaderChain) BaseHeight() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base
}

// Height returns the tip height.
func (c *HeaderChain) Height() uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tipHeightLocked()
}

func (c *HeaderChain) tipHeightLocked() uint32 {
	return c.base + uint32(len(c.headers)) - 1
}

// Tip returns a copy of the tip header.
func (c *HeaderChain) Tip() *BlockHeader {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.headers[len(c.headers)-1].Clone()
}

// HeaderAt returns a copy of the header at height.
func (c *HeaderChain) HeaderAt(height uint32) (*BlockHeader, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	h := c.headerAtLocked(height)
	if h == nil {
		return nil, fmt.Errorf("%w: height %d", ErrHeaderNotFound, height)
	}
	return h.Clone(), nil
}

func (c *HeaderChain) headerAtLocked(height uint32) *BlockHeader {
	if height < c.base || height > c.tipHeightLocked() {
		return nil
	}
	return c.headers[height-c.base]
}

// Contains reports whether hash is part of the stored chain.
func (c *HeaderChain) Contains(hash chainhash.Hash) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.index[hash]
	return ok
}

// HeightOf returns the height of the header with the given hash.
func (c *HeaderChain) HeightOf(hash chainhash.Hash) (uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	height, ok := c.index[hash]
	return height, ok
}

// WorkAt returns the cumulative work from the base up to and including height.
func (c *HeaderChain) WorkAt(height uint32) (*big.Int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if height < c.base || height > c.tipHeightLocked() {
		return nil, fmt.Errorf("%w: height %d", ErrHeaderNotFound, height)
	}
	return new(big.Int).Set(c.work[height-c.base]), nil
}

// TipWork returns the cumulative work of the whole stored chain.
func (c *HeaderChain) TipWork() *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return new(big.Int).Set(c.work[len(c.work)-1])
}

// RecentTimestamps returns the timestamps of up to MedianTimeSpan headers
// ending at height, oldest first.
func (c *HeaderChain) RecentTimestamps(height uint32) []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recentTimestampsLocked(height)
}

func (c *HeaderChain) recentTimestampsLocked(height uint32) []uint32 {
	if height < c.base || height > c.tipHeightLocked() {
		return nil
	}
	end := int(height-c.base) + 1
	start := end - c.params.MedianTimeSpan
	if start < 0 {
		start = 0
	}
	ts := make([]uint32, 0, end-start)
	for _, h := range c.headers[start:end] {
		ts = append(ts, h.Timestamp)
	}
	return ts
}

// Headers serves stored headers so a chain can act as a HeaderSource.
func (c *HeaderChain) Headers(_ context.Context, start, count uint32) ([]*BlockHeader, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tip := c.tipHeightLocked()
	if count == 0 || start < c.base || start > tip {
		return nil, nil
	}
	end := start + count - 1
	if end > tip || end < start {
		end = tip
	}
	out := make([]*BlockHeader, 0, end-start+1)
	for _, h := range c.headers[start-c.base : end-c.base+1] {
		out = append(out, h.Clone())
	}
	return out, nil
}

// PushBatch connects a batch of consecutive headers. A batch that extends
// the tip is validated and appended; a batch that forks from an earlier
// header replaces the current branch only when it carries more work. The
// batch is applied all or nothing.
func (c *HeaderChain) PushBatch(headers []*BlockHeader) (*ConnectResult, error) {
	if len(headers) == 0 {
		return &ConnectResult{}, nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	batch := make([]*BlockHeader, len(headers))
	for i, h := range headers {
		if h == nil {
			return nil, fmt.Errorf("%w: header at index %d", ErrNilParam, i)
		}
		batch[i] = h.Clone()
	}

	c.mu.RLock()
	parentHeight, ok := c.index[batch[0].PrevBlock]
	if !ok {
		c.mu.RUnlock()
		return nil, validationError(ErrDiscontinuous, batch[0],
			"parent %s is not in the chain", batch[0].PrevBlock)
	}
	// Headers already stored at their position are skipped so that
	// re-delivered batches are idempotent.
	skip := 0
	for skip < len(batch) {
		height, known := c.index[batch[skip].Hash]
		if !known || height != parentHeight+1+uint32(skip) {
			break
		}
		skip++
	}
	tipHeight := c.tipHeightLocked()
	c.mu.RUnlock()

	if skip == len(batch) {
		return &ConnectResult{}, nil
	}
	parentHeight += uint32(skip)
	batch = batch[skip:]

	for i, h := range batch {
		expected := parentHeight + 1 + uint32(i)
		if h.Height != 0 && h.Height != expected {
			return nil, validationError(ErrDiscontinuous, h, "expected height %d", expected)
		}
		h.Height = expected
	}

	if parentHeight == tipHeight {
		return c.extend(batch)
	}
	return c.reorganize(parentHeight, tipHeight, batch)
}

func (c *HeaderChain) extend(batch []*BlockHeader) (*ConnectResult, error) {
	prev, err := c.HeaderAt(batch[0].Height - 1)
	if err != nil {
		return nil, err
	}
	recent := c.RecentTimestamps(prev.Height)
	if _, err := ValidateHeaderChain(batch, prev, c.params, recent); err != nil {
		return nil, err
	}

	if c.path != "" {
		from := batch[0].Height - c.BaseHeight()
		if err := appendChainFile(c.path, from, batch); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	for _, h := range batch {
		c.appendLocked(h)
	}
	c.mu.Unlock()

	log.Debugf("Connected %d headers, new tip %s", len(batch), batch[len(batch)-1])
	return &ConnectResult{Appended: len(batch)}, nil
}

func (c *HeaderChain) reorganize(forkHeight, tipHeight uint32, batch []*BlockHeader) (*ConnectResult, error) {
	depth := tipHeight - forkHeight
	if depth > c.maxReorgDepth {
		return nil, fmt.Errorf("%w: fork at height %d is %d deep, max %d",
			ErrReorgTooDeep, forkHeight, depth, c.maxReorgDepth)
	}

	prev, err := c.HeaderAt(forkHeight)
	if err != nil {
		return nil, err
	}
	recent := c.RecentTimestamps(forkHeight)
	candidateWork, err := ValidateHeaderChain(batch, prev, c.params, recent)
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	forkIdx := int(forkHeight - c.base)
	currentWork := new(big.Int).Sub(c.work[len(c.work)-1], c.work[forkIdx])
	newHeaders := make([]*BlockHeader, forkIdx+1, forkIdx+1+len(batch))
	copy(newHeaders, c.headers[:forkIdx+1])
	base := c.base
	c.mu.RUnlock()

	cmp := candidateWork.Cmp(currentWork)
	if cmp < 0 || (cmp == 0 && c.tie == FirstSeenWins) {
		return nil, fmt.Errorf("%w: branch from height %d has work %s, current branch %s",
			ErrInsufficientWork, forkHeight, candidateWork, currentWork)
	}

	newHeaders = append(newHeaders, batch...)
	if c.path != "" {
		if err := writeChainFile(c.path, base, newHeaders); err != nil {
			return nil, err
		}
	}

	c.mu.Lock()
	disconnected := make([]chainhash.Hash, 0, len(c.headers)-forkIdx-1)
	for _, h := range c.headers[forkIdx+1:] {
		disconnected = append(disconnected, h.Hash)
		delete(c.index, h.Hash)
	}
	c.headers = newHeaders[:forkIdx+1:forkIdx+1]
	c.work = append([]*big.Int(nil), c.work[:forkIdx+1]...)
	for _, h := range batch {
		c.appendLocked(h)
	}
	c.mu.Unlock()

	log.Infof("Reorganized at height %d: disconnected %d headers, connected %d, new tip %s",
		forkHeight, len(disconnected), len(batch), batch[len(batch)-1])

	return &ConnectResult{
		Appended:     len(batch),
		Reorganized:  true,
		ForkHeight:   forkHeight,
		Disconnected: disconnected,
	}, nil
}

// Persist rewrites the whole chain file atomically.
func (c *HeaderChain) Persist() error {
	if c.path == "" {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	base := c.base
	headers := append([]*BlockHeader(nil), c.headers...)
	c.mu.RUnlock()

	return writeChainFile(c.path, base, headers)
}
