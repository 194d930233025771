package spv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultSyncInterval is how often the engine polls the indexing server.
	DefaultSyncInterval = 30 * time.Second

	// DefaultRequestTimeout bounds a single network round-trip.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultBatchSize is the number of headers requested per round-trip.
	DefaultBatchSize = 2016

	// DefaultConcurrency bounds concurrent proof fetches.
	DefaultConcurrency = 8
)

// EngineConfig configures a StatusEngine.
type EngineConfig struct {
	Chain  *HeaderChain
	Source ChainSource
	Store  StatusStore

	Enabled          bool
	MinConfirmations uint32
	SyncInterval     time.Duration
	RequestTimeout   time.Duration
	Retry            RetryPolicy
	Concurrency      int
	BatchSize        uint32
	MaxReorgDepth    uint32
}

// SyncResult summarises one header sync.
type SyncResult struct {
	Height      uint32
	Appended    int
	Reorganized bool
	ForkHeight  uint32
}

// StatusEngine drives per-transaction verification against the local header
// chain. Network round-trips never run under the engine's locks.
type StatusEngine struct {
	cfg    EngineConfig
	chain  *HeaderChain
	source ChainSource
	store  StatusStore

	syncs    singleflight.Group
	verifies singleflight.Group
	trigger  chan struct{}

	// recMu serialises read-modify-write of status records.
	recMu sync.Mutex

	mu           sync.Mutex
	enabled      bool
	inflight     map[chainhash.Hash]context.CancelFunc
	serverHeight uint32
	rejectedTip  *chainhash.Hash
}

// NewStatusEngine validates cfg, fills in defaults and returns an engine.
func NewStatusEngine(cfg EngineConfig) (*StatusEngine, error) {
	if cfg.Chain == nil {
		return nil, fmt.Errorf("%w: chain", ErrNilParam)
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("%w: chain source", ErrNilParam)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: status store", ErrNilParam)
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.BatchSize == 0 || cfg.BatchSize > DefaultBatchSize {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.MaxReorgDepth == 0 {
		cfg.MaxReorgDepth = cfg.Chain.maxReorgDepth
	}
	cfg.Retry = cfg.Retry.withDefaults()

	return &StatusEngine{
		cfg:      cfg,
		chain:    cfg.Chain,
		source:   cfg.Source,
		store:    cfg.Store,
		trigger:  make(chan struct{}, 1),
		enabled:  cfg.Enabled,
		inflight: make(map[chainhash.Hash]context.CancelFunc),
	}, nil
}

// Chain returns the header chain the engine verifies against.
func (e *StatusEngine) Chain() *HeaderChain {
	return e.chain
}

// Enabled reports whether SPV verification is switched on.
func (e *StatusEngine) Enabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// Trigger asks the background loop to run a cycle now.
func (e *StatusEngine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Run syncs headers and verifies pending transactions on start, on Trigger
// and every SyncInterval until ctx is done.
func (e *StatusEngine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		e.runCycle(ctx)

		select {
		case <-ctx.Done():
			e.cancelAll()
			return ctx.Err()
		case <-ticker.C:
		case <-e.trigger:
		}
	}
}

func (e *StatusEngine) runCycle(ctx context.Context) {
	if !e.Enabled() {
		return
	}
	if _, err := e.SyncHeaders(ctx); err != nil && ctx.Err() == nil {
		if IsChainError(err) {
			log.Errorf("Header sync rejected the server's branch: %v", err)
		} else {
			log.Warnf("Header sync failed: %v", err)
		}
	}
	if err := e.VerifyPending(ctx); err != nil && ctx.Err() == nil {
		log.Warnf("Verifying pending transactions failed: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Transaction tracking
// ---------------------------------------------------------------------------

// Track records that the indexing server reports txid as included at
// height (0 = unconfirmed). A new height starts a fresh claim; repeating the
// same claim leaves terminal results untouched.
func (e *StatusEngine) Track(txid chainhash.Hash, height uint32) (VerifyResult, error) {
	return e.TrackInBlock(txid, height, nil)
}

// TrackInBlock is Track with the block hash the server claims.
func (e *StatusEngine) TrackInBlock(txid chainhash.Hash, height uint32, blockHash *chainhash.Hash) (VerifyResult, error) {
	e.recMu.Lock()
	defer e.recMu.Unlock()

	rec, err := e.store.Get(txid)
	switch {
	case err == nil:
		sameBlock := blockHash == nil || (rec.BlockHash != nil && *rec.BlockHash == *blockHash)
		if rec.Height == height && sameBlock {
			if rec.Result == Unconfirmed {
				if next := e.initialResult(height); next != Unconfirmed {
					rec.Result = next
					rec.UpdatedAt = time.Now()
					if err := e.store.Put(rec); err != nil {
						return rec.Result, err
					}
					e.Trigger()
				}
			}
			return rec.Result, nil
		}
		e.cancelInflight(txid)

	case errors.Is(err, ErrTxNotFound):

	default:
		return Unconfirmed, err
	}

	rec = &TxRecord{
		TxID:      txid,
		Height:    height,
		Result:    e.initialResult(height),
		UpdatedAt: time.Now(),
	}
	if blockHash != nil {
		h := *blockHash
		rec.BlockHash = &h
	}
	if err := e.store.Put(rec); err != nil {
		return Unconfirmed, err
	}
	log.Debugf("Tracking %s at height %d: %v", txid, height, rec.Result)

	if rec.Result == InProgress {
		e.Trigger()
	}
	return rec.Result, nil
}

// Forget stops tracking txid and cancels any in-flight work for it.
func (e *StatusEngine) Forget(txid chainhash.Hash) error {
	e.cancelInflight(txid)

	e.recMu.Lock()
	defer e.recMu.Unlock()

	if err := e.store.Delete(txid); err != nil && !errors.Is(err, ErrTxNotFound) {
		return err
	}
	log.Debugf("Forgot %s", txid)
	return nil
}

// Status returns the current result for txid.
func (e *StatusEngine) Status(txid chainhash.Hash) (VerifyResult, error) {
	rec, err := e.store.Get(txid)
	if err != nil {
		return Unconfirmed, err
	}
	return rec.Result, nil
}

// Record returns the stored record for txid.
func (e *StatusEngine) Record(txid chainhash.Hash) (*TxRecord, error) {
	return e.store.Get(txid)
}

// VerifyTx verifies txid now if it is pending and returns its status.
func (e *StatusEngine) VerifyTx(ctx context.Context, txid chainhash.Hash) (VerifyResult, error) {
	rec, err := e.store.Get(txid)
	if err != nil {
		return Unconfirmed, err
	}
	if !e.Enabled() {
		return Disabled, nil
	}

	if rec.Result == Unconfirmed && rec.Height > 0 {
		result, err := e.promote(txid)
		if err != nil {
			return result, err
		}
		rec.Result = result
	}
	if rec.Result != InProgress {
		return rec.Result, nil
	}
	return e.verifyOne(ctx, txid)
}

// SetEnabled switches SPV verification on or off. Switching off cancels
// in-flight work and marks every record Disabled. Switching on resumes
// verification of the disabled records.
func (e *StatusEngine) SetEnabled(enabled bool) error {
	e.mu.Lock()
	changed := e.enabled != enabled
	e.enabled = enabled
	e.mu.Unlock()

	if !changed {
		return nil
	}
	if !enabled {
		e.cancelAll()
	}

	e.recMu.Lock()
	defer e.recMu.Unlock()

	recs, err := e.store.List()
	if err != nil {
		return err
	}
	now := time.Now()
	for _, rec := range recs {
		switch {
		case !enabled:
			rec.Result = Disabled

		case rec.Result != Disabled:
			continue

		case rec.BlockHash != nil && !e.chain.Contains(*rec.BlockHash):
			rec.Result = NotLongest

		default:
			rec.Result = e.initialResult(rec.Height)
		}
		rec.UpdatedAt = now
		if err := e.store.Put(rec); err != nil {
			return err
		}
	}

	if enabled {
		log.Infof("SPV verification enabled, %d records", len(recs))
		e.Trigger()
	} else {
		log.Infof("SPV verification disabled, %d records", len(recs))
	}
	return nil
}

func (e *StatusEngine) initialResult(height uint32) VerifyResult {
	if !e.Enabled() {
		return Disabled
	}
	if height == 0 || e.confirmations(height) < e.cfg.MinConfirmations {
		return Unconfirmed
	}
	return InProgress
}

func (e *StatusEngine) confirmations(height uint32) uint32 {
	tip := e.chain.Height()
	e.mu.Lock()
	if e.serverHeight > tip {
		tip = e.serverHeight
	}
	e.mu.Unlock()
	if height > tip {
		return 0
	}
	return tip - height + 1
}

func (e *StatusEngine) promote(txid chainhash.Hash) (VerifyResult, error) {
	e.recMu.Lock()
	defer e.recMu.Unlock()

	rec, err := e.store.Get(txid)
	if err != nil {
		return Unconfirmed, err
	}
	if rec.Result != Unconfirmed || rec.Height == 0 {
		return rec.Result, nil
	}
	next := e.initialResult(rec.Height)
	if next == rec.Result {
		return next, nil
	}
	rec.Result = next
	rec.UpdatedAt = time.Now()
	return next, e.store.Put(rec)
}

func (e *StatusEngine) cancelInflight(txid chainhash.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.inflight[txid]; ok {
		cancel()
		delete(e.inflight, txid)
	}
}

func (e *StatusEngine) cancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for txid, cancel := range e.inflight {
		cancel()
		delete(e.inflight, txid)
	}
}

// ---------------------------------------------------------------------------
// Header sync
// ---------------------------------------------------------------------------

// SyncHeaders brings the local chain up to the indexing server's tip,
// resolving reorgs along the way. Concurrent calls share one sync.
func (e *StatusEngine) SyncHeaders(ctx context.Context) (*SyncResult, error) {
	v, err, _ := e.syncs.Do("sync", func() (interface{}, error) {
		return e.syncHeaders(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*SyncResult), nil
}

func (e *StatusEngine) syncHeaders(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}

	serverTip, err := retry(ctx, e.cfg.Retry, e.cfg.RequestTimeout, "fetch tip", e.source.TipHeader)
	if err != nil {
		return nil, err
	}
	serverTip = serverTip.Clone()

	e.mu.Lock()
	e.serverHeight = serverTip.Height
	rejected := e.rejectedTip != nil && *e.rejectedTip == serverTip.Hash
	e.mu.Unlock()

	if rejected {
		log.Debugf("Server tip %s was rejected before, skipping sync", serverTip)
		res.Height = e.chain.Height()
		return res, nil
	}

	weaker := false
	for !e.chain.Contains(serverTip.Hash) {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		local := e.chain.Tip()
		if local.Height >= serverTip.Height {
			break
		}

		start := local.Height + 1
		count := serverTip.Height - local.Height
		if count > e.cfg.BatchSize {
			count = e.cfg.BatchSize
		}
		batch, err := retry(ctx, e.cfg.Retry, e.cfg.RequestTimeout,
			fmt.Sprintf("fetch headers %d+%d", start, count),
			func(ctx context.Context) ([]*BlockHeader, error) {
				return e.source.Headers(ctx, start, count)
			})
		if err != nil {
			return res, err
		}
		if len(batch) == 0 {
			break
		}
		for i, h := range batch {
			h = h.Clone()
			h.Height = start + uint32(i)
			batch[i] = h
		}

		if batch[0].PrevBlock != local.Hash {
			log.Infof("Server chain diverges below height %d, looking for fork point", start)
			err := e.resolveFork(ctx, serverTip, res)
			if errors.Is(err, ErrInsufficientWork) {
				weaker = true
				break
			}
			if err != nil {
				return res, err
			}
			// The resolved branch ends at the server tip.
			break
		}

		cr, err := e.chain.PushBatch(batch)
		if err != nil {
			if IsValidationError(err) {
				e.reject(serverTip.Hash)
			}
			return res, err
		}
		res.Appended += cr.Appended
	}

	if !weaker && !e.chain.Contains(serverTip.Hash) {
		err := e.resolveFork(ctx, serverTip, res)
		switch {
		case errors.Is(err, ErrInsufficientWork):
			weaker = true
		case err != nil:
			return res, err
		}
	}
	if weaker {
		log.Infof("Server tip %s is on a branch with less work, keeping local chain", serverTip)
	}

	res.Height = e.chain.Height()
	return res, nil
}

// resolveFork finds where the server tip's branch joins the local chain and
// offers the branch to the store, which switches only on more work.
func (e *StatusEngine) resolveFork(ctx context.Context, serverTip *BlockHeader, res *SyncResult) error {
	lookback := e.cfg.MaxReorgDepth
	if local := e.chain.Height(); serverTip.Height > local {
		lookback += serverTip.Height - local
	}

	fp, err := e.chain.FindForkPoint(ctx, serverTip, retryingSource{e}, lookback)
	if err != nil {
		if IsValidationError(err) {
			e.reject(serverTip.Hash)
		}
		return err
	}
	if len(fp.Branch) == 0 {
		return nil
	}

	cr, err := e.chain.PushBatch(fp.Branch)
	if err != nil {
		if IsValidationError(err) {
			e.reject(serverTip.Hash)
		}
		return err
	}
	res.Appended += cr.Appended
	if cr.Reorganized {
		res.Reorganized = true
		res.ForkHeight = cr.ForkHeight
		if err := e.markNotLongest(); err != nil {
			return err
		}
	}
	return nil
}

func (e *StatusEngine) reject(tip chainhash.Hash) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejectedTip = &tip
}

// markNotLongest moves every record whose block left the best chain to
// NotLongest.
func (e *StatusEngine) markNotLongest() error {
	e.recMu.Lock()
	defer e.recMu.Unlock()

	recs, err := e.store.List()
	if err != nil {
		return err
	}
	for _, rec := range recs {
		if rec.Result != Verified && rec.Result != InProgress {
			continue
		}
		if rec.BlockHash == nil || e.chain.Contains(*rec.BlockHash) {
			continue
		}
		e.cancelInflight(rec.TxID)
		rec.Result = NotLongest
		rec.UpdatedAt = time.Now()
		if err := e.store.Put(rec); err != nil {
			return err
		}
		log.Infof("Transaction %s: block %s left the best chain", rec.TxID, rec.BlockHash)
	}
	return nil
}

// retryingSource applies the engine's retry policy to header fetches.
type retryingSource struct {
	e *StatusEngine
}

func (s retryingSource) Headers(ctx context.Context, start, count uint32) ([]*BlockHeader, error) {
	return retry(ctx, s.e.cfg.Retry, s.e.cfg.RequestTimeout,
		fmt.Sprintf("fetch headers %d+%d", start, count),
		func(ctx context.Context) ([]*BlockHeader, error) {
			return s.e.source.Headers(ctx, start, count)
		})
}

// ---------------------------------------------------------------------------
// Proof verification
// ---------------------------------------------------------------------------

// VerifyPending verifies every InProgress record, promoting Unconfirmed
// records that have gained enough confirmations first.
func (e *StatusEngine) VerifyPending(ctx context.Context) error {
	if !e.Enabled() {
		return nil
	}
	if err := e.markNotLongest(); err != nil {
		return err
	}

	recs, err := e.store.List()
	if err != nil {
		return err
	}

	var g errgroup.Group
	g.SetLimit(e.cfg.Concurrency)
	for _, rec := range recs {
		result := rec.Result
		if result == Unconfirmed && rec.Height > 0 {
			if result, err = e.promote(rec.TxID); err != nil {
				return err
			}
		}
		if result != InProgress {
			continue
		}
		txid := rec.TxID
		g.Go(func() error {
			_, err := e.verifyOne(ctx, txid)
			return err
		})
	}
	return g.Wait()
}

func (e *StatusEngine) verifyOne(ctx context.Context, txid chainhash.Hash) (VerifyResult, error) {
	v, err, _ := e.verifies.Do(txid.String(), func() (interface{}, error) {
		return e.verify(ctx, txid)
	})
	if err != nil {
		return InProgress, err
	}
	return v.(VerifyResult), nil
}

func (e *StatusEngine) verify(parent context.Context, txid chainhash.Hash) (VerifyResult, error) {
	rec, err := e.store.Get(txid)
	if errors.Is(err, ErrTxNotFound) {
		return Unconfirmed, nil
	}
	if err != nil {
		return Unconfirmed, err
	}
	if rec.Result != InProgress {
		return rec.Result, nil
	}

	header, err := e.chain.HeaderAt(rec.Height)
	if err != nil {
		// Headers have not reached the claimed height yet.
		return InProgress, nil
	}
	if rec.BlockHash != nil && *rec.BlockHash != header.Hash {
		if !e.chain.Contains(*rec.BlockHash) {
			return e.finish(rec, header, NotLongest, errors.New("claimed block is not in the best chain"))
		}
		return e.finish(rec, header, NotVerified, fmt.Errorf("claimed block is not at height %d", rec.Height))
	}

	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.inflight[txid] = cancel
	e.mu.Unlock()
	defer func() {
		cancel()
		e.mu.Lock()
		delete(e.inflight, txid)
		e.mu.Unlock()
	}()

	proof, err := retry(ctx, e.cfg.Retry, e.cfg.RequestTimeout, "fetch proof for "+txid.String(),
		func(ctx context.Context) (*MerkleProof, error) {
			return e.source.MerkleProof(ctx, txid, rec.Height)
		})
	if err != nil {
		if ctx.Err() != nil {
			// Forgotten, disabled or shutting down.
			return InProgress, nil
		}
		log.Warnf("Fetching proof for %s failed, will retry next cycle: %v", txid, err)
		e.recordAttempt(txid, rec.Height, err)
		return InProgress, nil
	}

	if proof.BlockHeight != 0 && proof.BlockHeight != rec.Height {
		return e.finish(rec, header, NotVerified,
			fmt.Errorf("proof is for height %d, claimed %d", proof.BlockHeight, rec.Height))
	}
	proof.BlockHeight = rec.Height
	checked, err := VerifyInclusion(e.chain, txid, proof)
	switch {
	case checked == nil:
		// The chain was cut below the claimed height while fetching.
		return InProgress, nil
	case err != nil:
		return e.finish(rec, checked, NotVerified, err)
	}
	return e.finish(rec, checked, Verified, nil)
}

// finish commits a verification outcome, provided the record still holds
// the same claim and, for Verified, the header is still in the best chain.
func (e *StatusEngine) finish(claim *TxRecord, header *BlockHeader, result VerifyResult, cause error) (VerifyResult, error) {
	e.recMu.Lock()
	defer e.recMu.Unlock()

	rec, err := e.store.Get(claim.TxID)
	if errors.Is(err, ErrTxNotFound) {
		return Unconfirmed, nil
	}
	if err != nil {
		return InProgress, err
	}
	if rec.Height != claim.Height || rec.Result != InProgress {
		return rec.Result, nil
	}

	if result == Verified {
		current, err := e.chain.HeaderAt(rec.Height)
		if err != nil || current.Hash != header.Hash {
			log.Debugf("Chain changed while verifying %s, retrying next cycle", rec.TxID)
			return InProgress, nil
		}
		h := header.Hash
		rec.BlockHash = &h
	}

	rec.Result = result
	rec.Attempts++
	rec.LastError = ""
	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.UpdatedAt = time.Now()
	if err := e.store.Put(rec); err != nil {
		return InProgress, err
	}

	if cause != nil {
		log.Warnf("Transaction %s at height %d: %v: %v", rec.TxID, rec.Height, result, cause)
	} else {
		log.Infof("Transaction %s verified in block %s", rec.TxID, header)
	}
	return result, nil
}

func (e *StatusEngine) recordAttempt(txid chainhash.Hash, height uint32, cause error) {
	e.recMu.Lock()
	defer e.recMu.Unlock()

	rec, err := e.store.Get(txid)
	if err != nil || rec.Height != height || rec.Result != InProgress {
		return
	}
	rec.Attempts++
	rec.LastError = cause.Error()
	rec.UpdatedAt = time.Now()
	if err := e.store.Put(rec); err != nil {
		log.Errorf("Saving status of %s: %v", txid, err)
	}
}
