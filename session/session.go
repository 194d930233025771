// Package session is the wallet-facing surface of the SPV core. A Session
// owns the header chain file, the status database and the verification
// engine of one network, and answers block status, transaction verification
// and cross-validation queries.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"golang.org/x/sync/errgroup"

	"github.com/bitfsorg/libspv-go/config"
	"github.com/bitfsorg/libspv-go/network"
	"github.com/bitfsorg/libspv-go/spv"
)

var (
	// ErrNoServer indicates neither a chain source nor a server address was
	// supplied.
	ErrNoServer = errors.New("session: no server configured")

	// ErrNoAlternateServer indicates cross-validation was requested without
	// an endpoint and none is configured.
	ErrNoAlternateServer = errors.New("session: no alternate server configured")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("session: already started")

	// ErrClosed indicates the session has been closed.
	ErrClosed = errors.New("session: closed")
)

// electrumKeepAlive is shorter than the idle timeout of common Electrum
// servers.
const electrumKeepAlive = 2 * time.Minute

// Dialer connects to a server address and returns it as a chain source.
type Dialer func(ctx context.Context, addr string) (spv.ChainSource, io.Closer, error)

type options struct {
	dialer Dialer
	store  spv.StatusStore
	seed   *spv.BlockHeader
	seedAt uint32
	tie    spv.TiePolicy
}

// Option configures Open.
type Option func(*options)

// WithDialer replaces the dialer used for the configured server and for
// cross-validation endpoints.
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithStatusStore uses store instead of the bolt database under DataDir.
func WithStatusStore(store spv.StatusStore) Option {
	return func(o *options) { o.store = store }
}

// WithSeed starts a new header chain from a trusted header.
func WithSeed(height uint32, header *spv.BlockHeader) Option {
	return func(o *options) {
		o.seed = header
		o.seedAt = height
	}
}

// WithTiePolicy sets how equal-work branches are resolved.
func WithTiePolicy(p spv.TiePolicy) Option {
	return func(o *options) { o.tie = p }
}

// Session ties the verification core of one network to its on-disk state.
type Session struct {
	cfg    config.Config
	params *spv.NetworkParams
	dial   Dialer

	chain  *spv.HeaderChain
	store  spv.StatusStore
	engine *spv.StatusEngine

	closers []io.Closer

	mu     sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	closed bool
}

// Open validates cfg and opens the header chain and status database for its
// network. When source is nil the configured server is dialed.
func Open(ctx context.Context, cfg config.Config, source spv.ChainSource, opts ...Option) (*Session, error) {
	if err := config.ValidateConfig(cfg); err != nil {
		return nil, err
	}
	params, err := cfg.Params()
	if err != nil {
		return nil, err
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = defaultDialer(cfg, params)
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("session: create data directory: %w", err)
	}

	s := &Session{cfg: cfg, params: params, dial: o.dialer}
	ok := false
	defer func() {
		if !ok {
			_ = s.closeResources()
		}
	}()

	if source == nil {
		if cfg.Server == "" {
			return nil, ErrNoServer
		}
		src, closer, err := o.dialer(ctx, cfg.Server)
		if err != nil {
			return nil, fmt.Errorf("session: dial %s: %w", cfg.Server, err)
		}
		s.closers = append(s.closers, closer)
		source = src
	}

	s.chain, err = openChain(ctx, cfg, params, source, &o)
	if err != nil {
		return nil, err
	}

	s.store = o.store
	if s.store == nil {
		bolt, err := spv.OpenBoltStatusStore(cfg.StatusDBPath())
		if err != nil {
			return nil, err
		}
		s.store = bolt
		s.closers = append(s.closers, bolt)
	}

	s.engine, err = spv.NewStatusEngine(spv.EngineConfig{
		Chain:            s.chain,
		Source:           source,
		Store:            s.store,
		Enabled:          cfg.SPVEnabled,
		MinConfirmations: cfg.MinConfirmations,
		SyncInterval:     cfg.SyncInterval,
		RequestTimeout:   cfg.RequestTimeout,
		Retry:            cfg.RetryPolicy(),
	})
	if err != nil {
		return nil, err
	}

	log.Infof("Opened %s session in %s at height %d (SPV %s)",
		params.Name, cfg.DataDir, s.chain.Height(), enabledString(cfg.SPVEnabled))
	ok = true
	return s, nil
}

// openChain opens the header chain file. A network without a genesis header
// is seeded from the server's tip the first time, unless a seed is given.
func openChain(ctx context.Context, cfg config.Config, params *spv.NetworkParams, source spv.ChainSource, o *options) (*spv.HeaderChain, error) {
	chainOpts := []spv.ChainOption{spv.WithTiePolicy(o.tie)}
	if o.seed != nil {
		chainOpts = append(chainOpts, spv.WithSeed(o.seedAt, o.seed))
	}

	chain, err := spv.OpenHeaderChain(cfg.HeadersPath(), params, chainOpts...)
	if !errors.Is(err, spv.ErrNoGenesis) {
		return chain, err
	}

	tctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	defer cancel()
	tip, err := source.TipHeader(tctx)
	if err != nil {
		return nil, fmt.Errorf("session: fetch seed header: %w", err)
	}
	log.Warnf("No %s header chain, seeding from server tip %s at height %d",
		params.Name, tip.Hash, tip.Height)
	chainOpts = append(chainOpts, spv.WithSeed(tip.Height, tip))
	return spv.OpenHeaderChain(cfg.HeadersPath(), params, chainOpts...)
}

func defaultDialer(cfg config.Config, params *spv.NetworkParams) Dialer {
	return func(ctx context.Context, addr string) (spv.ChainSource, io.Closer, error) {
		opts := network.DialOptions{
			Params:     params,
			Electrum:   network.ElectrumOptions{DialTimeout: cfg.RequestTimeout, KeepAlive: electrumKeepAlive},
			RPCTimeout: cfg.RequestTimeout,
		}
		// Node RPC credentials come from the environment or network presets.
		if rpc, err := network.ResolveRPCConfig(&network.RPCConfig{URL: addr}, rpcEnv(), cfg.Network); err == nil {
			opts.RPCUser, opts.RPCPassword = rpc.User, rpc.Password
		}
		return network.DialAddress(ctx, addr, opts)
	}
}

func rpcEnv() map[string]string {
	env := make(map[string]string)
	for _, k := range []string{network.EnvRPCURL, network.EnvRPCUser, network.EnvRPCPass} {
		if v, ok := os.LookupEnv(k); ok {
			env[k] = v
		}
	}
	return env
}

// Config returns the configuration the session was opened with.
func (s *Session) Config() config.Config {
	return s.cfg
}

// Params returns the network params in use, including configured
// checkpoints.
func (s *Session) Params() *spv.NetworkParams {
	return s.params
}

// Engine returns the verification engine.
func (s *Session) Engine() *spv.StatusEngine {
	return s.engine
}

// BlockStatus returns the height and hash of the local chain tip.
func (s *Session) BlockStatus() (uint32, chainhash.Hash) {
	tip := s.chain.Tip()
	return tip.Height, tip.Hash
}

// TrackTx records that the server reports txid at height (0 = unconfirmed)
// and schedules its verification.
func (s *Session) TrackTx(txid chainhash.Hash, height uint32) (spv.VerifyResult, error) {
	return s.engine.Track(txid, height)
}

// ForgetTx stops tracking txid.
func (s *Session) ForgetTx(txid chainhash.Hash) error {
	return s.engine.Forget(txid)
}

// TxRecord returns the stored verification record of txid.
func (s *Session) TxRecord(txid chainhash.Hash) (*spv.TxRecord, error) {
	return s.engine.Record(txid)
}

// SPVVerifyTx verifies txid now if its verification is pending and returns
// its current result.
func (s *Session) SPVVerifyTx(ctx context.Context, txid chainhash.Hash) (spv.VerifyResult, error) {
	return s.engine.VerifyTx(ctx, txid)
}

// SetSPVEnabled switches verification on or off for all tracked
// transactions.
func (s *Session) SetSPVEnabled(enabled bool) error {
	return s.engine.SetEnabled(enabled)
}

// SPVCrossValidate compares the local chain against an independent server.
// An empty endpoint uses the configured alternate server. The alternate
// server gets its own connection, closed before returning. Failing to reach
// it is returned as an error; every other outcome, including Invalid, is
// returned as the result.
func (s *Session) SPVCrossValidate(ctx context.Context, endpoint string) (spv.CrossValidationResult, error) {
	if endpoint == "" {
		endpoint = s.cfg.AlternateServer
	}
	if endpoint == "" {
		return nil, ErrNoAlternateServer
	}

	alt, closer, err := s.dial(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("session: dial alternate %s: %w", endpoint, err)
	}
	defer closer.Close()

	_, tipHash := s.BlockStatus()
	result := spv.CrossValidate(ctx, s.chain, tipHash, alt, spv.CrossValidateOptions{
		RequestTimeout: s.cfg.RequestTimeout,
		Retry:          s.cfg.RetryPolicy(),
	})

	switch r := result.(type) {
	case *spv.Invalid:
		if spv.IsTransient(r.Reason) || errors.Is(r.Reason, context.Canceled) {
			return nil, fmt.Errorf("session: cross-validate against %s: %w", endpoint, r.Reason)
		}
		log.Warnf("Cross-validation against %s: %v", endpoint, r)
	case *spv.MinorityFork:
		log.Warnf("Cross-validation against %s: %v", endpoint, r)
	default:
		log.Infof("Cross-validation against %s: %v", endpoint, result)
	}
	return result, nil
}

// Start runs header sync and pending verification in the background until
// ctx is done or Close is called.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.group != nil {
		return ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error {
		return s.engine.Run(ctx)
	})
	return nil
}

// Close stops background work, persists the header chain and releases the
// server connection and status database.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, group := s.cancel, s.group
	s.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}
	if err := s.chain.Persist(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, s.closeResources())
	log.Infof("Closed %s session at height %d", s.params.Name, s.chain.Height())
	return errors.Join(errs...)
}

func (s *Session) closeResources() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func enabledString(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
