package spv

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// DefaultMaxLookback is how far back CrossValidate searches for a common
// ancestor.
const DefaultMaxLookback = 4032

// CrossValidateOptions tunes CrossValidate. Zero values take defaults.
type CrossValidateOptions struct {
	MaxLookback    uint32
	BatchSize      uint32
	RequestTimeout time.Duration
	Retry          RetryPolicy
}

func (o CrossValidateOptions) withDefaults() CrossValidateOptions {
	if o.MaxLookback == 0 {
		o.MaxLookback = DefaultMaxLookback
	}
	if o.BatchSize == 0 || o.BatchSize > DefaultBatchSize {
		o.BatchSize = DefaultBatchSize
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	o.Retry = o.Retry.withDefaults()
	return o
}

// Cross-validation result kinds.
const (
	KindEqual        = "equal"
	KindMinorityFork = "minority_fork"
	KindLagging      = "lagging"
	KindAhead        = "ahead"
	KindInvalid      = "invalid"
)

// CrossValidationResult is one of *Equal, *MinorityFork, *Lagging, *Ahead or
// *Invalid. Switch on the concrete type, or on Kind.
type CrossValidationResult interface {
	Kind() string
	String() string
	crossValidationResult()
}

// Equal: both views have the same tip.
type Equal struct{}

// MinorityFork: the local chain branched off at CommonAncestor and the
// alternate branch, ending at LongestHeight, carries more work.
type MinorityFork struct {
	CommonAncestor   uint32
	LongestHeight    uint32
	AlternateTipHash chainhash.Hash
}

// Lagging: the local tip is an ancestor of the alternate tip.
type Lagging struct {
	LongestHeight uint32
}

// Ahead: the alternate tip is behind the local chain, or on a branch from
// CommonAncestor with no more work than the local one.
type Ahead struct {
	CommonAncestor  uint32
	AlternateHeight uint32
}

// Invalid: the comparison could not be completed.
type Invalid struct {
	Reason error
}

func (*Equal) Kind() string        { return KindEqual }
func (*MinorityFork) Kind() string { return KindMinorityFork }
func (*Lagging) Kind() string      { return KindLagging }
func (*Ahead) Kind() string        { return KindAhead }
func (*Invalid) Kind() string      { return KindInvalid }

func (*Equal) crossValidationResult()        {}
func (*MinorityFork) crossValidationResult() {}
func (*Lagging) crossValidationResult()      {}
func (*Ahead) crossValidationResult()        {}
func (*Invalid) crossValidationResult()      {}

func (*Equal) String() string { return "equal" }

func (r *MinorityFork) String() string {
	return fmt.Sprintf("minority fork: common ancestor %d, longest chain %s at height %d",
		r.CommonAncestor, r.AlternateTipHash, r.LongestHeight)
}

func (r *Lagging) String() string {
	return fmt.Sprintf("lagging: longest chain at height %d", r.LongestHeight)
}

func (r *Ahead) String() string {
	return fmt.Sprintf("ahead: common ancestor %d, alternate at height %d", r.CommonAncestor, r.AlternateHeight)
}

func (r *Invalid) String() string {
	return fmt.Sprintf("invalid: %v", r.Reason)
}

// Unwrap exposes the reason to errors.Is.
func (r *Invalid) Unwrap() error { return r.Reason }

// CrossValidate compares the local chain ending at localTipHash with the
// chain served by an independent alternate server. It never modifies local.
func CrossValidate(ctx context.Context, local ChainView, localTipHash chainhash.Hash, alt ChainSource, opts CrossValidateOptions) CrossValidationResult {
	if local == nil || alt == nil {
		return &Invalid{Reason: fmt.Errorf("%w: chain view or alternate source", ErrNilParam)}
	}
	opts = opts.withDefaults()
	params := local.Params()

	localHeight, ok := local.HeightOf(localTipHash)
	if !ok {
		return &Invalid{Reason: fmt.Errorf("%w: local tip %s", ErrHeaderNotFound, localTipHash)}
	}
	onLocal := func(hash chainhash.Hash) (uint32, bool) {
		h, ok := local.HeightOf(hash)
		return h, ok && h <= localHeight
	}

	altTip, err := retry(ctx, opts.Retry, opts.RequestTimeout, "fetch alternate tip", alt.TipHeader)
	if err != nil {
		return &Invalid{Reason: err}
	}
	altTip = altTip.Clone()

	if altTip.Hash == localTipHash {
		return &Equal{}
	}
	if h, ok := onLocal(altTip.Hash); ok {
		return &Ahead{CommonAncestor: h, AlternateHeight: h}
	}
	if params.PowCheck {
		if err := CheckProofOfWork(altTip, params.PowLimit); err != nil {
			return &Invalid{Reason: err}
		}
	}

	altWork := new(big.Int).Set(params.HeaderWork(altTip.Bits))
	cur := altTip
	walked := uint32(1)
	for {
		if h, ok := onLocal(cur.PrevBlock); ok {
			if cur.Height != h+1 {
				return &Invalid{Reason: validationError(ErrDiscontinuous, cur,
					"parent is at local height %d", h)}
			}
			return classify(local, localHeight, h, altTip, altWork)
		}

		if walked >= opts.MaxLookback || cur.Height == 0 {
			return &Invalid{Reason: fmt.Errorf("%w: none within %d headers of alternate tip %s",
				ErrNoCommonAncestor, walked, altTip)}
		}

		end := cur.Height - 1
		n := opts.BatchSize
		if n > end+1 {
			n = end + 1
		}
		if remaining := opts.MaxLookback - walked; n > remaining {
			n = remaining
		}
		start := end - n + 1

		fetched, err := retry(ctx, opts.Retry, opts.RequestTimeout,
			fmt.Sprintf("fetch alternate headers %d+%d", start, n),
			func(ctx context.Context) ([]*BlockHeader, error) {
				return alt.Headers(ctx, start, n)
			})
		if err != nil {
			return &Invalid{Reason: err}
		}
		if uint32(len(fetched)) != n {
			return &Invalid{Reason: fmt.Errorf("%w: asked for %d headers from %d, got %d",
				ErrProtocol, n, start, len(fetched))}
		}

		for i := len(fetched) - 1; i >= 0; i-- {
			h := fetched[i].Clone()
			h.Height = start + uint32(i)
			if h.Hash != cur.PrevBlock {
				return &Invalid{Reason: validationError(ErrDiscontinuous, h, "does not link to %s", cur)}
			}
			if params.PowCheck {
				if err := CheckProofOfWork(h, params.PowLimit); err != nil {
					return &Invalid{Reason: err}
				}
			}
			altWork.Add(altWork, params.HeaderWork(h.Bits))
			walked++
			cur = h
			if _, ok := onLocal(cur.PrevBlock); ok {
				break
			}
		}
	}
}

func classify(local ChainView, localHeight, ancestor uint32, altTip *BlockHeader, altWork *big.Int) CrossValidationResult {
	if ancestor == localHeight {
		return &Lagging{LongestHeight: altTip.Height}
	}

	tipWork, err := local.WorkAt(localHeight)
	if err != nil {
		return &Invalid{Reason: err}
	}
	ancestorWork, err := local.WorkAt(ancestor)
	if err != nil {
		return &Invalid{Reason: err}
	}
	localWork := new(big.Int).Sub(tipWork, ancestorWork)

	if altWork.Cmp(localWork) > 0 {
		log.Debugf("Alternate branch from %d has work %s, local %s", ancestor, altWork, localWork)
		return &MinorityFork{
			CommonAncestor:   ancestor,
			LongestHeight:    altTip.Height,
			AlternateTipHash: altTip.Hash,
		}
	}
	return &Ahead{CommonAncestor: ancestor, AlternateHeight: altTip.Height}
}
