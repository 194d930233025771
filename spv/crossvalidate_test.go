package spv

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCrossValidateOptions = CrossValidateOptions{
	BatchSize:      500,
	RequestTimeout: time.Second,
	Retry:          RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
}

func TestCrossValidate_Equal(t *testing.T) {
	c := newTestChain(t, 50)
	local := openTestStore(t, c, 50)

	res := CrossValidate(context.Background(), local, local.Tip().Hash, newFakeSource(c), testCrossValidateOptions)
	assert.Equal(t, KindEqual, res.Kind())
	assert.IsType(t, &Equal{}, res)
}

func TestCrossValidate_MinorityFork(t *testing.T) {
	best := newTestChain(t, 1141)
	minority := best.fork(121, 126, "minority")
	local := openTestStore(t, minority, 126)

	res := CrossValidate(context.Background(), local, local.Tip().Hash, newFakeSource(best), testCrossValidateOptions)
	require.Equal(t, KindMinorityFork, res.Kind(), res.String())

	fork, ok := res.(*MinorityFork)
	require.True(t, ok)
	assert.Equal(t, uint32(121), fork.CommonAncestor)
	assert.Equal(t, uint32(1141), fork.LongestHeight)
	assert.Equal(t, best.tip().Hash, fork.AlternateTipHash)
}

func TestCrossValidate_Lagging(t *testing.T) {
	best := newTestChain(t, 133)
	local := openTestStore(t, best, 121)

	res := CrossValidate(context.Background(), local, local.Tip().Hash, newFakeSource(best), testCrossValidateOptions)
	lag, ok := res.(*Lagging)
	require.True(t, ok, res.String())
	assert.Equal(t, uint32(133), lag.LongestHeight)
	assert.Equal(t, KindLagging, res.Kind())
}

func TestCrossValidate_Ahead(t *testing.T) {
	best := newTestChain(t, 130)
	local := openTestStore(t, best, 130)

	t.Run("alternate behind on the same chain", func(t *testing.T) {
		behind := best.fork(120, 120, "unused")
		res := CrossValidate(context.Background(), local, local.Tip().Hash, newFakeSource(behind), testCrossValidateOptions)
		ahead, ok := res.(*Ahead)
		require.True(t, ok, res.String())
		assert.Equal(t, uint32(120), ahead.CommonAncestor)
		assert.Equal(t, uint32(120), ahead.AlternateHeight)
	})

	t.Run("alternate on a lighter branch", func(t *testing.T) {
		lighter := best.fork(125, 127, "light")
		res := CrossValidate(context.Background(), local, local.Tip().Hash, newFakeSource(lighter), testCrossValidateOptions)
		ahead, ok := res.(*Ahead)
		require.True(t, ok, res.String())
		assert.Equal(t, uint32(125), ahead.CommonAncestor)
		assert.Equal(t, uint32(127), ahead.AlternateHeight)
	})
}

func TestCrossValidate_Idempotent(t *testing.T) {
	best := newTestChain(t, 300)
	minority := best.fork(250, 260, "minority")
	local := openTestStore(t, minority, 260)
	tipBefore := local.Tip().Hash
	src := newFakeSource(best)

	first := CrossValidate(context.Background(), local, tipBefore, src, testCrossValidateOptions)
	second := CrossValidate(context.Background(), local, tipBefore, src, testCrossValidateOptions)

	assert.Equal(t, first, second)
	assert.Equal(t, uint32(260), local.Height(), "cross-validation never touches the local chain")
	assert.Equal(t, tipBefore, local.Tip().Hash)
}

func TestCrossValidate_HistoricalTip(t *testing.T) {
	// Comparing from an older local tip ignores local headers above it.
	best := newTestChain(t, 60)
	local := openTestStore(t, best, 60)
	alt := best.fork(40, 45, "alt")

	res := CrossValidate(context.Background(), local, best.header(50).Hash, newFakeSource(alt), testCrossValidateOptions)
	ahead, ok := res.(*Ahead)
	require.True(t, ok, res.String())
	assert.Equal(t, uint32(40), ahead.CommonAncestor)
}

func TestCrossValidate_Invalid(t *testing.T) {
	best := newTestChain(t, 40)
	local := openTestStore(t, best, 30)
	ctx := context.Background()

	t.Run("unknown local tip", func(t *testing.T) {
		res := CrossValidate(ctx, local, makeHash(0x01), newFakeSource(best), testCrossValidateOptions)
		inv, ok := res.(*Invalid)
		require.True(t, ok)
		assert.ErrorIs(t, inv.Reason, ErrHeaderNotFound)
	})

	t.Run("source error", func(t *testing.T) {
		boom := errors.New("boom")
		src := newFakeSource(best)
		src.err = boom
		res := CrossValidate(ctx, local, local.Tip().Hash, src, testCrossValidateOptions)
		inv, ok := res.(*Invalid)
		require.True(t, ok)
		assert.ErrorIs(t, inv.Reason, boom)
		assert.Equal(t, KindInvalid, res.Kind())
	})

	t.Run("transient errors are retried", func(t *testing.T) {
		src := newFakeSource(best)
		src.setFailures(2)
		res := CrossValidate(ctx, local, local.Tip().Hash, src, testCrossValidateOptions)
		assert.Equal(t, KindLagging, res.Kind(), res.String())
	})

	t.Run("no common ancestor within lookback", func(t *testing.T) {
		alt := best.fork(10, 40, "alt")
		opts := testCrossValidateOptions
		opts.MaxLookback = 5
		res := CrossValidate(ctx, local, local.Tip().Hash, newFakeSource(alt), opts)
		inv, ok := res.(*Invalid)
		require.True(t, ok, res.String())
		assert.ErrorIs(t, inv.Reason, ErrNoCommonAncestor)
	})

	t.Run("alternate tip without work", func(t *testing.T) {
		alt := best.fork(30, 32, "alt")
		bad := alt.blocks[32].header
		for {
			bad.Nonce++
			bad.Hash = ComputeHeaderHash(bad)
			if HashToBig(&bad.Hash).Cmp(alt.params.PowLimit) > 0 {
				break
			}
		}
		res := CrossValidate(ctx, local, local.Tip().Hash, newFakeSource(alt), testCrossValidateOptions)
		inv, ok := res.(*Invalid)
		require.True(t, ok, res.String())
		assert.ErrorIs(t, inv.Reason, ErrInvalidProofOfWork)
	})

	t.Run("nil source", func(t *testing.T) {
		res := CrossValidate(ctx, local, local.Tip().Hash, nil, testCrossValidateOptions)
		assert.Equal(t, KindInvalid, res.Kind())
	})
}

func TestCrossValidationResult_String(t *testing.T) {
	tests := []struct {
		res  CrossValidationResult
		want string
	}{
		{&Equal{}, "equal"},
		{&Lagging{LongestHeight: 9}, "lagging: longest chain at height 9"},
		{&Ahead{CommonAncestor: 3, AlternateHeight: 4}, "ahead: common ancestor 3, alternate at height 4"},
		{&Invalid{Reason: ErrProtocol}, "invalid: spv: protocol error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.res.String())
	}
	assert.Contains(t, (&MinorityFork{CommonAncestor: 1, LongestHeight: 2}).String(), "common ancestor 1")
}
