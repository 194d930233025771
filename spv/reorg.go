package spv

import (
	"context"
	"fmt"
)

// forkFetchWindow is how many headers FindForkPoint requests per round-trip.
const forkFetchWindow = 144

// ForkPoint is where a candidate branch joins the stored chain.
type ForkPoint struct {
	// Height of the last header shared by both branches.
	Height uint32
	// Branch holds the candidate headers above Height, ascending.
	Branch []*BlockHeader
}

// FindForkPoint walks back from candidateTip, fetching ancestors from src,
// until it reaches a header whose parent is stored. No lock is held while
// fetching. The branch is not validated here; PushBatch does that.
func (c *HeaderChain) FindForkPoint(ctx context.Context, candidateTip *BlockHeader, src HeaderSource, maxLookback uint32) (*ForkPoint, error) {
	if candidateTip == nil {
		return nil, fmt.Errorf("%w: candidate tip", ErrNilParam)
	}
	if src == nil {
		return nil, fmt.Errorf("%w: header source", ErrNilParam)
	}
	if maxLookback == 0 {
		maxLookback = c.maxReorgDepth
	}

	tip := candidateTip.Clone()
	if height, ok := c.HeightOf(tip.Hash); ok {
		return &ForkPoint{Height: height}, nil
	}

	base := c.BaseHeight()
	branch := []*BlockHeader{tip}
	cur := tip
	for {
		if height, ok := c.HeightOf(cur.PrevBlock); ok {
			if cur.Height != height+1 {
				return nil, validationError(ErrDiscontinuous, cur,
					"parent is stored at height %d", height)
			}
			reverseHeaders(branch)
			return &ForkPoint{Height: height, Branch: branch}, nil
		}

		if uint32(len(branch)) >= maxLookback || cur.Height <= base+1 {
			return nil, fmt.Errorf("%w: no fork point within %d headers below %s",
				ErrReorgTooDeep, len(branch), tip)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		end := cur.Height - 1
		n := uint32(forkFetchWindow)
		if n > end-base {
			n = end - base
		}
		if remaining := maxLookback - uint32(len(branch)); n > remaining {
			n = remaining
		}
		start := end - n + 1

		fetched, err := src.Headers(ctx, start, n)
		if err != nil {
			return nil, err
		}
		if uint32(len(fetched)) != n {
			return nil, fmt.Errorf("%w: asked for %d headers from %d, got %d",
				ErrProtocol, n, start, len(fetched))
		}

		for i := len(fetched) - 1; i >= 0; i-- {
			h := fetched[i].Clone()
			h.Height = start + uint32(i)
			if h.Hash != cur.PrevBlock {
				return nil, validationError(ErrDiscontinuous, h,
					"does not link to %s", cur)
			}
			branch = append(branch, h)
			cur = h
			if c.Contains(cur.PrevBlock) {
				break
			}
		}
	}
}

func reverseHeaders(headers []*BlockHeader) {
	for i, j := 0, len(headers)-1; i < j; i, j = i+1, j-1 {
		headers[i], headers[j] = headers[j], headers[i]
	}
}
