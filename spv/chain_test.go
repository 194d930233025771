package spv

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- OpenHeaderChain tests ---

func TestOpenHeaderChain_FromGenesis(t *testing.T) {
	params := regtestParams(t)
	store, err := OpenHeaderChain("", params)
	require.NoError(t, err)

	assert.Equal(t, uint32(0), store.Height())
	assert.Equal(t, uint32(0), store.BaseHeight())
	assert.Equal(t, params.Genesis.Hash, store.Tip().Hash)
	assert.True(t, store.Contains(params.Genesis.Hash))
	assert.Equal(t, "2", store.TipWork().String())
	assert.Empty(t, store.Path())
}

func TestOpenHeaderChain_NilParams(t *testing.T) {
	_, err := OpenHeaderChain("", nil)
	assert.ErrorIs(t, err, ErrNilParam)
}

func TestOpenHeaderChain_NoGenesis(t *testing.T) {
	params, err := ParamsForNetwork(Liquid)
	require.NoError(t, err)

	_, err = OpenHeaderChain("", params)
	assert.ErrorIs(t, err, ErrNoGenesis)
}

func TestOpenHeaderChain_Seed(t *testing.T) {
	c := newTestChain(t, 30)
	seed := c.header(20)

	store, err := OpenHeaderChain("", c.params, WithSeed(20, seed))
	require.NoError(t, err)
	assert.Equal(t, uint32(20), store.BaseHeight())
	assert.Equal(t, uint32(20), store.Height())

	_, err = store.PushBatch(c.headers(21, 30))
	require.NoError(t, err)
	assert.Equal(t, uint32(30), store.Height())

	_, err = store.HeaderAt(19)
	assert.ErrorIs(t, err, ErrHeaderNotFound)
}

// --- PushBatch tests ---

func TestPushBatch_Extend(t *testing.T) {
	c := newTestChain(t, 50)
	store := openTestStore(t, c, 0)

	res, err := store.PushBatch(c.headers(1, 50))
	require.NoError(t, err)
	assert.Equal(t, 50, res.Appended)
	assert.False(t, res.Reorganized)

	assert.Equal(t, uint32(50), store.Height())
	assert.Equal(t, c.tip().Hash, store.Tip().Hash)

	for _, height := range []uint32{0, 1, 25, 50} {
		h, err := store.HeaderAt(height)
		require.NoError(t, err)
		assert.Equal(t, c.header(height).Hash, h.Hash)

		got, ok := store.HeightOf(h.Hash)
		require.True(t, ok)
		assert.Equal(t, height, got)
	}

	work, err := store.WorkAt(50)
	require.NoError(t, err)
	assert.Equal(t, "102", work.String())
	assert.Equal(t, "102", store.TipWork().String())
}

func TestPushBatch_Idempotent(t *testing.T) {
	c := newTestChain(t, 20)
	store := openTestStore(t, c, 20)

	res, err := store.PushBatch(c.headers(5, 20))
	require.NoError(t, err)
	assert.Equal(t, 0, res.Appended)
	assert.Equal(t, uint32(20), store.Height())

	c.extend(25, "main")
	res, err = store.PushBatch(c.headers(15, 25))
	require.NoError(t, err)
	assert.Equal(t, 5, res.Appended)
	assert.Equal(t, uint32(25), store.Height())
}

func TestPushBatch_Empty(t *testing.T) {
	store := openTestStore(t, newTestChain(t, 1), 1)
	res, err := store.PushBatch(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Appended)
}

func TestPushBatch_UnknownParent(t *testing.T) {
	c := newTestChain(t, 20)
	store := openTestStore(t, c, 5)

	_, err := store.PushBatch(c.headers(10, 20))
	assert.ErrorIs(t, err, ErrDiscontinuous)
	assert.True(t, IsValidationError(err))
	assert.Equal(t, uint32(5), store.Height())
}

func TestPushBatch_WrongHeight(t *testing.T) {
	c := newTestChain(t, 5)
	store := openTestStore(t, c, 2)

	batch := c.headers(3, 5)
	batch[1].Height = 9
	_, err := store.PushBatch(batch)
	assert.ErrorIs(t, err, ErrDiscontinuous)
	assert.Equal(t, uint32(2), store.Height())
}

func TestPushBatch_AllOrNothing(t *testing.T) {
	c := newTestChain(t, 20)
	store := openTestStore(t, c, 10)

	batch := c.headers(11, 20)
	bad := batch[5]
	for {
		bad.Nonce++
		bad.Hash = ComputeHeaderHash(bad)
		if HashToBig(&bad.Hash).Cmp(c.params.PowLimit) > 0 {
			break
		}
	}
	// Keep the rest of the batch linked to the tampered header.
	for i := 6; i < len(batch); i++ {
		batch[i] = mineHeader(batch[i-1], batch[i].MerkleRoot, batch[i].Timestamp, c.params)
	}

	_, err := store.PushBatch(batch)
	assert.ErrorIs(t, err, ErrInvalidProofOfWork)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, uint32(16), verr.Height)

	assert.Equal(t, uint32(10), store.Height(), "no header from a rejected batch is stored")
	assert.False(t, store.Contains(batch[0].Hash))
}

func TestPushBatch_NilHeader(t *testing.T) {
	c := newTestChain(t, 3)
	store := openTestStore(t, c, 1)
	_, err := store.PushBatch([]*BlockHeader{c.header(2), nil})
	assert.ErrorIs(t, err, ErrNilParam)
}

func TestPushBatch_DoesNotAliasInput(t *testing.T) {
	c := newTestChain(t, 3)
	store := openTestStore(t, c, 0)

	batch := c.headers(1, 3)
	_, err := store.PushBatch(batch)
	require.NoError(t, err)

	batch[2].Nonce++
	tip := store.Tip()
	assert.Equal(t, c.header(3).Nonce, tip.Nonce)
}

// --- Reorg tests ---

func TestPushBatch_Reorg(t *testing.T) {
	a := newTestChain(t, 130)
	b := a.fork(125, 132, "b")
	store := openTestStore(t, a, 130)

	res, err := store.PushBatch(b.headers(126, 132))
	require.NoError(t, err)
	assert.True(t, res.Reorganized)
	assert.Equal(t, uint32(125), res.ForkHeight)
	assert.Equal(t, 7, res.Appended)
	require.Len(t, res.Disconnected, 5)
	for i, hash := range res.Disconnected {
		assert.Equal(t, a.header(126+uint32(i)).Hash, hash)
	}

	assert.Equal(t, uint32(132), store.Height())
	assert.Equal(t, b.tip().Hash, store.Tip().Hash)
	for h := uint32(126); h <= 130; h++ {
		assert.False(t, store.Contains(a.header(h).Hash), "height %d", h)
	}
	assert.True(t, store.Contains(a.header(125).Hash))

	work, err := store.WorkAt(132)
	require.NoError(t, err)
	assert.Equal(t, sumWork(b.headers(0, 132), b.params).String(), work.String())
}

func TestPushBatch_ReorgInsufficientWork(t *testing.T) {
	a := newTestChain(t, 130)
	b := a.fork(125, 128, "b")
	store := openTestStore(t, a, 130)

	_, err := store.PushBatch(b.headers(126, 128))
	assert.ErrorIs(t, err, ErrInsufficientWork)
	assert.True(t, IsChainError(err))
	assert.Equal(t, a.tip().Hash, store.Tip().Hash)
}

func TestPushBatch_TiePolicy(t *testing.T) {
	a := newTestChain(t, 130)
	b := a.fork(125, 130, "b")

	first := openTestStore(t, a, 130)
	_, err := first.PushBatch(b.headers(126, 130))
	assert.ErrorIs(t, err, ErrInsufficientWork)
	assert.Equal(t, a.tip().Hash, first.Tip().Hash)

	last := openTestStore(t, a, 130, WithTiePolicy(LastSeenWins))
	res, err := last.PushBatch(b.headers(126, 130))
	require.NoError(t, err)
	assert.True(t, res.Reorganized)
	assert.Equal(t, b.tip().Hash, last.Tip().Hash)
}

func TestPushBatch_ReorgTooDeep(t *testing.T) {
	a := newTestChain(t, 30)
	b := a.fork(10, 40, "b")
	store := openTestStore(t, a, 30, WithMaxReorgDepth(5))

	_, err := store.PushBatch(b.headers(11, 40))
	assert.ErrorIs(t, err, ErrReorgTooDeep)
	assert.Equal(t, a.tip().Hash, store.Tip().Hash)
}

// --- FindForkPoint tests ---

func TestFindForkPoint(t *testing.T) {
	a := newTestChain(t, 130)
	b := a.fork(125, 300, "b")
	store := openTestStore(t, a, 130)
	src := newFakeSource(b)

	fp, err := store.FindForkPoint(context.Background(), b.tip(), src, 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(125), fp.Height)
	require.Len(t, fp.Branch, 175)
	assert.Equal(t, b.header(126).Hash, fp.Branch[0].Hash)
	assert.Equal(t, uint32(126), fp.Branch[0].Height)
	assert.Equal(t, b.tip().Hash, fp.Branch[174].Hash)

	res, err := store.PushBatch(fp.Branch)
	require.NoError(t, err)
	assert.True(t, res.Reorganized)
	assert.Equal(t, uint32(300), store.Height())
}

func TestFindForkPoint_KnownTip(t *testing.T) {
	a := newTestChain(t, 20)
	store := openTestStore(t, a, 20)

	fp, err := store.FindForkPoint(context.Background(), a.header(15), newFakeSource(a), 0)
	require.NoError(t, err)
	assert.Equal(t, uint32(15), fp.Height)
	assert.Empty(t, fp.Branch)
}

func TestFindForkPoint_Lookback(t *testing.T) {
	a := newTestChain(t, 40)
	b := a.fork(10, 60, "b")
	store := openTestStore(t, a, 40)

	_, err := store.FindForkPoint(context.Background(), b.tip(), newFakeSource(b), 20)
	assert.ErrorIs(t, err, ErrReorgTooDeep)
}

func TestFindForkPoint_ShortResponse(t *testing.T) {
	a := newTestChain(t, 20)
	b := a.fork(10, 30, "b")
	store := openTestStore(t, a, 20)

	// The source's chain ends at height 12, short of the window the walk
	// asks for.
	short := newFakeSource(a.fork(10, 12, "short"))
	_, err := store.FindForkPoint(context.Background(), b.tip(), short, 0)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestFindForkPoint_BrokenLink(t *testing.T) {
	a := newTestChain(t, 20)
	b := a.fork(10, 30, "b")
	other := a.fork(10, 30, "other")
	store := openTestStore(t, a, 20)

	_, err := store.FindForkPoint(context.Background(), b.tip(), newFakeSource(other), 0)
	assert.ErrorIs(t, err, ErrDiscontinuous)
}

func TestFindForkPoint_Cancelled(t *testing.T) {
	a := newTestChain(t, 20)
	b := a.fork(10, 30, "b")
	store := openTestStore(t, a, 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := store.FindForkPoint(ctx, b.tip(), newFakeSource(b), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

// --- Persistence tests ---

func TestHeaderChain_PersistRoundTrip(t *testing.T) {
	c := newTestChain(t, 40)
	path := filepath.Join(t.TempDir(), HeadersFileName(Regtest))

	store, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	_, err = store.PushBatch(c.headers(1, 25))
	require.NoError(t, err)
	_, err = store.PushBatch(c.headers(26, 40))
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(chainPreambleSize+41*chainRecordSize), info.Size())

	reopened, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	assert.Equal(t, uint32(40), reopened.Height())
	assert.Equal(t, c.tip().Hash, reopened.Tip().Hash)
	assert.Equal(t, store.TipWork().String(), reopened.TipWork().String())

	require.NoError(t, reopened.Persist())
	again, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	assert.Equal(t, uint32(40), again.Height())
}

func TestHeaderChain_PersistAfterReorg(t *testing.T) {
	a := newTestChain(t, 130)
	b := a.fork(125, 132, "b")
	path := filepath.Join(t.TempDir(), "chain")

	store, err := OpenHeaderChain(path, a.params)
	require.NoError(t, err)
	_, err = store.PushBatch(a.headers(1, 130))
	require.NoError(t, err)
	_, err = store.PushBatch(b.headers(126, 132))
	require.NoError(t, err)

	reopened, err := OpenHeaderChain(path, a.params)
	require.NoError(t, err)
	assert.Equal(t, b.tip().Hash, reopened.Tip().Hash)
	assert.False(t, reopened.Contains(a.header(130).Hash))
}

func TestHeaderChain_TornAppend(t *testing.T) {
	c := newTestChain(t, 20)
	path := filepath.Join(t.TempDir(), "chain")

	store, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	_, err = store.PushBatch(c.headers(1, 10))
	require.NoError(t, err)

	// Records written past the committed count, as if the process died
	// before the count was updated.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	for _, h := range c.headers(11, 13) {
		_, err = f.Write(encodeRecord(h))
		require.NoError(t, err)
	}
	_, err = f.Write([]byte{0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), reopened.Height())

	_, err = reopened.PushBatch(c.headers(11, 20))
	require.NoError(t, err)

	final, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), final.Height())
	assert.Equal(t, c.tip().Hash, final.Tip().Hash)
}

func TestHeaderChain_CountBeyondRecords(t *testing.T) {
	c := newTestChain(t, 10)
	path := filepath.Join(t.TempDir(), "chain")

	store, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	_, err = store.PushBatch(c.headers(1, 10))
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	count := make([]byte, 4)
	binary.LittleEndian.PutUint32(count, 500)
	_, err = f.WriteAt(count, countOffset)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), reopened.Height())
}

func TestHeaderChain_BrokenLinkTruncates(t *testing.T) {
	c := newTestChain(t, 10)
	other := c.fork(4, 10, "other")
	path := filepath.Join(t.TempDir(), "chain")

	headers := c.headers(0, 10)
	headers[7] = other.header(7)
	require.NoError(t, writeChainFile(path, 0, headers))

	store, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	assert.Equal(t, uint32(6), store.Height())

	cf, err := readChainFile(path)
	require.NoError(t, err)
	assert.Len(t, cf.headers, 7)
}

func TestHeaderChain_CorruptMagic(t *testing.T) {
	c := newTestChain(t, 1)
	path := filepath.Join(t.TempDir(), "chain")
	require.NoError(t, writeChainFile(path, 0, c.headers(0, 1)))

	f, err := os.OpenFile(path, os.O_RDWR, 0600)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("XXXX"), 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = OpenHeaderChain(path, c.params)
	assert.ErrorIs(t, err, ErrCorruptChainFile)
}

func TestHeaderChain_WrongGenesis(t *testing.T) {
	c := newTestChain(t, 1)
	path := filepath.Join(t.TempDir(), "chain")
	require.NoError(t, writeChainFile(path, 0, c.headers(0, 1)))

	mainnet, err := ParamsForNetwork(Mainnet)
	require.NoError(t, err)
	_, err = OpenHeaderChain(path, mainnet)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestHeaderChain_LegacyFileRewritten(t *testing.T) {
	c := newTestChain(t, 8)
	path := filepath.Join(t.TempDir(), "chain")

	legacy := make([]byte, chainPreambleSize)
	copy(legacy, chainFileMagic)
	binary.LittleEndian.PutUint32(legacy[4:8], legacyChainFileVersion)
	binary.LittleEndian.PutUint32(legacy[12:16], 9)
	for _, h := range c.headers(0, 8) {
		legacy = append(legacy, SerializeHeader(h)...)
	}
	require.NoError(t, os.WriteFile(path, legacy, 0600))

	store, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	assert.Equal(t, c.tip().Hash, store.Tip().Hash)

	cf, err := readChainFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint32(chainFileVersion), cf.version)
	require.Len(t, cf.headers, 9)
	assert.Equal(t, c.tip().Hash, cf.headers[8].Hash)

	// Appends land on the rewritten layout.
	c.extend(12, "main")
	_, err = store.PushBatch(c.headers(9, 12))
	require.NoError(t, err)
	reopened, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	assert.Equal(t, c.tip().Hash, reopened.Tip().Hash)
}

func TestHeaderChain_RecordHashMismatchTruncates(t *testing.T) {
	c := newTestChain(t, 10)
	path := filepath.Join(t.TempDir(), "chain")

	headers := c.headers(0, 10)
	bad := headers[6].Clone()
	bad.Hash = makeHash(0x66)
	headers[6] = bad
	require.NoError(t, writeChainFile(path, 0, headers))

	store, err := OpenHeaderChain(path, c.params)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), store.Height())
	assert.Equal(t, c.header(5).Hash, store.Tip().Hash)
}

func TestHeaderChain_SignedBlocksKeepDecodedHash(t *testing.T) {
	params, seed := liquidSeed(t)
	path := filepath.Join(t.TempDir(), HeadersFileName(Liquid))

	store, err := OpenHeaderChain(path, params, WithSeed(seed.Height, seed))
	require.NoError(t, err)

	batch := signedHeaders(seed, 6, "liquid")
	res, err := store.PushBatch(batch)
	require.NoError(t, err)
	assert.Equal(t, 6, res.Appended)
	tip := batch[len(batch)-1]
	assert.NotEqual(t, ComputeHeaderHash(tip), tip.Hash)
	assert.Equal(t, tip.Hash, store.Tip().Hash)
	assert.Equal(t, "7", store.TipWork().String())

	reopened, err := OpenHeaderChain(path, params)
	require.NoError(t, err)
	assert.Equal(t, uint32(1006), reopened.Height())
	assert.Equal(t, tip.Hash, reopened.Tip().Hash)
	for _, h := range batch {
		assert.True(t, reopened.Contains(h.Hash), "height %d", h.Height)
	}

	next := signedHeaders(tip, 2, "liquid")
	_, err = reopened.PushBatch(next)
	require.NoError(t, err)
	assert.Equal(t, next[1].Hash, reopened.Tip().Hash)
}

func TestHeadersFileName(t *testing.T) {
	assert.Equal(t, "headers_chain_mainnet", HeadersFileName(Mainnet))
	assert.Equal(t, "headers_chain_regtest", HeadersFileName(Regtest))
}

// --- Queries ---

func TestHeaderChain_Headers(t *testing.T) {
	c := newTestChain(t, 10)
	store := openTestStore(t, c, 10)
	ctx := context.Background()

	got, err := store.Headers(ctx, 3, 4)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, c.header(3).Hash, got[0].Hash)
	assert.Equal(t, uint32(6), got[3].Height)

	got, err = store.Headers(ctx, 9, 100)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = store.Headers(ctx, 11, 1)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHeaderChain_RecentTimestamps(t *testing.T) {
	c := newTestChain(t, 20)
	store := openTestStore(t, c, 20)

	ts := store.RecentTimestamps(20)
	require.Len(t, ts, 11)
	assert.Equal(t, c.header(10).Timestamp, ts[0])
	assert.Equal(t, c.header(20).Timestamp, ts[10])

	assert.Len(t, store.RecentTimestamps(3), 4)
	assert.Nil(t, store.RecentTimestamps(21))
}
