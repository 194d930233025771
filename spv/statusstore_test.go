package spv

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeFactory struct {
	name string
	open func(t *testing.T) StatusStore
}

func statusStores() []storeFactory {
	return []storeFactory{
		{"memory", func(t *testing.T) StatusStore { return NewMemStatusStore() }},
		{"bolt", func(t *testing.T) StatusStore {
			s, err := OpenBoltStatusStore(filepath.Join(t.TempDir(), "sub", "status.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		}},
	}
}

func TestStatusStore_PutGet(t *testing.T) {
	for _, f := range statusStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			hash := makeHash(0xAB)
			now := time.Now().Truncate(time.Second)
			rec := &TxRecord{
				TxID:      makeTxHash(0x01),
				Height:    100,
				BlockHash: &hash,
				Result:    Verified,
				Attempts:  2,
				LastError: "flaky",
				UpdatedAt: now,
			}
			require.NoError(t, s.Put(rec))

			got, err := s.Get(rec.TxID)
			require.NoError(t, err)
			assert.Equal(t, rec.TxID, got.TxID)
			assert.Equal(t, uint32(100), got.Height)
			require.NotNil(t, got.BlockHash)
			assert.Equal(t, hash, *got.BlockHash)
			assert.Equal(t, Verified, got.Result)
			assert.Equal(t, 2, got.Attempts)
			assert.Equal(t, "flaky", got.LastError)
			assert.True(t, now.Equal(got.UpdatedAt))

			// The store keeps its own copy.
			rec.Result = NotVerified
			got, err = s.Get(rec.TxID)
			require.NoError(t, err)
			assert.Equal(t, Verified, got.Result)
		})
	}
}

func TestStatusStore_NotFound(t *testing.T) {
	for _, f := range statusStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			_, err := s.Get(makeTxHash(0x09))
			assert.ErrorIs(t, err, ErrTxNotFound)
			assert.ErrorIs(t, s.Delete(makeTxHash(0x09)), ErrTxNotFound)
			assert.ErrorIs(t, s.Put(nil), ErrNilParam)
		})
	}
}

func TestStatusStore_ListOrder(t *testing.T) {
	for _, f := range statusStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			heights := []uint32{30, 10, 20, 10, 0}
			for i, h := range heights {
				require.NoError(t, s.Put(&TxRecord{TxID: makeTxHash(byte(i)), Height: h}))
			}

			recs, err := s.List()
			require.NoError(t, err)
			require.Len(t, recs, len(heights))
			for i := 1; i < len(recs); i++ {
				prev, cur := recs[i-1], recs[i]
				assert.LessOrEqual(t, prev.Height, cur.Height)
				if prev.Height == cur.Height {
					assert.Less(t, prev.TxID.String(), cur.TxID.String())
				}
			}
		})
	}
}

func TestStatusStore_HeightChange(t *testing.T) {
	for _, f := range statusStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			txid := makeTxHash(0x05)
			require.NoError(t, s.Put(&TxRecord{TxID: txid, Height: 50, Result: InProgress}))
			require.NoError(t, s.Put(&TxRecord{TxID: txid, Height: 60, Result: InProgress}))

			recs, err := s.List()
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, uint32(60), recs[0].Height)
		})
	}
}

func TestStatusStore_Delete(t *testing.T) {
	for _, f := range statusStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			ids := []chainhash.Hash{makeTxHash(1), makeTxHash(2)}
			for i, id := range ids {
				require.NoError(t, s.Put(&TxRecord{TxID: id, Height: uint32(i + 1)}))
			}
			require.NoError(t, s.Delete(ids[0]))

			recs, err := s.List()
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, ids[1], recs[0].TxID)
		})
	}
}

func TestBoltStatusStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.db")
	txid := makeTxHash(0x42)

	s, err := OpenBoltStatusStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Put(&TxRecord{TxID: txid, Height: 7, Result: NotLongest}))
	require.NoError(t, s.Close())

	s, err = OpenBoltStatusStore(path)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(txid)
	require.NoError(t, err)
	assert.Equal(t, NotLongest, rec.Result)
	assert.Nil(t, rec.BlockHash)
}
