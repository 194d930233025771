package spv

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bsv-blockchain/go-sdk/chainhash"
	"go.etcd.io/bbolt"
)

var (
	bucketStatus       = []byte("spv_status")
	bucketStatusHeight = []byte("spv_status_height")
)

// BoltStatusStore persists verification records in a bbolt database. Records
// live in the spv_status bucket keyed by txid; spv_status_height indexes them
// by height || txid for ordered listing.
type BoltStatusStore struct {
	db *bbolt.DB
}

// Compile-time interface check.
var _ StatusStore = (*BoltStatusStore)(nil)

// OpenBoltStatusStore opens or creates the bbolt database at dbPath.
// The parent directory is created if it does not exist.
func OpenBoltStatusStore(dbPath string) (*BoltStatusStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("spv: create directory: %w", err)
	}
	db, err := bbolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("spv: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketStatus, bucketStatusHeight} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("boltstore: create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("spv: create buckets: %w", err)
	}

	return &BoltStatusStore{db: db}, nil
}

// Close closes the underlying database.
func (s *BoltStatusStore) Close() error { return s.db.Close() }

// heightKey encodes a block height as a 4-byte big-endian key for sorted storage.
func heightKey(h uint32) []byte {
	k := make([]byte, 4)
	binary.BigEndian.PutUint32(k, h)
	return k
}

func heightIndexKey(height uint32, txid chainhash.Hash) []byte {
	return append(heightKey(height), txid[:]...)
}

// encodeGob serializes a value using gob encoding.
func encodeGob(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeGob deserializes gob-encoded data into a value.
func decodeGob(data []byte, v interface{}) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}

// Get retrieves the record for txid.
func (s *BoltStatusStore) Get(txid chainhash.Hash) (*TxRecord, error) {
	var rec TxRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStatus).Get(txid[:])
		if data == nil {
			return fmt.Errorf("%w: %s", ErrTxNotFound, txid)
		}
		if err := decodeGob(data, &rec); err != nil {
			return fmt.Errorf("boltstore: decode record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Put stores or replaces a record, moving its height index entry if the
// height changed.
func (s *BoltStatusStore) Put(rec *TxRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record", ErrNilParam)
	}

	data, err := encodeGob(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		idx := tx.Bucket(bucketStatusHeight)

		if old := b.Get(rec.TxID[:]); old != nil {
			var prev TxRecord
			if err := decodeGob(old, &prev); err != nil {
				return fmt.Errorf("boltstore: decode record: %w", err)
			}
			if err := idx.Delete(heightIndexKey(prev.Height, prev.TxID)); err != nil {
				return fmt.Errorf("boltstore: delete height index: %w", err)
			}
		}

		if err := b.Put(rec.TxID[:], data); err != nil {
			return fmt.Errorf("boltstore: put record: %w", err)
		}
		if err := idx.Put(heightIndexKey(rec.Height, rec.TxID), []byte{}); err != nil {
			return fmt.Errorf("boltstore: put height index: %w", err)
		}
		return nil
	})
}

// Delete removes the record for txid and its index entry.
func (s *BoltStatusStore) Delete(txid chainhash.Hash) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		data := b.Get(txid[:])
		if data == nil {
			return fmt.Errorf("%w: %s", ErrTxNotFound, txid)
		}
		var rec TxRecord
		if err := decodeGob(data, &rec); err != nil {
			return fmt.Errorf("boltstore: decode record: %w", err)
		}
		if err := tx.Bucket(bucketStatusHeight).Delete(heightIndexKey(rec.Height, txid)); err != nil {
			return fmt.Errorf("boltstore: delete height index: %w", err)
		}
		if err := b.Delete(txid[:]); err != nil {
			return fmt.Errorf("boltstore: delete record: %w", err)
		}
		return nil
	})
}

// List returns all records ordered by height, then txid.
func (s *BoltStatusStore) List() ([]*TxRecord, error) {
	var recs []*TxRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketStatus)
		c := tx.Bucket(bucketStatusHeight).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if len(k) != 4+HashSize {
				continue
			}
			data := b.Get(k[4:])
			if data == nil {
				continue // stale index entry
			}
			var rec TxRecord
			if err := decodeGob(data, &rec); err != nil {
				return fmt.Errorf("boltstore: decode record: %w", err)
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(recs)
	return recs, nil
}
