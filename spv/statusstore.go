package spv

import (
	"fmt"
	"sort"
	"sync"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// StatusStore persists per-transaction verification records.
type StatusStore interface {
	// Get retrieves the record for txid, or ErrTxNotFound.
	Get(txid chainhash.Hash) (*TxRecord, error)

	// Put stores or replaces a record.
	Put(rec *TxRecord) error

	// Delete removes the record for txid, or returns ErrTxNotFound.
	Delete(txid chainhash.Hash) error

	// List returns all records ordered by height, then txid.
	List() ([]*TxRecord, error)
}

// MemStatusStore is an in-memory implementation of StatusStore.
type MemStatusStore struct {
	mu     sync.RWMutex
	byTxID map[chainhash.Hash]*TxRecord
}

// Compile-time interface check.
var _ StatusStore = (*MemStatusStore)(nil)

// NewMemStatusStore creates a new in-memory status store.
func NewMemStatusStore() *MemStatusStore {
	return &MemStatusStore{
		byTxID: make(map[chainhash.Hash]*TxRecord),
	}
}

// Get retrieves the record for txid.
func (s *MemStatusStore) Get(txid chainhash.Hash) (*TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.byTxID[txid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}
	return rec.Clone(), nil
}

// Put stores or replaces a record.
func (s *MemStatusStore) Put(rec *TxRecord) error {
	if rec == nil {
		return fmt.Errorf("%w: record", ErrNilParam)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.byTxID[rec.TxID] = rec.Clone()
	return nil
}

// Delete removes the record for txid.
func (s *MemStatusStore) Delete(txid chainhash.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byTxID[txid]; !ok {
		return fmt.Errorf("%w: %s", ErrTxNotFound, txid)
	}
	delete(s.byTxID, txid)
	return nil
}

// List returns all records ordered by height, then txid.
func (s *MemStatusStore) List() ([]*TxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*TxRecord, 0, len(s.byTxID))
	for _, rec := range s.byTxID {
		result = append(result, rec.Clone())
	}
	sortRecords(result)
	return result, nil
}

func sortRecords(recs []*TxRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Height != recs[j].Height {
			return recs[i].Height < recs[j].Height
		}
		return recs[i].TxID.String() < recs[j].TxID.String()
	})
}
