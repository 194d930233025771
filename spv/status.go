package spv

import (
	"fmt"
	"time"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

// VerifyResult is the SPV verification state of a tracked transaction.
type VerifyResult int

const (
	// Unconfirmed: not yet included, or not enough confirmations.
	Unconfirmed VerifyResult = iota
	// InProgress: included at a height; proof not yet checked.
	InProgress
	// Verified: the merkle proof checks against a header in the best chain.
	Verified
	// NotVerified: the merkle proof failed. Terminal.
	NotVerified
	// NotLongest: the block the transaction was in left the best chain. Terminal.
	NotLongest
	// Disabled: SPV verification is switched off.
	Disabled
)

var verifyResultStrings = map[VerifyResult]string{
	Unconfirmed: "unconfirmed",
	InProgress:  "in_progress",
	Verified:    "verified",
	NotVerified: "not_verified",
	NotLongest:  "not_longest",
	Disabled:    "disabled",
}

// String returns the wire name of the result.
func (r VerifyResult) String() string {
	if s, ok := verifyResultStrings[r]; ok {
		return s
	}
	return fmt.Sprintf("VerifyResult(%d)", int(r))
}

// ParseVerifyResult maps a wire name back to a VerifyResult.
func ParseVerifyResult(s string) (VerifyResult, error) {
	for r, name := range verifyResultStrings {
		if name == s {
			return r, nil
		}
	}
	return 0, fmt.Errorf("spv: unknown verify result %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (r VerifyResult) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *VerifyResult) UnmarshalText(text []byte) error {
	v, err := ParseVerifyResult(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// Terminal reports whether the result can no longer change for the same
// (txid, height) claim.
func (r VerifyResult) Terminal() bool {
	return r == NotVerified || r == NotLongest
}

// TxRecord is the persisted verification state of one transaction.
type TxRecord struct {
	TxID      chainhash.Hash
	Height    uint32          // claimed inclusion height, 0 = unconfirmed
	BlockHash *chainhash.Hash // header the proof was checked against
	Result    VerifyResult
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

// Clone returns a deep copy of the record.
func (r *TxRecord) Clone() *TxRecord {
	c := *r
	if r.BlockHash != nil {
		h := *r.BlockHash
		c.BlockHash = &h
	}
	return &c
}
