package spv

import (
	"context"
	"errors"
	"fmt"

	"github.com/bsv-blockchain/go-sdk/chainhash"
)

var (
	// ErrMerkleProofInvalid indicates the computed Merkle root does not match the expected root.
	ErrMerkleProofInvalid = errors.New("spv: merkle proof invalid")

	// ErrHeaderNotFound indicates the block header was not found in the local store.
	ErrHeaderNotFound = errors.New("spv: header not found")

	// ErrTxNotFound indicates the transaction is not tracked by the status store.
	ErrTxNotFound = errors.New("spv: transaction not found")

	// ErrInvalidHeader indicates the header fails deserialization.
	ErrInvalidHeader = errors.New("spv: invalid header")

	// ErrNilParam indicates a required parameter is nil.
	ErrNilParam = errors.New("spv: required parameter is nil")

	// ErrCorruptChainFile indicates the persisted header file cannot be read.
	ErrCorruptChainFile = errors.New("spv: corrupt header chain file")

	// ErrNoGenesis indicates the network has no built-in genesis header and no seed was given.
	ErrNoGenesis = errors.New("spv: no genesis or seed header for network")

	// ErrUnknownNetwork indicates the network name is not recognized.
	ErrUnknownNetwork = errors.New("spv: unknown network")

	// ErrConflictingCheckpoint indicates two checkpoints disagree for one height.
	ErrConflictingCheckpoint = errors.New("spv: conflicting checkpoint")
)

// Header validation failures. They are fatal to the batch that carried the
// offending header and are never retried automatically.
var (
	// ErrInvalidProofOfWork indicates the header hash does not meet its target,
	// or the target is outside the network's allowed range.
	ErrInvalidProofOfWork = errors.New("spv: invalid proof of work")

	// ErrDiscontinuous indicates a header does not link to its predecessor.
	ErrDiscontinuous = errors.New("spv: discontinuous header chain")

	// ErrChecksumMismatch indicates a header hash disagrees with its claimed
	// hash or with a configured checkpoint.
	ErrChecksumMismatch = errors.New("spv: checksum mismatch")

	// ErrTimestampOutOfRange indicates the header timestamp is not above the
	// median of the preceding window.
	ErrTimestampOutOfRange = errors.New("spv: timestamp out of range")
)

// Chain selection failures. They are surfaced to the caller and never
// resolved by guessing which chain is authoritative.
var (
	// ErrNoCommonAncestor indicates two chains share no header within the lookback window.
	ErrNoCommonAncestor = errors.New("spv: no common ancestor")

	// ErrReorgTooDeep indicates a fork point lies beyond the allowed reorg depth.
	ErrReorgTooDeep = errors.New("spv: reorg too deep")

	// ErrInsufficientWork indicates a competing branch does not carry more work than the current chain.
	ErrInsufficientWork = errors.New("spv: insufficient cumulative work")
)

// Transient collaborator failures. Orchestration layers retry them with
// bounded backoff.
var (
	// ErrTimeout indicates a network round-trip exceeded its deadline.
	ErrTimeout = errors.New("spv: network timeout")

	// ErrConnectionLost indicates the connection to a server failed or dropped.
	ErrConnectionLost = errors.New("spv: connection lost")

	// ErrProtocol indicates a server response could not be understood.
	ErrProtocol = errors.New("spv: protocol error")
)

// ValidationError describes a header that failed validation. Kind is one of
// ErrInvalidProofOfWork, ErrDiscontinuous, ErrChecksumMismatch or
// ErrTimestampOutOfRange, so errors.Is works against the kind directly.
type ValidationError struct {
	Kind        error
	Height      uint32
	Hash        chainhash.Hash
	Description string
}

// Error satisfies the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%v: header %s at height %d: %s", e.Kind, e.Hash, e.Height, e.Description)
}

// Unwrap returns the validation kind.
func (e *ValidationError) Unwrap() error {
	return e.Kind
}

func validationError(kind error, h *BlockHeader, format string, args ...interface{}) *ValidationError {
	e := &ValidationError{Kind: kind, Description: fmt.Sprintf(format, args...)}
	if h != nil {
		e.Height = h.Height
		e.Hash = h.BlockHash()
	}
	return e
}

// IsValidationError reports whether err carries a header validation failure.
func IsValidationError(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsChainError reports whether err is a chain selection failure.
func IsChainError(err error) bool {
	return errors.Is(err, ErrNoCommonAncestor) ||
		errors.Is(err, ErrReorgTooDeep) ||
		errors.Is(err, ErrInsufficientWork)
}

// IsTransient reports whether err is a network failure worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrProtocol) ||
		errors.Is(err, context.DeadlineExceeded)
}
