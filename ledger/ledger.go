// Package ledger defines the processed-transaction ledger: one durable
// MintRecord per source transaction, admitted by a single atomic insert and
// moved out of Pending exactly once.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"pyusdbridge/types"
)

var (
	ErrNotFound          = errors.New("mint record not found")
	ErrInvalidTransition = errors.New("invalid mint record transition")
)

type Admission int

const (
	Admitted Admission = iota
	AlreadyProcessing
	AlreadyFinal
)

func (a Admission) String() string {
	switch a {
	case Admitted:
		return "admitted"
	case AlreadyProcessing:
		return "already_processing"
	case AlreadyFinal:
		return "already_final"
	default:
		return fmt.Sprintf("admission(%d)", int(a))
	}
}

// Ledger is implemented by every storage backend.
//
// TryBeginProcessing must be one atomic storage operation: of any number of
// concurrent calls for the same hash exactly one returns Admitted. It returns
// the stored record for AlreadyProcessing and AlreadyFinal.
type Ledger interface {
	TryBeginProcessing(ctx context.Context, seed *types.MintRecord) (Admission, *types.MintRecord, error)
	MarkMinted(ctx context.Context, sourceTxHash, destinationTxHash string, mintedAmount *big.Int) (*types.MintRecord, error)
	MarkFailed(ctx context.Context, sourceTxHash, reason string) (*types.MintRecord, error)
	Get(ctx context.Context, sourceTxHash string) (*types.MintRecord, error)
	ListByStatus(ctx context.Context, status types.MintStatus) ([]*types.MintRecord, error)
	Close() error
}

// BlockCursor stores how far a chain has been scanned.
type BlockCursor interface {
	GetScannedBlock(ctx context.Context, chainID int64) (uint64, bool, error)
	SetScannedBlock(ctx context.Context, chainID int64, block uint64) error
}

// NewPendingRecord normalizes a seed into the record inserted on admission.
func NewPendingRecord(seed *types.MintRecord, now time.Time) (*types.MintRecord, error) {
	if seed == nil {
		return nil, errors.New("nil mint record")
	}
	hash, err := types.NormalizeTxHash(seed.SourceTxHash)
	if err != nil {
		return nil, err
	}
	rec := seed.Clone()
	rec.SourceTxHash = hash
	rec.Status = types.MintStatusPending
	rec.DestinationTxHash = ""
	rec.MintedAmount = nil
	rec.FailureReason = ""
	rec.CreatedAt = now.UTC()
	rec.UpdatedAt = rec.CreatedAt
	return rec, nil
}

// ApplyMinted moves a copy of rec to Minted. It refuses anything not Pending.
func ApplyMinted(rec *types.MintRecord, destinationTxHash string, mintedAmount *big.Int, now time.Time) (*types.MintRecord, error) {
	if rec.Status != types.MintStatusPending {
		return nil, fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, rec.SourceTxHash, rec.Status, types.MintStatusMinted)
	}
	if destinationTxHash == "" || mintedAmount == nil {
		return nil, fmt.Errorf("%w: minted record needs destination tx and amount", ErrInvalidTransition)
	}
	next := rec.Clone()
	next.Status = types.MintStatusMinted
	next.DestinationTxHash = destinationTxHash
	next.MintedAmount = new(big.Int).Set(mintedAmount)
	next.UpdatedAt = now.UTC()
	return next, nil
}

// ApplyFailed moves a copy of rec to Failed. It refuses anything not Pending.
func ApplyFailed(rec *types.MintRecord, reason string, now time.Time) (*types.MintRecord, error) {
	if rec.Status != types.MintStatusPending {
		return nil, fmt.Errorf("%w: %s is %s, cannot become %s", ErrInvalidTransition, rec.SourceTxHash, rec.Status, types.MintStatusFailed)
	}
	next := rec.Clone()
	next.Status = types.MintStatusFailed
	next.FailureReason = reason
	next.UpdatedAt = now.UTC()
	return next, nil
}

// Classify maps a stored record to the admission outcome for a losing insert.
func Classify(existing *types.MintRecord) Admission {
	if existing.Status.Terminal() {
		return AlreadyFinal
	}
	return AlreadyProcessing
}
