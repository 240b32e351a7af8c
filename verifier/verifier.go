// Package verifier decides whether a source-chain transaction is a final,
// well-formed lock on the bridge. It only reads chain data; a LockEvent is
// never built from anything but a confirmed receipt.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"pyusdbridge/EVMRPC"
	"pyusdbridge/types"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrTransactionNotFound       = errors.New("transaction not found")
	ErrTransactionReverted       = errors.New("lock transaction reverted")
	ErrInsufficientConfirmations = errors.New("insufficient confirmations")
	ErrMalformedEvent            = errors.New("malformed lock event")
	ErrWrongDestination          = errors.New("wrong destination")
)

// IsRetryable reports whether verification may succeed later for the same hash.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrInsufficientConfirmations) ||
		errors.Is(err, EVMRPC.ErrRpcUnavailable)
}

// SourceChain is the read side of the source ChainClient.
type SourceChain interface {
	ChainID() int64
	BlockNumber(ctx context.Context) (uint64, error)
	GetTransactionReceipt(ctx context.Context, txHash string) (*types.Receipt, error)
}

type Verifier struct {
	chain                 SourceChain
	bridge                common.Address
	destinationNetwork    string
	requiredConfirmations uint64
	logger                *zap.Logger
}

type Opts struct {
	Chain                 SourceChain
	BridgeAddress         common.Address
	DestinationNetwork    string
	RequiredConfirmations uint64
	Logger                *zap.Logger
}

func New(opts Opts) *Verifier {
	return &Verifier{
		chain:                 opts.Chain,
		bridge:                opts.BridgeAddress,
		destinationNetwork:    opts.DestinationNetwork,
		requiredConfirmations: opts.RequiredConfirmations,
		logger:                opts.Logger.Named("verifier"),
	}
}

func (v *Verifier) RequiredConfirmations() uint64 {
	return v.requiredConfirmations
}

// Verify fetches the receipt of sourceTxHash and returns the lock it carries.
// Checks run in order: existence, revert, confirmations, then the event itself.
func (v *Verifier) Verify(ctx context.Context, sourceTxHash string) (*types.LockEvent, error) {
	hash, err := types.NormalizeTxHash(sourceTxHash)
	if err != nil {
		return nil, err
	}

	receipt, err := v.chain.GetTransactionReceipt(ctx, hash)
	if errors.Is(err, EVMRPC.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	if receipt.Status == types.ReceiptReverted {
		return nil, fmt.Errorf("%w: %s", ErrTransactionReverted, hash)
	}

	head, err := v.chain.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}
	confirmations := EVMRPC.Confirmations(head, receipt.BlockNumber)
	if confirmations < v.requiredConfirmations {
		return nil, fmt.Errorf("%w: %d of %d for %s", ErrInsufficientConfirmations, confirmations, v.requiredConfirmations, hash)
	}

	lock, err := v.lockLog(receipt)
	if err != nil {
		v.logger.Warn("Rejecting lock transaction", zap.String("source_tx", hash), zap.Error(err))
		return nil, err
	}

	if !strings.EqualFold(lock.DestinationNetwork, v.destinationNetwork) {
		return nil, fmt.Errorf("%w: lock targets network %q, expected %q", ErrWrongDestination, lock.DestinationNetwork, v.destinationNetwork)
	}
	if lock.Amount == nil || lock.Amount.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive amount", ErrMalformedEvent)
	}
	if !common.IsHexAddress(lock.DestinationAddress) || ethav.Validate(common.HexToAddress(lock.DestinationAddress).Hex()) != nil {
		return nil, fmt.Errorf("%w: invalid destination address %q", ErrMalformedEvent, lock.DestinationAddress)
	}

	event := &types.LockEvent{
		SourceTxHash:       hash,
		SourceChainID:      v.chain.ChainID(),
		LockedAmount:       new(big.Int).Set(lock.Amount),
		SourceAccount:      lock.User,
		DestinationAccount: common.HexToAddress(lock.DestinationAddress).Hex(),
		DestinationNetwork: lock.DestinationNetwork,
		BlockNumber:        receipt.BlockNumber,
		Confirmations:      confirmations,
	}
	if lock.Timestamp != nil && lock.Timestamp.IsInt64() {
		event.LockedAt = time.Unix(lock.Timestamp.Int64(), 0).UTC()
	}

	v.logger.Debug("Verified lock",
		zap.String("source_tx", hash),
		zap.String("amount", event.LockedAmount.String()),
		zap.String("destination", event.DestinationAccount),
		zap.Uint64("confirmations", confirmations))
	return event, nil
}

// lockLog picks the single TokensLocked log emitted by the configured bridge.
func (v *Verifier) lockLog(receipt *types.Receipt) (*types.TokensLocked, error) {
	var (
		found   []*types.DecodedLog
		foreign int
	)
	for i := range receipt.Logs {
		l := &receipt.Logs[i]
		if l.Event != types.EventTokensLocked {
			continue
		}
		if common.HexToAddress(l.Address) != v.bridge {
			foreign++
			continue
		}
		found = append(found, l)
	}

	switch {
	case len(found) == 0 && foreign > 0:
		return nil, fmt.Errorf("%w: lock event emitted by another contract", ErrWrongDestination)
	case len(found) == 0:
		return nil, fmt.Errorf("%w: no TokensLocked log from bridge %s", ErrMalformedEvent, v.bridge.Hex())
	case len(found) > 1:
		return nil, fmt.Errorf("%w: %d TokensLocked logs in one transaction", ErrMalformedEvent, len(found))
	}
	if found[0].DecodeErr != "" || found[0].Locked == nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedEvent, found[0].DecodeErr)
	}
	return found[0].Locked, nil
}
