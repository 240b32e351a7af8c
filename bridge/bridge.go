// Package bridge is the externally facing entry point: it validates a mint
// request, verifies the lock and hands it to the coordinator, and maps every
// outcome to a response the client can act on.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"pyusdbridge/EVMRPC"
	"pyusdbridge/coordinator"
	"pyusdbridge/ledger"
	"pyusdbridge/metrics"
	"pyusdbridge/types"
	"pyusdbridge/verifier"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrAmountMismatch = errors.New("claimed amount does not match locked amount")
)

type LockVerifier interface {
	Verify(ctx context.Context, sourceTxHash string) (*types.LockEvent, error)
}

type MintCoordinator interface {
	ProcessLock(ctx context.Context, ev *types.LockEvent) (*types.MintRecord, error)
}

type RecordReader interface {
	Get(ctx context.Context, sourceTxHash string) (*types.MintRecord, error)
}

// Result is a handled request: the response body, its HTTP status, and the
// ledger record when one exists.
type Result struct {
	Code     int
	Response types.BridgeResponse
	Record   *types.MintRecord
	Err      error
}

type Handler struct {
	verifier    LockVerifier
	coordinator MintCoordinator
	records     RecordReader
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

func NewHandler(v LockVerifier, c MintCoordinator, records RecordReader, m *metrics.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		verifier:    v,
		coordinator: c,
		records:     records,
		metrics:     m,
		logger:      logger.Named("bridge"),
	}
}

func validate(req types.BridgeRequest) (hash string, claimed *big.Int, err error) {
	hash, err = types.NormalizeTxHash(req.SourceTxHash)
	if err != nil {
		return "", nil, fmt.Errorf("%w: sourceTxHash must be a 32-byte 0x hex string", ErrInvalidRequest)
	}
	if !common.IsHexAddress(req.UserAddress) {
		return "", nil, fmt.Errorf("%w: userAddress is not an address", ErrInvalidRequest)
	}
	if err := ethav.Validate(common.HexToAddress(req.UserAddress).Hex()); err != nil {
		return "", nil, fmt.Errorf("%w: userAddress: %v", ErrInvalidRequest, err)
	}
	claimed, ok := new(big.Int).SetString(strings.TrimSpace(req.ClaimedAmount), 10)
	if !ok || claimed.Sign() <= 0 {
		return "", nil, fmt.Errorf("%w: claimedAmount must be a positive integer in smallest units", ErrInvalidRequest)
	}
	return hash, claimed, nil
}

// Handle runs one mint request end to end. It is safe to call repeatedly and
// concurrently for the same hash; the ledger admits only one of them.
func (h *Handler) Handle(ctx context.Context, req types.BridgeRequest) Result {
	hash, claimed, err := validate(req)
	if err != nil {
		return h.errorResult(req.SourceTxHash, nil, err)
	}
	logger := h.logger.With(zap.String("source_tx", hash))

	// a known record answers without touching the chain
	rec, err := h.records.Get(ctx, hash)
	switch {
	case err == nil:
		return recordResult(rec)
	case !errors.Is(err, ledger.ErrNotFound):
		logger.Error("Ledger lookup failed", zap.Error(err))
		return h.errorResult(hash, nil, err)
	}

	ev, err := h.verifier.Verify(ctx, hash)
	if err != nil {
		if !verifier.IsRetryable(err) {
			logger.Warn("Lock rejected", zap.Error(err))
		}
		return h.errorResult(hash, nil, err)
	}

	if ev.LockedAmount.Cmp(claimed) != 0 {
		err := fmt.Errorf("%w: claimed %s, locked %s", ErrAmountMismatch, claimed, ev.LockedAmount)
		logger.Warn("Lock rejected", zap.Error(err))
		return h.errorResult(hash, nil, err)
	}

	rec, err = h.coordinator.ProcessLock(ctx, ev)
	if err != nil {
		return h.errorResult(hash, rec, err)
	}
	return recordResult(rec)
}

// Status reports what the ledger knows about hash. Without a record it only
// verifies the lock and returns what a mint request needs; a GET never
// starts a mint.
func (h *Handler) Status(ctx context.Context, sourceTxHash string) Result {
	hash, err := types.NormalizeTxHash(sourceTxHash)
	if err != nil {
		return h.errorResult(sourceTxHash, nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err))
	}
	rec, err := h.records.Get(ctx, hash)
	if err == nil {
		return recordResult(rec)
	}
	if !errors.Is(err, ledger.ErrNotFound) {
		return h.errorResult(hash, nil, err)
	}

	ev, err := h.verifier.Verify(ctx, hash)
	if err != nil {
		return h.errorResult(hash, nil, err)
	}
	return Result{
		Code: http.StatusAccepted,
		Response: types.BridgeResponse{
			Status:       types.ResponsePending,
			SourceTxHash: hash,
			Reason:       "lock verified, mint not requested yet",
			Retryable:    true,
			LockedAmount: ev.LockedAmount.String(),
			UserAddress:  ev.SourceAccount,
		},
	}
}

func recordResult(rec *types.MintRecord) Result {
	resp := types.BridgeResponse{SourceTxHash: rec.SourceTxHash}
	res := Result{Record: rec}
	switch rec.Status {
	case types.MintStatusMinted:
		res.Code = http.StatusOK
		resp.Status = types.ResponseMinted
		resp.DestinationTxHash = rec.DestinationTxHash
		if rec.MintedAmount != nil {
			resp.MintedAmount = rec.MintedAmount.String()
		}
	case types.MintStatusFailed:
		res.Code = http.StatusConflict
		resp.Status = types.ResponseFailed
		resp.Reason = rec.FailureReason
		resp.Reference = rec.SourceTxHash
	default:
		res.Code = http.StatusAccepted
		resp.Status = types.ResponsePending
		resp.Reason = "mint in progress"
		resp.Retryable = true
	}
	res.Response = resp
	return res
}

// errorResult maps err onto the retryable, permanent, fatal and ambiguous
// classes. rec is the Failed record the coordinator settled, if any.
func (h *Handler) errorResult(hash string, rec *types.MintRecord, err error) Result {
	res := Result{
		Record: rec,
		Err:    err,
		Response: types.BridgeResponse{
			Status:       types.ResponseFailed,
			SourceTxHash: hash,
			Reason:       err.Error(),
		},
	}
	if rec != nil && rec.Status == types.MintStatusFailed {
		res.Response.Reference = rec.SourceTxHash
	}

	switch {
	case errors.Is(err, ledger.ErrInvalidTransition):
		res.Code = http.StatusInternalServerError
		res.Response.Reason = "internal consistency error, contact support"
		res.Response.Reference = hash

	case errors.Is(err, ErrInvalidRequest), errors.Is(err, types.ErrInvalidTxHash):
		res.Code = http.StatusBadRequest

	case errors.Is(err, coordinator.ErrProcessingInProgress),
		errors.Is(err, verifier.ErrTransactionNotFound),
		errors.Is(err, verifier.ErrInsufficientConfirmations):
		res.Code = http.StatusAccepted
		res.Response.Status = types.ResponsePending
		res.Response.Retryable = true

	case errors.Is(err, EVMRPC.ErrRpcUnavailable) && rec == nil:
		res.Code = http.StatusServiceUnavailable
		res.Response.Status = types.ResponsePending
		res.Response.Retryable = true

	case errors.Is(err, ErrAmountMismatch),
		errors.Is(err, verifier.ErrTransactionReverted),
		errors.Is(err, verifier.ErrMalformedEvent),
		errors.Is(err, verifier.ErrWrongDestination):
		res.Code = http.StatusUnprocessableEntity
		h.metrics.VerifyRejection.WithLabelValues(rejectionLabel(err)).Inc()

	case errors.Is(err, coordinator.ErrInsufficientBridgeLiquidity):
		res.Code = http.StatusServiceUnavailable

	case rec != nil && rec.Status == types.MintStatusFailed:
		res.Code = http.StatusConflict
		res.Response.Reason = rec.FailureReason

	default:
		res.Code = http.StatusInternalServerError
		res.Response.Reason = "internal error"
		res.Response.Reference = hash
		res.Response.Retryable = true
		h.logger.Error("Unclassified bridge error", zap.String("source_tx", hash), zap.Error(err))
	}
	return res
}

func rejectionLabel(err error) string {
	switch {
	case errors.Is(err, ErrAmountMismatch):
		return "amount_mismatch"
	case errors.Is(err, verifier.ErrTransactionReverted):
		return "reverted"
	case errors.Is(err, verifier.ErrWrongDestination):
		return "wrong_destination"
	default:
		return "malformed_event"
	}
}
