// Package coordinator turns a verified lock into a destination-chain mint,
// at most once per source transaction.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"pyusdbridge/EVMRPC"
	"pyusdbridge/ledger"
	"pyusdbridge/metrics"
	"pyusdbridge/types"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrProcessingInProgress        = errors.New("processing in progress")
	ErrInsufficientBridgeLiquidity = errors.New("insufficient bridge liquidity")
	ErrMintSubmissionFailed        = errors.New("mint submission failed")
	ErrAlreadyMintedOnChain        = errors.New("already processed on destination chain")
	ErrAmountOutOfLimits           = errors.New("amount outside bridge limits")
)

// DestinationChain is the part of the destination ChainClient a mint needs.
type DestinationChain interface {
	ChainID() int64
	BridgeInfo(ctx context.Context) (*EVMRPC.BridgeInfo, error)
	BridgeLiquidity(ctx context.Context) (*big.Int, error)
	IsProcessed(ctx context.Context, key [32]byte) (bool, error)
	SubmitMint(ctx context.Context, signer *bind.TransactOpts, user common.Address, amount *big.Int, key [32]byte) (string, error)
	WaitForConfirmation(ctx context.Context, txHash string, required uint64, timeout time.Duration) (*types.Receipt, error)
}

type Coordinator struct {
	ledger  ledger.Ledger
	chain   DestinationChain
	signer  *bind.TransactOpts
	guard   *SubmitGuard
	metrics *metrics.Metrics
	logger  *zap.Logger

	feeBasisPoints    int64
	minAmount         *big.Int
	maxAmount         *big.Int
	submitTimeout     time.Duration
	mintConfirmations uint64
}

type Opts struct {
	Ledger  ledger.Ledger
	Chain   DestinationChain
	Signer  *bind.TransactOpts
	Guard   *SubmitGuard // nil: private guard
	Metrics *metrics.Metrics
	Logger  *zap.Logger

	FeeBasisPoints    int64
	MinAmount         *big.Int // nil: no lower bound
	MaxAmount         *big.Int // nil: no upper bound
	SubmitTimeout     time.Duration
	MintConfirmations uint64
}

func New(opts Opts) *Coordinator {
	guard := opts.Guard
	if guard == nil {
		guard = NewSubmitGuard()
	}
	return &Coordinator{
		ledger:            opts.Ledger,
		chain:             opts.Chain,
		signer:            opts.Signer,
		guard:             guard,
		metrics:           opts.Metrics,
		logger:            opts.Logger.Named("coordinator"),
		feeBasisPoints:    opts.FeeBasisPoints,
		minAmount:         opts.MinAmount,
		maxAmount:         opts.MaxAmount,
		submitTimeout:     opts.SubmitTimeout,
		mintConfirmations: opts.MintConfirmations,
	}
}

func (c *Coordinator) FeeBasisPoints() int64 {
	return c.feeBasisPoints
}

// ProcessLock mints for ev unless its source transaction was already admitted.
//
// A terminal record is returned as is. A failed attempt returns the Failed
// record together with the error; it is never retried automatically, since
// the mint may have landed even when its confirmation was lost.
func (c *Coordinator) ProcessLock(ctx context.Context, ev *types.LockEvent) (*types.MintRecord, error) {
	seed := &types.MintRecord{
		SourceTxHash:       ev.SourceTxHash,
		SourceChainID:      ev.SourceChainID,
		DestinationChainID: c.chain.ChainID(),
		DestinationAccount: ev.DestinationAccount,
		LockedAmount:       ev.LockedAmount,
	}
	admission, rec, err := c.ledger.TryBeginProcessing(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("ledger admission for %s: %w", ev.SourceTxHash, err)
	}
	c.metrics.Admissions.WithLabelValues(admission.String()).Inc()

	switch admission {
	case ledger.AlreadyFinal:
		c.logger.Debug("Replaying settled record", zap.String("source_tx", rec.SourceTxHash), zap.String("status", string(rec.Status)))
		return rec, nil
	case ledger.AlreadyProcessing:
		return rec, fmt.Errorf("%w: %s", ErrProcessingInProgress, rec.SourceTxHash)
	}

	started := time.Now()
	attempt := uuid.NewString()
	logger := c.logger.With(zap.String("source_tx", rec.SourceTxHash), zap.String("attempt", attempt))

	// Past admission the caller going away must not decide the outcome: only
	// the submission timeout or a settled receipt does.
	settleCtx := context.WithoutCancel(ctx)
	workCtx, cancel := context.WithTimeout(settleCtx, c.submitTimeout)
	defer cancel()

	minted := MintAmount(ev.LockedAmount, c.feeBasisPoints)
	if err := c.checkLimits(ev.LockedAmount, minted); err != nil {
		return c.fail(settleCtx, logger, rec.SourceTxHash, started, err.Error(), err)
	}

	key := EVMRPC.ProcessedKey(rec.SourceTxHash)
	processed, err := c.chain.IsProcessed(workCtx, key)
	if err != nil {
		return c.fail(settleCtx, logger, rec.SourceTxHash, started, "processed check failed: "+err.Error(), err)
	}
	if processed {
		return c.fail(settleCtx, logger, rec.SourceTxHash, started, ErrAlreadyMintedOnChain.Error(), ErrAlreadyMintedOnChain)
	}

	if reason, err := c.checkLiquidity(workCtx, minted); err != nil {
		return c.fail(settleCtx, logger, rec.SourceTxHash, started, reason, err)
	}

	release, err := c.guard.Acquire(workCtx, c.chain.ChainID(), c.signer.From)
	if err != nil {
		return c.fail(settleCtx, logger, rec.SourceTxHash, started, "timed out before submission: "+err.Error(), err)
	}
	defer release()

	user := common.HexToAddress(ev.DestinationAccount)
	logger.Info("Submitting mint",
		zap.String("to", user.Hex()),
		zap.String("locked", ev.LockedAmount.String()),
		zap.String("minted", minted.String()))

	txHash, err := c.chain.SubmitMint(workCtx, c.signer, user, minted, key)
	if err != nil {
		return c.fail(settleCtx, logger, rec.SourceTxHash, started,
			"mint submission: "+err.Error(), fmt.Errorf("%w: %w", ErrMintSubmissionFailed, err))
	}

	if _, err := c.chain.WaitForConfirmation(workCtx, txHash, c.mintConfirmations, c.submitTimeout); err != nil {
		return c.fail(settleCtx, logger, rec.SourceTxHash, started,
			fmt.Sprintf("mint tx %s: %v", txHash, err), fmt.Errorf("%w: %w", ErrMintSubmissionFailed, err))
	}

	final, err := c.ledger.MarkMinted(settleCtx, rec.SourceTxHash, txHash, minted)
	if err != nil {
		c.fatal(logger, "markMinted", err)
		return nil, err
	}
	c.metrics.ObserveMint("minted", started)
	logger.Info("Mint confirmed", zap.String("destination_tx", txHash), zap.Duration("took", time.Since(started)))
	return final, nil
}

func (c *Coordinator) checkLimits(locked, minted *big.Int) error {
	if c.minAmount != nil && locked.Cmp(c.minAmount) < 0 {
		return fmt.Errorf("%w: %s is below minimum %s", ErrAmountOutOfLimits, locked, c.minAmount)
	}
	if c.maxAmount != nil && locked.Cmp(c.maxAmount) > 0 {
		return fmt.Errorf("%w: %s is above maximum %s", ErrAmountOutOfLimits, locked, c.maxAmount)
	}
	if minted.Sign() <= 0 {
		return fmt.Errorf("%w: nothing left to mint after fee", ErrAmountOutOfLimits)
	}
	return nil
}

// checkLiquidity requires an active bridge holding at least amount of the
// wrapped token. It returns the reason to store; an RPC error is returned as
// is so an outage is not mistaken for a shortfall.
func (c *Coordinator) checkLiquidity(ctx context.Context, amount *big.Int) (string, error) {
	info, err := c.chain.BridgeInfo(ctx)
	if err != nil {
		return "liquidity check rpc failure: bridge info: " + err.Error(), fmt.Errorf("bridge info: %w", err)
	}
	if !info.IsActive {
		err := fmt.Errorf("%w: destination bridge is paused", ErrInsufficientBridgeLiquidity)
		return err.Error(), err
	}
	balance, err := c.chain.BridgeLiquidity(ctx)
	if err != nil {
		return "liquidity check rpc failure: bridge balance: " + err.Error(), fmt.Errorf("bridge balance: %w", err)
	}
	if balance.Cmp(amount) < 0 {
		err := fmt.Errorf("%w: bridge holds %s, mint needs %s", ErrInsufficientBridgeLiquidity, balance, amount)
		return err.Error(), err
	}
	return "", nil
}

// fail settles the record as Failed and returns it with cause.
func (c *Coordinator) fail(ctx context.Context, logger *zap.Logger, hash string, started time.Time, reason string, cause error) (*types.MintRecord, error) {
	logger.Error("Mint failed", zap.String("reason", reason), zap.Error(cause))
	rec, err := c.ledger.MarkFailed(ctx, hash, reason)
	if err != nil {
		c.fatal(logger, "markFailed", err)
		return nil, errors.Join(cause, err)
	}
	c.metrics.ObserveMint("failed", started)
	return rec, cause
}

// fatal reports a ledger write that must not fail under correct use.
func (c *Coordinator) fatal(logger *zap.Logger, op string, err error) {
	if errors.Is(err, ledger.ErrInvalidTransition) {
		c.metrics.FatalErrors.Inc()
		logger.DPanic("Ledger consistency violated, manual inspection required", zap.String("op", op), zap.Error(err))
		return
	}
	logger.Error("Ledger write failed, record left pending", zap.String("op", op), zap.Error(err))
}
