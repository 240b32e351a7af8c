package workers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"pyusdbridge/bridge"
	"pyusdbridge/ledger"
	"pyusdbridge/metrics"
	"pyusdbridge/types"

	"go.uber.org/zap"
)

type LockSource interface {
	ChainID() int64
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLocks(ctx context.Context, from, to uint64) ([]types.DecodedLog, error)
}

type MintRequester interface {
	Handle(ctx context.Context, req types.BridgeRequest) bridge.Result
}

type LockScannerOpts struct {
	Chain        LockSource
	Cursor       ledger.BlockCursor
	Requests     MintRequester
	Interval     time.Duration
	BlockBatch   uint64
	SafetyWindow uint64
	StartBlock   uint64 // 0: start SafetyWindow blocks behind the head
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// LockScanner finds TokensLocked events on the source bridge and requests
// their mints through the same handler users call.
type LockScanner struct {
	chain      LockSource
	cursor     ledger.BlockCursor
	requests   MintRequester
	interval   time.Duration
	batch      uint64
	safety     uint64
	startBlock uint64
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewLockScanner(opts LockScannerOpts) *LockScanner {
	batch := opts.BlockBatch
	if batch == 0 {
		batch = 1
	}
	return &LockScanner{
		chain:      opts.Chain,
		cursor:     opts.Cursor,
		requests:   opts.Requests,
		interval:   opts.Interval,
		batch:      batch,
		safety:     opts.SafetyWindow,
		startBlock: opts.StartBlock,
		metrics:    opts.Metrics,
		logger:     opts.Logger.Named("lock-scanner"),
	}
}

func (s *LockScanner) Name() string { return "lock-scanner" }

func (s *LockScanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if err := s.scan(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Lock scan incomplete", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func floorSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// scan walks from the cursor, minus the safety window, up to the head. The
// cursor only moves past a batch once every lock in it got a settled answer.
func (s *LockScanner) scan(ctx context.Context) error {
	chainID := s.chain.ChainID()
	scanned, ok, err := s.cursor.GetScannedBlock(ctx, chainID)
	if err != nil {
		return fmt.Errorf("error getting last scanned block: %w", err)
	}
	latest, err := s.chain.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("error getting latest block: %w", err)
	}

	var from uint64
	switch {
	case ok:
		from = floorSub(scanned+1, s.safety)
	case s.startBlock > 0:
		from = s.startBlock
	default:
		from = floorSub(latest, s.safety)
	}

	for from <= latest {
		to := from + s.batch - 1
		if to > latest {
			to = latest
		}
		s.logger.Debug("Scanning blocks", zap.Uint64("from", from), zap.Uint64("to", to), zap.Uint64("latest", latest))

		logs, err := s.chain.FilterLocks(ctx, from, to)
		if err != nil {
			return fmt.Errorf("error filtering locks %d-%d: %w", from, to, err)
		}
		for _, l := range logs {
			if !s.request(ctx, l) {
				return fmt.Errorf("lock %s not settled yet, rescanning from %d", l.TxHash, from)
			}
		}

		if !ok || to > scanned {
			if err := s.cursor.SetScannedBlock(ctx, chainID, to); err != nil {
				return fmt.Errorf("error saving scanned block: %w", err)
			}
			scanned, ok = to, true
		}
		s.metrics.ScannedBlock.WithLabelValues(strconv.FormatInt(chainID, 10)).Set(float64(to))
		from = to + 1
	}
	return nil
}

// request hands one lock to the bridge. It reports false when the lock could
// not be checked yet, so the batch is scanned again. A lock that already has a
// ledger record counts as handled even while Pending: a stuck record belongs
// to the operator and the pending monitor flags it.
func (s *LockScanner) request(ctx context.Context, l types.DecodedLog) bool {
	logger := s.logger.With(zap.String("source_tx", l.TxHash), zap.Uint64("block", l.BlockNumber))
	if l.Locked == nil || l.DecodeErr != "" {
		logger.Warn("Skipping undecodable lock log", zap.String("error", l.DecodeErr))
		return true
	}

	res := s.requests.Handle(ctx, types.BridgeRequest{
		SourceTxHash:  l.TxHash,
		UserAddress:   l.Locked.User,
		ClaimedAmount: l.Locked.Amount.String(),
	})
	switch {
	case res.Response.Retryable && res.Record == nil:
		logger.Info("Lock not settled", zap.Int("code", res.Code), zap.String("reason", res.Response.Reason))
		return false
	case res.Record != nil && res.Record.Status == types.MintStatusPending:
		logger.Info("Lock already admitted, mint in progress", zap.Time("created", res.Record.CreatedAt))
	case res.Code == http.StatusOK:
		logger.Info("Lock minted", zap.String("destination_tx", res.Response.DestinationTxHash))
	default:
		logger.Warn("Lock not minted", zap.Int("code", res.Code), zap.String("reason", res.Response.Reason))
	}
	return true
}
