package workers

import (
	"context"
	"time"

	"pyusdbridge/metrics"
	"pyusdbridge/types"

	"go.uber.org/zap"
)

type RecordLister interface {
	ListByStatus(ctx context.Context, status types.MintStatus) ([]*types.MintRecord, error)
}

// PendingMonitor flags Pending records older than maxAge. It never changes a
// record: a stale Pending may still have a mint in flight, so it is left to
// an operator.
type PendingMonitor struct {
	records  RecordLister
	interval time.Duration
	maxAge   time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

func NewPendingMonitor(records RecordLister, interval, maxAge time.Duration, m *metrics.Metrics, logger *zap.Logger) *PendingMonitor {
	return &PendingMonitor{
		records:  records,
		interval: interval,
		maxAge:   maxAge,
		metrics:  m,
		logger:   logger.Named("pending-monitor"),
		now:      time.Now,
	}
}

func (p *PendingMonitor) Name() string { return "pending-monitor" }

func (p *PendingMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if _, err := p.check(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("Error listing pending mint records", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *PendingMonitor) check(ctx context.Context) (int, error) {
	pending, err := p.records.ListByStatus(ctx, types.MintStatusPending)
	if err != nil {
		return 0, err
	}
	now := p.now()
	stale := 0
	for _, rec := range pending {
		age := now.Sub(rec.CreatedAt)
		if age <= p.maxAge {
			continue
		}
		stale++
		p.logger.Warn("Mint record pending too long, manual reconciliation needed",
			zap.String("source_tx", rec.SourceTxHash),
			zap.String("destination", rec.DestinationAccount),
			zap.Duration("age", age))
	}
	p.metrics.StalePending.Set(float64(stale))
	return stale, nil
}
