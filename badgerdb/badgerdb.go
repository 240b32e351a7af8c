// Package badgerdb is an embedded ledger for single-node deployments and tests.
package badgerdb

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"pyusdbridge/ledger"
	"pyusdbridge/types"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	recordPrefix   = "mint/"
	cursorPrefix   = "cursor/"
	maxTxnAttempts = 10
)

type Ledger struct {
	db     *badger.DB
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ ledger.Ledger      = (*Ledger)(nil)
	_ ledger.BlockCursor = (*Ledger)(nil)
)

// badgerLogger routes badger's own logging into zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.Warnf(format, args...)
}

// Open opens the store at path; an empty path keeps everything in memory.
func Open(path string, logger *zap.Logger) (*Ledger, error) {
	logger = logger.Named("ledger.badger")
	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{logger.Sugar()}).
		WithLoggingLevel(badger.WARNING)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", path, err)
	}
	return &Ledger{db: db, logger: logger, now: time.Now}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func recordKey(hash string) []byte {
	return []byte(recordPrefix + hash)
}

func cursorKey(chainID int64) []byte {
	return []byte(fmt.Sprintf("%s%d", cursorPrefix, chainID))
}

// update retries fn while badger reports a conflicting concurrent commit.
func (l *Ledger) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; attempt < maxTxnAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := l.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		l.logger.Debug("badger transaction conflict, retrying", zap.Int("attempt", attempt+1))
	}
	return fmt.Errorf("too much contention: %w", badger.ErrConflict)
}

func readRecord(txn *badger.Txn, key []byte) (*types.MintRecord, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, key[len(recordPrefix):])
	}
	if err != nil {
		return nil, err
	}
	var rec types.MintRecord
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("cannot unmarshal mint record %s: %w", key, err)
	}
	return &rec, nil
}

func writeRecord(txn *badger.Txn, rec *types.MintRecord) error {
	val, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("cannot marshal mint record to JSON: %w", err)
	}
	return txn.Set(recordKey(rec.SourceTxHash), val)
}

func (l *Ledger) TryBeginProcessing(ctx context.Context, seed *types.MintRecord) (ledger.Admission, *types.MintRecord, error) {
	rec, err := ledger.NewPendingRecord(seed, l.now())
	if err != nil {
		return 0, nil, err
	}

	var (
		admission ledger.Admission
		result    *types.MintRecord
	)
	err = l.update(ctx, func(txn *badger.Txn) error {
		existing, err := readRecord(txn, recordKey(rec.SourceTxHash))
		switch {
		case err == nil:
			admission, result = ledger.Classify(existing), existing
			return nil
		case errors.Is(err, ledger.ErrNotFound):
			admission, result = ledger.Admitted, rec
			return writeRecord(txn, rec)
		default:
			return err
		}
	})
	if err != nil {
		return 0, nil, err
	}
	return admission, result, nil
}

func (l *Ledger) MarkMinted(ctx context.Context, sourceTxHash, destinationTxHash string, mintedAmount *big.Int) (*types.MintRecord, error) {
	return l.transition(ctx, sourceTxHash, func(cur *types.MintRecord) (*types.MintRecord, error) {
		return ledger.ApplyMinted(cur, destinationTxHash, mintedAmount, l.now())
	})
}

func (l *Ledger) MarkFailed(ctx context.Context, sourceTxHash, reason string) (*types.MintRecord, error) {
	return l.transition(ctx, sourceTxHash, func(cur *types.MintRecord) (*types.MintRecord, error) {
		return ledger.ApplyFailed(cur, reason, l.now())
	})
}

func (l *Ledger) transition(ctx context.Context, sourceTxHash string, apply func(*types.MintRecord) (*types.MintRecord, error)) (*types.MintRecord, error) {
	hash, err := types.NormalizeTxHash(sourceTxHash)
	if err != nil {
		return nil, err
	}
	var next *types.MintRecord
	err = l.update(ctx, func(txn *badger.Txn) error {
		cur, err := readRecord(txn, recordKey(hash))
		if err != nil {
			return err
		}
		if next, err = apply(cur); err != nil {
			return err
		}
		return writeRecord(txn, next)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func (l *Ledger) Get(ctx context.Context, sourceTxHash string) (*types.MintRecord, error) {
	hash, err := types.NormalizeTxHash(sourceTxHash)
	if err != nil {
		return nil, err
	}
	var rec *types.MintRecord
	err = l.db.View(func(txn *badger.Txn) error {
		rec, err = readRecord(txn, recordKey(hash))
		return err
	})
	return rec, err
}

// ListByStatus walks every record; the embedded store is sized for a single operator.
func (l *Ledger) ListByStatus(ctx context.Context, status types.MintStatus) ([]*types.MintRecord, error) {
	records := make([]*types.MintRecord, 0)
	err := l.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(recordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec types.MintRecord
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("cannot unmarshal mint record %s: %w", it.Item().Key(), err)
			}
			if rec.Status == status {
				records = append(records, &rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (l *Ledger) GetScannedBlock(ctx context.Context, chainID int64) (uint64, bool, error) {
	var (
		block uint64
		found bool
	)
	err := l.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(cursorKey(chainID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) != 8 {
				return fmt.Errorf("corrupt scan cursor for chain %d", chainID)
			}
			block, found = binary.BigEndian.Uint64(val), true
			return nil
		})
	})
	return block, found, err
}

func (l *Ledger) SetScannedBlock(ctx context.Context, chainID int64, block uint64) error {
	return l.update(ctx, func(txn *badger.Txn) error {
		return txn.Set(cursorKey(chainID), binary.BigEndian.AppendUint64(nil, block))
	})
}
