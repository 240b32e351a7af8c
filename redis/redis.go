package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"pyusdbridge/ledger"
	"pyusdbridge/types"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"
)

// record keys are also members of exactly one status set
var statusSets = map[types.MintStatus]string{
	types.MintStatusPending: "mintrecords:pending", // admitted, mint not settled yet
	types.MintStatusMinted:  "mintrecords:minted",  // destination mint confirmed
	types.MintStatusFailed:  "mintrecords:failed",  // terminal failure, needs operator reconciliation
}

const maxCASAttempts = 5

// insert the record only if the key is free and index it, in one step
var beginScript = redis.NewScript(2, `
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
	redis.call('SADD', KEYS[2], KEYS[1])
	return 1
end
return 0
`)

func timeoutDialOptions() []redis.DialOption {
	return []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(5 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
}

type Ledger struct {
	pool   *redis.Pool
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ ledger.Ledger      = (*Ledger)(nil)
	_ ledger.BlockCursor = (*Ledger)(nil)
)

func NewPool(addr string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 240 * time.Second,
		Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr, timeoutDialOptions()...) },
	}
}

// New connects to redis at addr and checks it answers; without persistence the bridge must not start.
func New(ctx context.Context, addr string, logger *zap.Logger) (*Ledger, error) {
	l := NewWithPool(NewPool(addr), logger)
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis %s: %w", addr, err)
	}
	defer conn.Close()
	if _, err := conn.Do("PING"); err != nil {
		return nil, fmt.Errorf("failed to ping redis %s: %w", addr, err)
	}
	return l, nil
}

func NewWithPool(pool *redis.Pool, logger *zap.Logger) *Ledger {
	return &Ledger{pool: pool, logger: logger.Named("ledger.redis"), now: time.Now}
}

func (l *Ledger) Close() error {
	return l.pool.Close()
}

func recordKey(hash string) string {
	return fmt.Sprintf("mintrecord:%s", hash)
}

func (l *Ledger) TryBeginProcessing(ctx context.Context, seed *types.MintRecord) (ledger.Admission, *types.MintRecord, error) {
	rec, err := ledger.NewPendingRecord(seed, l.now())
	if err != nil {
		return 0, nil, err
	}
	recJSON, err := json.Marshal(rec)
	if err != nil {
		return 0, nil, fmt.Errorf("cannot marshal mint record to JSON: %w", err)
	}

	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()

	key := recordKey(rec.SourceTxHash)
	inserted, err := redis.Int(beginScript.Do(conn, key, statusSets[types.MintStatusPending], recJSON))
	if err != nil {
		l.logger.Error("error Redis admission script", zap.String("key", key), zap.Error(err))
		return 0, nil, err
	}
	if inserted == 1 {
		return ledger.Admitted, rec, nil
	}

	existing, err := getRecord(conn, key)
	if err != nil {
		return 0, nil, err
	}
	return ledger.Classify(existing), existing, nil
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

// transition is an optimistic check-and-set: the record key is watched, so a
// concurrent writer aborts our EXEC and we re-read.
func (l *Ledger) transition(ctx context.Context, sourceTxHash string, apply func(*types.MintRecord) (*types.MintRecord, error)) (*types.MintRecord, error) {
	hash, err := types.NormalizeTxHash(sourceTxHash)
	if err != nil {
		return nil, err
	}
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	key := recordKey(hash)
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		if _, err := conn.Do("WATCH", key); err != nil {
			return nil, err
		}
		cur, err := getRecord(conn, key)
		if err != nil {
			conn.Do("UNWATCH")
			return nil, err
		}
		next, err := apply(cur)
		if err != nil {
			conn.Do("UNWATCH")
			return nil, err
		}
		nextJSON, err := json.Marshal(next)
		if err != nil {
			conn.Do("UNWATCH")
			return nil, fmt.Errorf("cannot marshal mint record to JSON: %w", err)
		}

		conn.Send("MULTI")
		conn.Send("SET", key, nextJSON)
		conn.Send("SREM", statusSets[cur.Status], key)
		conn.Send("SADD", statusSets[next.Status], key)
		_, err = redis.Values(conn.Do("EXEC"))
		if errors.Is(err, redis.ErrNil) {
			l.logger.Debug("mint record changed during transition, retrying", zap.String("key", key))
			continue
		}
		if err != nil {
			l.logger.Error("error Redis EXEC", zap.String("key", key), zap.Error(err))
			return nil, err
		}
		return next, nil
	}
	return nil, fmt.Errorf("too much contention updating %s", key)
}

func (l *Ledger) Get(ctx context.Context, sourceTxHash string) (*types.MintRecord, error) {
	hash, err := types.NormalizeTxHash(sourceTxHash)
	if err != nil {
		return nil, err
	}
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return getRecord(conn, recordKey(hash))
}

func getRecord(conn redis.Conn, key string) (*types.MintRecord, error) {
	raw, err := redis.Bytes(conn.Do("GET", key))
	if errors.Is(err, redis.ErrNil) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, key)
	}
	if err != nil {
		return nil, err
	}
	var rec types.MintRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("cannot unmarshal mint record %s: %w", key, err)
	}
	return &rec, nil
}

func (l *Ledger) ListByStatus(ctx context.Context, status types.MintStatus) ([]*types.MintRecord, error) {
	set, ok := statusSets[status]
	if !ok {
		return nil, fmt.Errorf("unknown mint status %q", status)
	}
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	records := make([]*types.MintRecord, 0)
	var cursor int64
	for {
		values, err := redis.Values(conn.Do("SSCAN", set, cursor))
		if err != nil {
			return nil, err
		}
		var keys []string
		if _, err := redis.Scan(values, &cursor, &keys); err != nil {
			return nil, err
		}

		for _, key := range keys {
			rec, err := getRecord(conn, key)
			if errors.Is(err, ledger.ErrNotFound) {
				l.logger.Warn("status set points to a missing record", zap.String("key", key))
				continue
			}
			if err != nil {
				return nil, err
			}
			// a record sits in the old set only until its EXEC lands
			if rec.Status == status {
				records = append(records, rec)
			}
		}

		if cursor == 0 {
			break
		}
	}
	return records, nil
}

func (l *Ledger) GetScannedBlock(ctx context.Context, chainID int64) (uint64, bool, error) {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return 0, false, err
	}
	defer conn.Close()

	block, err := redis.Uint64(conn.Do("GET", fmt.Sprintf("chainBlockScanned:%d", chainID)))
	if errors.Is(err, redis.ErrNil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return block, true, nil
}

func (l *Ledger) SetScannedBlock(ctx context.Context, chainID int64, block uint64) error {
	conn, err := l.pool.GetContext(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	_, err = conn.Do("SET", fmt.Sprintf("chainBlockScanned:%d", chainID), block)
	return err
}
