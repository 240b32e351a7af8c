package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"time"

	"pyusdbridge/ledger"
	"pyusdbridge/types"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	"go.uber.org/zap"
)

const schema = `
CREATE TABLE IF NOT EXISTS mint_records (
	source_tx_hash       TEXT PRIMARY KEY,
	status               TEXT NOT NULL CHECK (status IN ('pending', 'minted', 'failed')),
	source_chain_id      BIGINT NOT NULL,
	destination_chain_id BIGINT NOT NULL,
	destination_account  TEXT NOT NULL,
	locked_amount        NUMERIC(78, 0),
	minted_amount        NUMERIC(78, 0),
	destination_tx_hash  TEXT,
	failure_reason       TEXT,
	created_at           TIMESTAMPTZ NOT NULL,
	updated_at           TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS mint_records_status_idx ON mint_records (status, created_at);

CREATE TABLE IF NOT EXISTS scan_cursors (
	chain_id BIGINT PRIMARY KEY,
	block    BIGINT NOT NULL
);
`

type row struct {
	SourceTxHash       string         `db:"source_tx_hash"`
	Status             string         `db:"status"`
	SourceChainID      int64          `db:"source_chain_id"`
	DestinationChainID int64          `db:"destination_chain_id"`
	DestinationAccount string         `db:"destination_account"`
	LockedAmount       sql.NullString `db:"locked_amount"`
	MintedAmount       sql.NullString `db:"minted_amount"`
	DestinationTxHash  sql.NullString `db:"destination_tx_hash"`
	FailureReason      sql.NullString `db:"failure_reason"`
	CreatedAt          time.Time      `db:"created_at"`
	UpdatedAt          time.Time      `db:"updated_at"`
}

func toRow(r *types.MintRecord) row {
	return row{
		SourceTxHash:       r.SourceTxHash,
		Status:             string(r.Status),
		SourceChainID:      r.SourceChainID,
		DestinationChainID: r.DestinationChainID,
		DestinationAccount: r.DestinationAccount,
		LockedAmount:       nullBig(r.LockedAmount),
		MintedAmount:       nullBig(r.MintedAmount),
		DestinationTxHash:  nullString(r.DestinationTxHash),
		FailureReason:      nullString(r.FailureReason),
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
}

func (r row) record() (*types.MintRecord, error) {
	rec := &types.MintRecord{
		SourceTxHash:       r.SourceTxHash,
		Status:             types.MintStatus(r.Status),
		SourceChainID:      r.SourceChainID,
		DestinationChainID: r.DestinationChainID,
		DestinationAccount: r.DestinationAccount,
		DestinationTxHash:  r.DestinationTxHash.String,
		FailureReason:      r.FailureReason.String,
		CreatedAt:          r.CreatedAt.UTC(),
		UpdatedAt:          r.UpdatedAt.UTC(),
	}
	var err error
	if rec.LockedAmount, err = parseBig(r.LockedAmount); err != nil {
		return nil, fmt.Errorf("locked_amount of %s: %w", r.SourceTxHash, err)
	}
	if rec.MintedAmount, err = parseBig(r.MintedAmount); err != nil {
		return nil, fmt.Errorf("minted_amount of %s: %w", r.SourceTxHash, err)
	}
	return rec, nil
}

func nullBig(v *big.Int) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: v.String(), Valid: true}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func parseBig(v sql.NullString) (*big.Int, error) {
	if !v.Valid {
		return nil, nil
	}
	n, ok := new(big.Int).SetString(v.String, 10)
	if !ok {
		return nil, fmt.Errorf("not an integer: %q", v.String)
	}
	return n, nil
}

type Ledger struct {
	db     *sqlx.DB
	logger *zap.Logger
	now    func() time.Time
}

var (
	_ ledger.Ledger      = (*Ledger)(nil)
	_ ledger.BlockCursor = (*Ledger)(nil)
)

// Connect opens the pool, checks the connection and creates the schema.
func Connect(ctx context.Context, dsn string, logger *zap.Logger) (*Ledger, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute migration: %w", err)
	}
	return &Ledger{db: db, logger: logger.Named("ledger.postgres"), now: time.Now}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

const insertRecord = `
INSERT INTO mint_records (
	source_tx_hash, status, source_chain_id, destination_chain_id, destination_account,
	locked_amount, minted_amount, destination_tx_hash, failure_reason, created_at, updated_at
) VALUES (
	:source_tx_hash, :status, :source_chain_id, :destination_chain_id, :destination_account,
	:locked_amount, :minted_amount, :destination_tx_hash, :failure_reason, :created_at, :updated_at
)
ON CONFLICT (source_tx_hash) DO NOTHING`

func (l *Ledger) TryBeginProcessing(ctx context.Context, seed *types.MintRecord) (ledger.Admission, *types.MintRecord, error) {
	rec, err := ledger.NewPendingRecord(seed, l.now())
	if err != nil {
		return 0, nil, err
	}

	res, err := l.db.NamedExecContext(ctx, insertRecord, toRow(rec))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to insert mint record: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return 0, nil, err
	}
	if inserted == 1 {
		return ledger.Admitted, rec, nil
	}

	existing, err := l.get(ctx, l.db, rec.SourceTxHash, false)
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

const updateRecord = `
UPDATE mint_records SET
	status = :status,
	minted_amount = :minted_amount,
	destination_tx_hash = :destination_tx_hash,
	failure_reason = :failure_reason,
	updated_at = :updated_at
WHERE source_tx_hash = :source_tx_hash`

// transition locks the row for the duration of the check and the update.
func (l *Ledger) transition(ctx context.Context, sourceTxHash string, apply func(*types.MintRecord) (*types.MintRecord, error)) (*types.MintRecord, error) {
	hash, err := types.NormalizeTxHash(sourceTxHash)
	if err != nil {
		return nil, err
	}

	tx, err := l.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	cur, err := l.get(ctx, tx, hash, true)
	if err != nil {
		return nil, err
	}
	next, err := apply(cur)
	if err != nil {
		return nil, err
	}
	if _, err := tx.NamedExecContext(ctx, updateRecord, toRow(next)); err != nil {
		return nil, fmt.Errorf("failed to update mint record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}

func (l *Ledger) Get(ctx context.Context, sourceTxHash string) (*types.MintRecord, error) {
	hash, err := types.NormalizeTxHash(sourceTxHash)
	if err != nil {
		return nil, err
	}
	return l.get(ctx, l.db, hash, false)
}

func (l *Ledger) get(ctx context.Context, q sqlx.QueryerContext, hash string, forUpdate bool) (*types.MintRecord, error) {
	query := `SELECT * FROM mint_records WHERE source_tx_hash = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var r row
	err := sqlx.GetContext(ctx, q, &r, query, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mint record: %w", err)
	}
	return r.record()
}

func (l *Ledger) ListByStatus(ctx context.Context, status types.MintStatus) ([]*types.MintRecord, error) {
	var rows []row
	err := l.db.SelectContext(ctx, &rows,
		`SELECT * FROM mint_records WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list mint records: %w", err)
	}
	records := make([]*types.MintRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *Ledger) GetScannedBlock(ctx context.Context, chainID int64) (uint64, bool, error) {
	var block int64
	err := l.db.GetContext(ctx, &block, `SELECT block FROM scan_cursors WHERE chain_id = $1`, chainID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get scan cursor: %w", err)
	}
	return uint64(block), true, nil
}

func (l *Ledger) SetScannedBlock(ctx context.Context, chainID int64, block uint64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO scan_cursors (chain_id, block) VALUES ($1, $2)
		ON CONFLICT (chain_id) DO UPDATE SET block = EXCLUDED.block`, chainID, int64(block))
	if err != nil {
		return fmt.Errorf("failed to set scan cursor: %w", err)
	}
	return nil
}
