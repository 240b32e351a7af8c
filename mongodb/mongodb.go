package mongodb

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"pyusdbridge/ledger"
	"pyusdbridge/types"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	recordsCollection = "mint_records"
	cursorsCollection = "last_scanned_block"

	defaultTimeout = 10 * time.Second
	maxCASAttempts = 5
)

type recordDoc struct {
	SourceTxHash       string    `bson:"_id"`
	Status             string    `bson:"status"`
	SourceChainID      int64     `bson:"source_chain_id"`
	DestinationChainID int64     `bson:"destination_chain_id"`
	DestinationAccount string    `bson:"destination_account"`
	LockedAmount       string    `bson:"locked_amount,omitempty"`
	MintedAmount       string    `bson:"minted_amount,omitempty"`
	DestinationTxHash  string    `bson:"destination_tx_hash,omitempty"`
	FailureReason      string    `bson:"failure_reason,omitempty"`
	CreatedAt          time.Time `bson:"created_at"`
	UpdatedAt          time.Time `bson:"updated_at"`
}

type cursorDoc struct {
	ChainID     int64 `bson:"_id"`
	BlockNumber int64 `bson:"block_number"`
}

func toDoc(r *types.MintRecord) recordDoc {
	doc := recordDoc{
		SourceTxHash:       r.SourceTxHash,
		Status:             string(r.Status),
		SourceChainID:      r.SourceChainID,
		DestinationChainID: r.DestinationChainID,
		DestinationAccount: r.DestinationAccount,
		DestinationTxHash:  r.DestinationTxHash,
		FailureReason:      r.FailureReason,
		CreatedAt:          r.CreatedAt,
		UpdatedAt:          r.UpdatedAt,
	}
	if r.LockedAmount != nil {
		doc.LockedAmount = r.LockedAmount.String()
	}
	if r.MintedAmount != nil {
		doc.MintedAmount = r.MintedAmount.String()
	}
	return doc
}

func (d recordDoc) record() (*types.MintRecord, error) {
	rec := &types.MintRecord{
		SourceTxHash:       d.SourceTxHash,
		Status:             types.MintStatus(d.Status),
		SourceChainID:      d.SourceChainID,
		DestinationChainID: d.DestinationChainID,
		DestinationAccount: d.DestinationAccount,
		DestinationTxHash:  d.DestinationTxHash,
		FailureReason:      d.FailureReason,
		CreatedAt:          d.CreatedAt.UTC(),
		UpdatedAt:          d.UpdatedAt.UTC(),
	}
	var ok bool
	if d.LockedAmount != "" {
		if rec.LockedAmount, ok = new(big.Int).SetString(d.LockedAmount, 10); !ok {
			return nil, fmt.Errorf("invalid locked_amount %q for %s", d.LockedAmount, d.SourceTxHash)
		}
	}
	if d.MintedAmount != "" {
		if rec.MintedAmount, ok = new(big.Int).SetString(d.MintedAmount, 10); !ok {
			return nil, fmt.Errorf("invalid minted_amount %q for %s", d.MintedAmount, d.SourceTxHash)
		}
	}
	return rec, nil
}

type Ledger struct {
	client       *mongo.Client
	databaseName string
	logger       *zap.Logger
	now          func() time.Time
}

var (
	_ ledger.Ledger      = (*Ledger)(nil)
	_ ledger.BlockCursor = (*Ledger)(nil)
)

type LedgerOpts struct {
	URI          string
	DatabaseName string
	Logger       *zap.Logger
}

func NewLedger(opts LedgerOpts) (*Ledger, error) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetMaxPoolSize(50).
		SetMinPoolSize(5).
		SetServerSelectionTimeout(5 * time.Second).
		SetRetryWrites(true)

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	l := &Ledger{
		client:       client,
		databaseName: opts.DatabaseName,
		logger:       opts.Logger.Named("ledger.mongodb"),
		now:          time.Now,
	}
	if err := l.CreateIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}
	return l, nil
}

func (l *Ledger) records() *mongo.Collection {
	return l.client.Database(l.databaseName).Collection(recordsCollection)
}

func (l *Ledger) CreateIndexes(ctx context.Context) error {
	_, err := l.records().Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "destination_account", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("failed to create mint_records indexes: %w", err)
	}
	return nil
}

func (l *Ledger) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()
	return l.client.Disconnect(ctx)
}

// TryBeginProcessing relies on the unique _id: of any number of concurrent
// inserts for one hash exactly one succeeds.
func (l *Ledger) TryBeginProcessing(ctx context.Context, seed *types.MintRecord) (ledger.Admission, *types.MintRecord, error) {
	rec, err := ledger.NewPendingRecord(seed, l.now())
	if err != nil {
		return 0, nil, err
	}

	_, err = l.records().InsertOne(ctx, toDoc(rec))
	if err == nil {
		return ledger.Admitted, rec, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return 0, nil, fmt.Errorf("failed to insert mint record: %w", err)
	}

	existing, err := l.get(ctx, rec.SourceTxHash)
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

// transition replaces the document only while it still carries the status it was read with.
func (l *Ledger) transition(ctx context.Context, sourceTxHash string, apply func(*types.MintRecord) (*types.MintRecord, error)) (*types.MintRecord, error) {
	hash, err := types.NormalizeTxHash(sourceTxHash)
	if err != nil {
		return nil, err
	}

	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := l.get(ctx, hash)
		if err != nil {
			return nil, err
		}
		next, err := apply(cur)
		if err != nil {
			return nil, err
		}

		filter := bson.D{{Key: "_id", Value: hash}, {Key: "status", Value: string(cur.Status)}}
		result, err := l.records().ReplaceOne(ctx, filter, toDoc(next))
		if err != nil {
			return nil, fmt.Errorf("failed to update mint record: %w", err)
		}
		if result.MatchedCount == 1 {
			return next, nil
		}
		l.logger.Debug("mint record changed during transition, retrying", zap.String("hash", hash))
	}
	return nil, fmt.Errorf("too much contention updating %s", hash)
}

func (l *Ledger) Get(ctx context.Context, sourceTxHash string) (*types.MintRecord, error) {
	hash, err := types.NormalizeTxHash(sourceTxHash)
	if err != nil {
		return nil, err
	}
	return l.get(ctx, hash)
}

func (l *Ledger) get(ctx context.Context, hash string) (*types.MintRecord, error) {
	var doc recordDoc
	err := l.records().FindOne(ctx, bson.D{{Key: "_id", Value: hash}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mint record: %w", err)
	}
	return doc.record()
}

func (l *Ledger) ListByStatus(ctx context.Context, status types.MintStatus) ([]*types.MintRecord, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}}).
		SetBatchSize(1000)

	cursor, err := l.records().Find(ctx, bson.D{{Key: "status", Value: string(status)}}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to get mint records by status: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []recordDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode mint records: %w", err)
	}

	records := make([]*types.MintRecord, 0, len(docs))
	for _, doc := range docs {
		rec, err := doc.record()
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func (l *Ledger) GetScannedBlock(ctx context.Context, chainID int64) (uint64, bool, error) {
	collection := l.client.Database(l.databaseName).Collection(cursorsCollection)

	var doc cursorDoc
	err := collection.FindOne(ctx, bson.D{{Key: "_id", Value: chainID}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get last scanned block: %w", err)
	}
	return uint64(doc.BlockNumber), true, nil
}

func (l *Ledger) SetScannedBlock(ctx context.Context, chainID int64, block uint64) error {
	collection := l.client.Database(l.databaseName).Collection(cursorsCollection)

	filter := bson.D{{Key: "_id", Value: chainID}}
	update := bson.D{{Key: "$set", Value: bson.D{{Key: "block_number", Value: int64(block)}}}}
	_, err := collection.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to update last scanned block: %w", err)
	}
	return nil
}
