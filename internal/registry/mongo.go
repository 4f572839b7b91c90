package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/book-expert/narration-service/internal/core"
)

const (
	fieldAccessCount    = "access_count"
	fieldLastAccessedAt = "last_accessed_at"
	fieldCreatedAt      = "created_at"
	fieldProvider       = "provider"
	fieldSizeBytes      = "size_bytes"

	// bumpTimeout bounds a background access-counter update.
	bumpTimeout = 5 * time.Second
)

// Mongo is an AssetRegistry stored in a MongoDB collection. The fingerprint is
// the document _id, so the primary key index enforces uniqueness.
type Mongo struct {
	collection *mongo.Collection
	log        *logger.Logger
	now        func() time.Time
	pending    sync.WaitGroup
}

// NewMongo uses collection in db for asset documents.
func NewMongo(db *mongo.Database, collection string, log *logger.Logger) *Mongo {
	return &Mongo{
		collection: db.Collection(collection),
		log:        log,
		now:        time.Now,
		pending:    sync.WaitGroup{},
	}
}

// Lookup reads the asset document and bumps its counters in the background.
func (m *Mongo) Lookup(ctx context.Context, fp core.Fingerprint) (core.AudioAsset, error) {
	var asset core.AudioAsset

	err := m.collection.FindOne(ctx, bson.M{"_id": fp}).Decode(&asset)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return core.AudioAsset{}, fmt.Errorf("%w: %s", core.ErrNotFound, fp)
		}

		return core.AudioAsset{}, fmt.Errorf("%w: find %s: %w", core.ErrRegistryUnavailable, fp, err)
	}

	now := m.now()

	m.pending.Add(1)

	go func() {
		defer m.pending.Done()

		bumpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bumpTimeout)
		defer cancel()

		bumpErr := m.bump(bumpCtx, fp, now)
		if bumpErr != nil {
			m.log.Warn("Failed to record access for asset %s: %v", fp.Short(), bumpErr)
		}
	}()

	asset.AccessCount++
	asset.LastAccessedAt = now

	return asset, nil
}

// Insert stores the asset document. A duplicate _id maps to ErrAlreadyExists.
func (m *Mongo) Insert(ctx context.Context, asset core.AudioAsset) (core.AudioAsset, error) {
	stamped := stampNew(asset, m.now())

	_, err := m.collection.InsertOne(ctx, stamped)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return core.AudioAsset{}, fmt.Errorf("%w: %s", core.ErrAlreadyExists, asset.Fingerprint)
		}

		return core.AudioAsset{}, fmt.Errorf("%w: insert %s: %w", core.ErrRegistryUnavailable, asset.Fingerprint, err)
	}

	return stamped, nil
}

// Touch counts a deduplicated serve.
func (m *Mongo) Touch(ctx context.Context, fp core.Fingerprint) error {
	return m.bump(ctx, fp, m.now())
}

// Stats aggregates counts, accesses and bytes per provider on the server.
func (m *Mongo) Stats(ctx context.Context) (core.RegistryStats, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$" + fieldProvider},
			{Key: "assets", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "accesses", Value: bson.D{{Key: "$sum", Value: "$" + fieldAccessCount}}},
			{Key: "bytes", Value: bson.D{{Key: "$sum", Value: "$" + fieldSizeBytes}}},
		}}},
	}

	cursor, err := m.collection.Aggregate(ctx, pipeline)
	if err != nil {
		return core.RegistryStats{}, fmt.Errorf("%w: aggregate stats: %w", core.ErrRegistryUnavailable, err)
	}

	var rows []struct {
		Provider string `bson:"_id"`
		Assets   int64  `bson:"assets"`
		Accesses int64  `bson:"accesses"`
		Bytes    int64  `bson:"bytes"`
	}

	err = cursor.All(ctx, &rows)
	if err != nil {
		return core.RegistryStats{}, fmt.Errorf("%w: decode stats: %w", core.ErrRegistryUnavailable, err)
	}

	stats := core.RegistryStats{ProviderCounts: make(map[string]int64)}

	for _, row := range rows {
		stats.TotalAssets += row.Assets
		stats.TotalAccessCount += row.Accesses
		stats.TotalBytes += row.Bytes
		stats.ProviderCounts[row.Provider] += row.Assets
	}

	return stats, nil
}

// Assets returns every asset document ordered by creation time.
func (m *Mongo) Assets(ctx context.Context) ([]core.AudioAsset, error) {
	opts := options.Find().SetSort(bson.D{{Key: fieldCreatedAt, Value: 1}, {Key: "_id", Value: 1}})

	cursor, err := m.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: find assets: %w", core.ErrRegistryUnavailable, err)
	}

	assets := []core.AudioAsset{}

	err = cursor.All(ctx, &assets)
	if err != nil {
		return nil, fmt.Errorf("%w: decode assets: %w", core.ErrRegistryUnavailable, err)
	}

	return assets, nil
}

// Close waits for background access bumps to finish.
func (m *Mongo) Close() {
	m.pending.Wait()
}

func (m *Mongo) bump(ctx context.Context, fp core.Fingerprint, at time.Time) error {
	update := bson.M{
		"$inc": bson.M{fieldAccessCount: 1},
		"$max": bson.M{fieldLastAccessedAt: at},
	}

	result, err := m.collection.UpdateByID(ctx, fp, update)
	if err != nil {
		return fmt.Errorf("%w: update %s: %w", core.ErrRegistryUnavailable, fp, err)
	}

	if result.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", core.ErrNotFound, fp)
	}

	return nil
}
