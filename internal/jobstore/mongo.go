package jobstore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/book-expert/narration-service/internal/core"
)

// Mongo is a JobStore stored in a MongoDB collection with the job id as _id.
type Mongo struct {
	collection *mongo.Collection
}

// Compile-time interface assertion.
var _ core.JobStore = (*Mongo)(nil)

// NewMongo uses collection in db for job documents.
func NewMongo(db *mongo.Database, collection string) *Mongo {
	return &Mongo{collection: db.Collection(collection)}
}

// Save upserts the job document.
func (m *Mongo) Save(ctx context.Context, job *core.BatchJob) error {
	_, err := m.collection.ReplaceOne(ctx, bson.M{"_id": job.ID}, job, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}

	return nil
}

// Get reads one job document.
func (m *Mongo) Get(ctx context.Context, id string) (*core.BatchJob, error) {
	var job core.BatchJob

	err := m.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&job)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
		}

		return nil, fmt.Errorf("failed to find job %s: %w", id, err)
	}

	return &job, nil
}

// List returns every job in submission order.
func (m *Mongo) List(ctx context.Context) ([]*core.BatchJob, error) {
	opts := options.Find().SetSort(bson.D{{Key: "submitted_at", Value: 1}, {Key: "sequence", Value: 1}})

	cursor, err := m.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	jobs := []*core.BatchJob{}

	err = cursor.All(ctx, &jobs)
	if err != nil {
		return nil, fmt.Errorf("failed to decode jobs: %w", err)
	}

	return jobs, nil
}
