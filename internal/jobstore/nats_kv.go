package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/natsconn"
)

// NatsKV is a JobStore backed by a JetStream key-value bucket keyed by job id.
type NatsKV struct {
	kv     nats.KeyValue
	bucket string
}

// Compile-time interface assertion.
var _ core.JobStore = (*NatsKV)(nil)

// NewNatsKV binds to the bucket, creating it on first use.
func NewNatsKV(jetstreamContext nats.JetStreamContext, bucket string) (*NatsKV, error) {
	keyValue, err := natsconn.BindKeyValue(jetstreamContext, bucket, "Narration batch jobs keyed by id.")
	if err != nil {
		return nil, err
	}

	return &NatsKV{kv: keyValue, bucket: bucket}, nil
}

// Save writes the JSON encoded job.
func (n *NatsKV) Save(_ context.Context, job *core.BatchJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}

	_, err = n.kv.Put(job.ID, data)
	if err != nil {
		return fmt.Errorf("failed to put job %s to bucket '%s': %w", job.ID, n.bucket, err)
	}

	return nil
}

// Get reads one job.
func (n *NatsKV) Get(_ context.Context, id string) (*core.BatchJob, error) {
	entry, err := n.kv.Get(id)
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: %s", core.ErrJobNotFound, id)
		}

		return nil, fmt.Errorf("failed to get job %s from bucket '%s': %w", id, n.bucket, err)
	}

	return decodeJob(entry.Value())
}

// List reads every job in submission order.
func (n *NatsKV) List(ctx context.Context) ([]*core.BatchJob, error) {
	keys, err := n.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []*core.BatchJob{}, nil
		}

		return nil, fmt.Errorf("failed to list bucket '%s': %w", n.bucket, err)
	}

	jobs := make([]*core.BatchJob, 0, len(keys))

	for _, key := range keys {
		job, getErr := n.Get(ctx, key)
		if getErr != nil {
			if errors.Is(getErr, core.ErrJobNotFound) {
				continue
			}

			return nil, getErr
		}

		jobs = append(jobs, job)
	}

	sortBySubmission(jobs)

	return jobs, nil
}

func decodeJob(data []byte) (*core.BatchJob, error) {
	var job core.BatchJob

	err := json.Unmarshal(data, &job)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}
