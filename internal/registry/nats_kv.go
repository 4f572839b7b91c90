package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/natsconn"
)

// Access bump tuning. Bumps for one fingerprint are serialized in process, so
// revision conflicts only come from other service instances; those are retried
// with jittered backoff until the deadline.
const (
	counterStripes    = 64
	counterDeadline   = 10 * time.Second
	counterBackoff    = 2 * time.Millisecond
	counterMaxBackoff = 200 * time.Millisecond
)

// NatsKV is an AssetRegistry backed by a JetStream key-value bucket. Each key is
// a fingerprint and each value the JSON encoded asset. Uniqueness comes from the
// bucket's create-only write.
type NatsKV struct {
	kv      nats.KeyValue
	bucket  string
	log     *logger.Logger
	now     func() time.Time
	pending sync.WaitGroup
	locks   [counterStripes]sync.Mutex
}

// NewNatsKV binds to the bucket, creating it on first use.
func NewNatsKV(jetstreamContext nats.JetStreamContext, bucket string, log *logger.Logger) (*NatsKV, error) {
	keyValue, err := natsconn.BindKeyValue(jetstreamContext, bucket, "Narration audio assets keyed by fingerprint.")
	if err != nil {
		return nil, err
	}

	return &NatsKV{
		kv:      keyValue,
		bucket:  bucket,
		log:     log,
		now:     time.Now,
		pending: sync.WaitGroup{},
		locks:   [counterStripes]sync.Mutex{},
	}, nil
}

// Lookup reads the asset and schedules the access bump in the background.
func (n *NatsKV) Lookup(_ context.Context, fp core.Fingerprint) (core.AudioAsset, error) {
	entry, err := n.kv.Get(string(fp))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return core.AudioAsset{}, fmt.Errorf("%w: %s", core.ErrNotFound, fp)
		}

		return core.AudioAsset{}, fmt.Errorf("%w: get %s from bucket '%s': %w", core.ErrRegistryUnavailable, fp, n.bucket, err)
	}

	asset, err := decodeAsset(entry.Value())
	if err != nil {
		return core.AudioAsset{}, err
	}

	now := n.now()

	n.pending.Add(1)

	go func() {
		defer n.pending.Done()

		bumpErr := n.bump(fp, now)
		if bumpErr != nil {
			n.log.Warn("Failed to record access for asset %s: %v", fp.Short(), bumpErr)
		}
	}()

	asset.AccessCount++
	asset.LastAccessedAt = now

	return asset, nil
}

// Insert creates the asset key. A second insert fails with ErrAlreadyExists.
func (n *NatsKV) Insert(_ context.Context, asset core.AudioAsset) (core.AudioAsset, error) {
	stamped := stampNew(asset, n.now())

	data, err := json.Marshal(stamped)
	if err != nil {
		return core.AudioAsset{}, fmt.Errorf("failed to marshal asset %s: %w", asset.Fingerprint, err)
	}

	_, err = n.kv.Create(string(asset.Fingerprint), data)
	if err != nil {
		if errors.Is(err, nats.ErrKeyExists) {
			return core.AudioAsset{}, fmt.Errorf("%w: %s", core.ErrAlreadyExists, asset.Fingerprint)
		}

		return core.AudioAsset{}, fmt.Errorf("%w: create %s in bucket '%s': %w",
			core.ErrRegistryUnavailable, asset.Fingerprint, n.bucket, err)
	}

	return stamped, nil
}

// Touch counts a deduplicated serve synchronously.
func (n *NatsKV) Touch(_ context.Context, fp core.Fingerprint) error {
	return n.bump(fp, n.now())
}

// Stats walks every key of the bucket.
func (n *NatsKV) Stats(ctx context.Context) (core.RegistryStats, error) {
	assets, err := n.Assets(ctx)
	if err != nil {
		return core.RegistryStats{}, err
	}

	stats := core.RegistryStats{ProviderCounts: make(map[string]int64)}
	for _, asset := range assets {
		stats.Add(asset)
	}

	return stats, nil
}

// Assets returns every stored asset ordered by creation time.
func (n *NatsKV) Assets(_ context.Context) ([]core.AudioAsset, error) {
	keys, err := n.kv.Keys()
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return []core.AudioAsset{}, nil
		}

		return nil, fmt.Errorf("%w: list bucket '%s': %w", core.ErrRegistryUnavailable, n.bucket, err)
	}

	assets := make([]core.AudioAsset, 0, len(keys))

	for _, key := range keys {
		entry, getErr := n.kv.Get(key)
		if getErr != nil {
			if errors.Is(getErr, nats.ErrKeyNotFound) {
				continue
			}

			return nil, fmt.Errorf("%w: get %s from bucket '%s': %w", core.ErrRegistryUnavailable, key, n.bucket, getErr)
		}

		asset, decodeErr := decodeAsset(entry.Value())
		if decodeErr != nil {
			return nil, decodeErr
		}

		assets = append(assets, asset)
	}

	sortByCreation(assets)

	return assets, nil
}

// Close waits for background access bumps to finish.
func (n *NatsKV) Close() {
	n.pending.Wait()
}

// bump increments the access counter with optimistic concurrency on the entry revision.
func (n *NatsKV) bump(fp core.Fingerprint, at time.Time) error {
	lock := n.lockFor(fp)
	lock.Lock()
	defer lock.Unlock()

	deadline := time.Now().Add(counterDeadline)
	backoff := counterBackoff
	attempts := 0

	for {
		attempts++

		revision, data, err := n.incremented(fp, at)
		if err != nil {
			return err
		}

		_, err = n.kv.Update(string(fp), data, revision)
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: update %s after %d attempts: %w",
				core.ErrRegistryUnavailable, fp, attempts, err)
		}

		time.Sleep(backoff/2 + rand.N(backoff/2+1))
		backoff = min(backoff*2, counterMaxBackoff)
	}
}

// incremented reads the entry and returns its revision with the bumped value.
func (n *NatsKV) incremented(fp core.Fingerprint, at time.Time) (uint64, []byte, error) {
	entry, err := n.kv.Get(string(fp))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return 0, nil, fmt.Errorf("%w: %s", core.ErrNotFound, fp)
		}

		return 0, nil, fmt.Errorf("%w: %w", core.ErrRegistryUnavailable, err)
	}

	asset, err := decodeAsset(entry.Value())
	if err != nil {
		return 0, nil, err
	}

	asset.AccessCount++
	if at.After(asset.LastAccessedAt) {
		asset.LastAccessedAt = at
	}

	data, err := json.Marshal(asset)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to marshal asset %s: %w", fp, err)
	}

	return entry.Revision(), data, nil
}

func (n *NatsKV) lockFor(fp core.Fingerprint) *sync.Mutex {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(fp))

	return &n.locks[hasher.Sum32()%counterStripes]
}

func decodeAsset(data []byte) (core.AudioAsset, error) {
	var asset core.AudioAsset

	err := json.Unmarshal(data, &asset)
	if err != nil {
		return core.AudioAsset{}, fmt.Errorf("failed to unmarshal asset: %w", err)
	}

	return asset, nil
}
