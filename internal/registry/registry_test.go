package registry_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/mongodb"
	"github.com/book-expert/narration-service/internal/registry"
)

func sampleAsset(fp string, provider string, size int64) core.AudioAsset {
	return core.AudioAsset{
		Fingerprint:     core.Fingerprint(fp),
		BlobRef:         fp + ".mp3",
		DurationSeconds: 12.5,
		WordCount:       30,
		SizeBytes:       size,
		Provider:        provider,
		VoiceID:         "narrator-en",
		ModelID:         "tts-1",
		Format:          "mp3",
	}
}

// waitForAccessCount polls until background bumps land.
func waitForAccessCount(t *testing.T, reg core.AssetRegistry, want int64) {
	t.Helper()

	require.Eventually(t, func() bool {
		stats, err := reg.Stats(context.Background())

		return err == nil && stats.TotalAccessCount == want
	}, 5*time.Second, 20*time.Millisecond)
}

// runRegistryContract exercises the behaviour every backend must share.
func runRegistryContract(t *testing.T, reg core.AssetRegistry) {
	t.Helper()

	ctx := context.Background()

	_, err := reg.Lookup(ctx, "a1")
	require.ErrorIs(t, err, core.ErrNotFound)

	inserted, err := reg.Insert(ctx, sampleAsset("a1", "openai", 100))
	require.NoError(t, err)
	assert.Equal(t, int64(1), inserted.AccessCount)
	assert.False(t, inserted.CreatedAt.IsZero())

	_, err = reg.Insert(ctx, sampleAsset("a1", "http", 999))
	require.ErrorIs(t, err, core.ErrAlreadyExists)

	found, err := reg.Lookup(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "a1.mp3", found.BlobRef)
	assert.Equal(t, "openai", found.Provider, "the first insert must win")
	assert.Equal(t, int64(2), found.AccessCount)

	_, err = reg.Insert(ctx, sampleAsset("b2", "http", 50))
	require.NoError(t, err)

	require.NoError(t, reg.Touch(ctx, "b2"))
	require.ErrorIs(t, reg.Touch(ctx, "missing"), core.ErrNotFound)

	waitForAccessCount(t, reg, 4)

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalAssets)
	assert.Equal(t, int64(150), stats.TotalBytes)
	assert.Equal(t, map[string]int64{"openai": 1, "http": 1}, stats.ProviderCounts)

	assets, err := reg.Assets(ctx)
	require.NoError(t, err)
	require.Len(t, assets, 2)
}

func TestMemory_Contract(t *testing.T) {
	t.Parallel()

	runRegistryContract(t, registry.NewMemory())
}

func TestMemory_ConcurrentInsertHasOneWinner(t *testing.T) {
	t.Parallel()

	reg := registry.NewMemory()

	const callers = 32

	var (
		waitGroup sync.WaitGroup
		mutex     sync.Mutex
		winners   int
	)

	for range callers {
		waitGroup.Add(1)

		go func() {
			defer waitGroup.Done()

			_, err := reg.Insert(context.Background(), sampleAsset("race", "openai", 1))
			if err == nil {
				mutex.Lock()
				winners++
				mutex.Unlock()
			}
		}()
	}

	waitGroup.Wait()
	assert.Equal(t, 1, winners)
}

func startJetStream(t *testing.T) nats.JetStreamContext {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	return jetstreamContext
}

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "registry-test.log")
	require.NoError(t, err)

	return testLogger
}

func TestNatsKV_Contract(t *testing.T) {
	t.Parallel()

	jetstreamContext := startJetStream(t)

	reg, err := registry.NewNatsKV(jetstreamContext, "ASSETS_TEST", newTestLogger(t))
	require.NoError(t, err)
	t.Cleanup(reg.Close)

	runRegistryContract(t, reg)
}

func TestNatsKV_ConcurrentHitsAreAllCounted(t *testing.T) {
	t.Parallel()

	jetstreamContext := startJetStream(t)
	log := newTestLogger(t)

	// Two registries on one bucket stand in for two service instances.
	first, err := registry.NewNatsKV(jetstreamContext, "ASSETS_HOT", log)
	require.NoError(t, err)

	second, err := registry.NewNatsKV(jetstreamContext, "ASSETS_HOT", log)
	require.NoError(t, err)

	_, err = first.Insert(context.Background(), sampleAsset("popular", "openai", 10))
	require.NoError(t, err)

	const lookupsPerRegistry = 32

	var waitGroup sync.WaitGroup

	for _, reg := range []*registry.NatsKV{first, second} {
		for range lookupsPerRegistry {
			waitGroup.Add(1)

			go func() {
				defer waitGroup.Done()

				_, lookupErr := reg.Lookup(context.Background(), "popular")
				assert.NoError(t, lookupErr)
			}()
		}
	}

	waitGroup.Wait()
	first.Close()
	second.Close()

	stats, err := first.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1+2*lookupsPerRegistry), stats.TotalAccessCount)
	assert.Equal(t, int64(1), stats.TotalAssets)
}

func TestNatsKV_RebindsExistingBucket(t *testing.T) {
	t.Parallel()

	jetstreamContext := startJetStream(t)
	log := newTestLogger(t)

	first, err := registry.NewNatsKV(jetstreamContext, "ASSETS_REBIND", log)
	require.NoError(t, err)

	_, err = first.Insert(context.Background(), sampleAsset("kept", "openai", 10))
	require.NoError(t, err)

	second, err := registry.NewNatsKV(jetstreamContext, "ASSETS_REBIND", log)
	require.NoError(t, err)

	found, err := second.Lookup(context.Background(), "kept")
	require.NoError(t, err)
	assert.Equal(t, "kept.mp3", found.BlobRef)

	first.Close()
	second.Close()
}

func TestNatsKV_EmptyBucketStats(t *testing.T) {
	t.Parallel()

	reg, err := registry.NewNatsKV(startJetStream(t), "ASSETS_EMPTY", newTestLogger(t))
	require.NoError(t, err)

	stats, err := reg.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalAssets)
	assert.Zero(t, stats.TotalAccessCount)
}

// TestMongo_Contract requires a running MongoDB (skipped if MONGODB_URI is not set).
func TestMongo_Contract(t *testing.T) {
	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()

	client, err := mongodb.Connect(ctx, mongoURI, "narration_test_"+uuid.NewString()[:8])
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Database.Drop(ctx)
		_ = client.Close(ctx)
	})

	reg := registry.NewMongo(client.Database, "audio_assets", newTestLogger(t))
	t.Cleanup(reg.Close)

	runRegistryContract(t, reg)
}
