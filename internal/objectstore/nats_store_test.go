// Package objectstore_test tests the blob store implementations.
package objectstore_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/objectstore"
)

// StartTestServer starts an in-memory NATS server for testing purposes.
func StartTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	return natsServer, natsConnection
}

// runStoreContract checks the behaviour shared by every blob store.
func runStoreContract(t *testing.T, store core.ObjectStore) {
	t.Helper()

	ctx := context.Background()
	key := "3f9a0c.mp3"
	uploadData := bytes.Repeat([]byte("narrated audio "), 512)

	_, err := store.Download(ctx, key)
	require.ErrorIs(t, err, core.ErrBlobNotFound)

	require.NoError(t, store.Upload(ctx, key, uploadData))

	downloadData, err := store.Download(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, uploadData, downloadData)

	// Same key, same bytes: a repeated upload is harmless.
	require.NoError(t, store.Upload(ctx, key, uploadData))

	replaced := []byte("replacement")
	require.NoError(t, store.Upload(ctx, key, replaced))

	downloadData, err = store.Download(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, replaced, downloadData)
}

func TestNatsObjectStore_Contract(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	store, err := objectstore.New(jetstreamContext, "narration-blobs")
	require.NoError(t, err)

	runStoreContract(t, store)
}

func TestNatsObjectStore_BindsExistingBucket(t *testing.T) {
	t.Parallel()

	natsServer, natsConnection := StartTestServer(t)
	defer natsServer.Shutdown()
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	first, err := objectstore.New(jetstreamContext, "shared-bucket")
	require.NoError(t, err)
	require.NoError(t, first.Upload(context.Background(), "chapter-1.txt", []byte("Call me Ishmael.")))

	second, err := objectstore.New(jetstreamContext, "shared-bucket")
	require.NoError(t, err)

	data, err := second.Download(context.Background(), "chapter-1.txt")
	require.NoError(t, err)
	assert.Equal(t, "Call me Ishmael.", string(data))
}

func TestFSObjectStore_Contract(t *testing.T) {
	t.Parallel()

	store, err := objectstore.NewFS(t.TempDir(), 3)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	runStoreContract(t, store)
}

func TestFSObjectStore_CompressesOnDisk(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	store, err := objectstore.NewFS(dir, 0)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	data := bytes.Repeat([]byte{0}, 64*1024)
	require.NoError(t, store.Upload(context.Background(), "books/silence.wav", data))

	info, err := os.Stat(filepath.Join(dir, "books", "silence.wav.zst"))
	require.NoError(t, err)
	assert.Less(t, info.Size(), int64(len(data)))
}

func TestFSObjectStore_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	store, err := objectstore.NewFS(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	for _, key := range []string{"", "../outside", "/etc/passwd", "."} {
		err := store.Upload(context.Background(), key, []byte("x"))
		require.ErrorIs(t, err, objectstore.ErrInvalidKey, key)
	}
}
