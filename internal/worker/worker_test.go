// Package worker_test tests the NATS request/reply surface of the narration service.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/batch"
	"github.com/book-expert/narration-service/internal/cache"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/jobstore"
	"github.com/book-expert/narration-service/internal/ledger"
	"github.com/book-expert/narration-service/internal/registry"
	"github.com/book-expert/narration-service/internal/worker"
)

const prefix = "narration-test"

// stubGenerator serves every request as a fresh generation.
type stubGenerator struct{}

func (stubGenerator) GetOrGenerate(_ context.Context, req core.SynthesisRequest) (cache.Result, error) {
	fp := core.Fingerprint("fp-" + req.Text)

	return cache.Result{
		Asset:       core.AudioAsset{Fingerprint: fp, BlobRef: string(fp) + ".mp3", DurationSeconds: 1.5},
		Fingerprint: fp,
		CacheHit:    false,
	}, nil
}

func createTestNatsClient(t *testing.T) *nats.Conn {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1 // Use a random port
	server := test.RunServer(&opts)
	t.Cleanup(server.Shutdown)

	natsConnection, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	return natsConnection
}

type setup struct {
	natsConnection *nats.Conn
	client         *worker.Client
	orchestrator   *batch.Orchestrator
}

func setupTest(t *testing.T) *setup {
	t.Helper()

	natsConnection := createTestNatsClient(t)

	testLogger, err := logger.New(t.TempDir(), "worker-test.log")
	require.NoError(t, err)

	jobs := jobstore.NewMemory()
	orchestrator := batch.New(jobs, stubGenerator{}, nil, batch.Config{Workers: 2, CostPerGeneration: 0.1}, testLogger)
	report := ledger.New(registry.NewMemory(), jobs, 0.1)
	workerInstance := worker.NewNatsWorker(natsConnection, prefix, orchestrator, report, testLogger)
	orchestrator.OnFinished(workerInstance.PublishCompleted)

	ctx, cancel := context.WithCancel(context.Background())
	workerDone := make(chan error, 1)
	poolDone := make(chan error, 1)

	go func() { workerDone <- workerInstance.Run(ctx) }()
	go func() { poolDone <- orchestrator.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-poolDone
		<-workerDone
	})

	client := worker.NewClient(natsConnection, prefix)

	require.Eventually(t, func() bool {
		requestCtx, requestCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer requestCancel()

		_, ledgerErr := client.Ledger(requestCtx, ledger.Window{})

		return ledgerErr == nil
	}, 5*time.Second, 20*time.Millisecond)

	return &setup{natsConnection: natsConnection, client: client, orchestrator: orchestrator}
}

func sampleSpec() core.JobSpec {
	return core.JobSpec{
		Kind:       core.JobKindCourse,
		TargetID:   "course-9",
		TargetName: "Concurrency in Practice",
		Priority:   core.PriorityHigh,
		Voice:      core.Voice{VoiceID: "narrator-en", ModelID: "tts-1", SpeakingRate: 1, Format: "mp3"},
		Items: []core.ItemSpec{
			{Title: "Lesson 1", Text: "Goroutines are cheap."},
			{Title: "Lesson 2", Text: "Channels carry values."},
		},
	}
}

func TestSubmit_PublishesCompletionEvent(t *testing.T) {
	t.Parallel()

	env := setupTest(t)
	ctx := context.Background()

	completed := make(chan *nats.Msg, 1)
	sub, err := env.natsConnection.ChanSubscribe(worker.Subject(prefix, worker.SubjectCompleted), completed)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, env.natsConnection.Flush())

	job, err := env.client.Submit(ctx, sampleSpec())
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, core.PriorityHigh, job.Priority)

	var event worker.JobCompletedEvent

	select {
	case msg := <-completed:
		require.NoError(t, json.Unmarshal(msg.Data, &event))
	case <-time.After(5 * time.Second):
		t.Fatal("no completion event received")
	}

	assert.Equal(t, job.ID, event.Job.ID)
	assert.Equal(t, job.ID, event.Header.WorkflowID)
	assert.NotEmpty(t, event.Header.EventID)
	assert.Equal(t, core.JobCompleted, event.Job.Status)
	assert.True(t, event.Playlist.Complete)
	require.Len(t, event.Playlist.Entries, 2)
	assert.Equal(t, "Lesson 2", event.Playlist.Entries[1].Title)

	status, err := env.client.Status(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobCompleted, status.Status)

	_, err = env.client.Cancel(ctx, job.ID)
	require.ErrorIs(t, err, core.ErrJobTerminal)
	require.ErrorIs(t, err, worker.ErrRemote)

	report, err := env.client.Ledger(ctx, ledger.Window{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Jobs.Jobs)
	assert.Equal(t, 2, report.Jobs.ItemsGenerated)
}

func TestRequests_ErrorReplies(t *testing.T) {
	t.Parallel()

	env := setupTest(t)
	ctx := context.Background()

	_, err := env.client.Status(ctx, "no-such-job")
	require.ErrorIs(t, err, core.ErrJobNotFound)

	invalid := sampleSpec()
	invalid.Items = nil

	_, err = env.client.Submit(ctx, invalid)
	require.ErrorIs(t, err, core.ErrInvalidRequest)

	_, err = env.client.Status(ctx, "")
	require.ErrorIs(t, err, core.ErrInvalidRequest)

	msg, err := env.natsConnection.Request(worker.Subject(prefix, worker.SubjectSubmit), []byte("{not json"), 5*time.Second)
	require.NoError(t, err)

	var reply worker.Reply

	require.NoError(t, json.Unmarshal(msg.Data, &reply))
	assert.Equal(t, worker.CodeInvalidRequest, reply.ErrorCode)
	assert.Nil(t, reply.Job)
	assert.NotEmpty(t, reply.Header.EventID)
}

func TestErrorCode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		err  error
		want string
	}{
		{err: core.ErrInvalidRequest, want: worker.CodeInvalidRequest},
		{err: core.ErrNoItems, want: worker.CodeInvalidRequest},
		{err: core.ErrJobNotFound, want: worker.CodeNotFound},
		{err: core.ErrJobTerminal, want: worker.CodeConflict},
		{err: errors.New("disk full"), want: worker.CodeInternal},
	}

	for _, tc := range testCases {
		assert.Equal(t, tc.want, worker.ErrorCode(tc.err), tc.err.Error())
	}
}
