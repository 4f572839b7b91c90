package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/api"
	"github.com/book-expert/narration-service/internal/batch"
	"github.com/book-expert/narration-service/internal/cache"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fingerprint"
	"github.com/book-expert/narration-service/internal/flight"
	"github.com/book-expert/narration-service/internal/jobstore"
	"github.com/book-expert/narration-service/internal/ledger"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/registry"
)

// echoSynthesizer returns the text back as audio.
type echoSynthesizer struct {
	err error
}

func (s echoSynthesizer) Name() string { return "echo" }

func (s echoSynthesizer) Synthesize(_ context.Context, req core.SynthesisRequest) (core.Synthesis, error) {
	if s.err != nil {
		return core.Synthesis{}, s.err
	}

	return core.Synthesis{Audio: []byte(req.Text), DurationSeconds: 2, WordCount: 3, Provider: "echo"}, nil
}

type testServer struct {
	handler      http.Handler
	orchestrator *batch.Orchestrator
}

func newTestServer(t *testing.T, synthesizer core.Synthesizer) *testServer {
	t.Helper()

	log, err := logger.New(t.TempDir(), "api-test.log")
	require.NoError(t, err)

	blobs, err := objectstore.NewFS(t.TempDir(), 1)
	require.NoError(t, err)
	t.Cleanup(blobs.Close)

	assets := registry.NewMemory()
	jobs := jobstore.NewMemory()
	generator := cache.New(fingerprint.NewDeriver(), assets, flight.New(4), synthesizer, blobs, log)
	orchestrator := batch.New(jobs, generator, blobs, batch.Config{Workers: 2, CostPerGeneration: 0.2}, log)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		defer close(done)

		_ = orchestrator.Run(ctx)
	}()

	t.Cleanup(func() {
		cancel()
		<-done
	})

	server := api.New(orchestrator, generator, ledger.New(assets, jobs, 0.2), log)

	return &testServer{handler: server.Handler(), orchestrator: orchestrator}
}

func (s *testServer) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()

	var value T

	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &value), rec.Body.String())

	return value
}

const jobBody = `{
	"kind": "book",
	"target_id": "book-3",
	"target_name": "Short Stories",
	"voice": {"voice_id": "narrator-en", "model_id": "tts-1", "speaking_rate": 1, "format": "mp3"},
	"items": [
		{"title": "One", "text": "Once upon a time."},
		{"title": "Two", "text": "Once upon a time."}
	]
}`

func TestHealth(t *testing.T) {
	t.Parallel()

	rec := newTestServer(t, echoSynthesizer{}).do(t, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "narration-service")
}

func TestJobLifecycle(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, echoSynthesizer{})

	rec := server.do(t, http.MethodPost, "/api/v1/jobs", jobBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	submitted := decode[core.BatchJob](t, rec)
	assert.Equal(t, core.PriorityMedium, submitted.Priority)

	var job core.BatchJob

	require.Eventually(t, func() bool {
		statusRec := server.do(t, http.MethodGet, "/api/v1/jobs/"+submitted.ID, "")
		if statusRec.Code != http.StatusOK {
			return false
		}

		job = decode[core.BatchJob](t, statusRec)

		return job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, core.JobCompleted, job.Status)
	assert.Equal(t, 1, job.CacheHitCount)

	rec = server.do(t, http.MethodGet, "/api/v1/jobs/"+submitted.ID+"/playlist", "")
	require.Equal(t, http.StatusOK, rec.Code)

	playlist := decode[batch.Playlist](t, rec)
	require.Len(t, playlist.Entries, 2)
	assert.Equal(t, playlist.Entries[0].BlobRef, playlist.Entries[1].BlobRef)

	rec = server.do(t, http.MethodGet, "/api/v1/jobs?target_id=book-3&status=completed", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]core.BatchJob](t, rec), 1)

	rec = server.do(t, http.MethodPost, "/api/v1/jobs/"+submitted.ID+"/cancel", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = server.do(t, http.MethodGet, "/api/v1/ledger", "")
	require.Equal(t, http.StatusOK, rec.Code)

	report := decode[ledger.Report](t, rec)
	assert.Equal(t, int64(1), report.Cache.Generations)
	assert.Equal(t, int64(1), report.Cache.CacheHits)
	assert.InDelta(t, 0.2, report.Cache.CostSaved, 1e-9)
	assert.Equal(t, 1, report.Jobs.ItemsFromCache)
}

func TestSynthesize_MissThenHit(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, echoSynthesizer{})
	body := `{"text": "Hello there.", "voice_id": "narrator-en", "format": "mp3"}`

	rec := server.do(t, http.MethodPost, "/api/v1/synthesize", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	first := decode[api.SynthesizeResponse](t, rec)
	assert.False(t, first.CacheHit)
	assert.NotEmpty(t, first.Fingerprint)

	rec = server.do(t, http.MethodPost, "/api/v1/synthesize", body)
	require.Equal(t, http.StatusOK, rec.Code)

	second := decode[api.SynthesizeResponse](t, rec)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Asset.BlobRef, second.Asset.BlobRef)
}

func TestErrors(t *testing.T) {
	t.Parallel()

	server := newTestServer(t, echoSynthesizer{err: core.NewProviderError(core.ErrProviderRateLimited, "echo", 429, errors.New("slow down"))})

	testCases := []struct {
		name   string
		method string
		target string
		body   string
		status int
	}{
		{name: "unknown job", method: http.MethodGet, target: "/api/v1/jobs/missing", status: http.StatusNotFound},
		{name: "unknown playlist", method: http.MethodGet, target: "/api/v1/jobs/missing/playlist", status: http.StatusNotFound},
		{name: "malformed job", method: http.MethodPost, target: "/api/v1/jobs", body: `{"kind":`, status: http.StatusBadRequest},
		{name: "job without items", method: http.MethodPost, target: "/api/v1/jobs", body: `{"kind":"book","target_id":"b","voice":{"voice_id":"v"}}`, status: http.StatusBadRequest},
		{name: "bad ledger window", method: http.MethodGet, target: "/api/v1/ledger?since=yesterday", status: http.StatusBadRequest},
		{name: "empty synthesis text", method: http.MethodPost, target: "/api/v1/synthesize", body: `{"text":"  ","voice_id":"v"}`, status: http.StatusBadRequest},
		{name: "provider throttled", method: http.MethodPost, target: "/api/v1/synthesize", body: `{"text":"hi","voice_id":"v"}`, status: http.StatusTooManyRequests},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			rec := server.do(t, tc.method, tc.target, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())

			response := decode[api.ErrorResponse](t, rec)
			assert.NotEmpty(t, response.Error)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	rec := newTestServer(t, echoSynthesizer{}).do(t, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()

	status, code := api.StatusFor(core.NewProviderError(core.ErrProviderTransient, "http", 503, errors.New("down")))
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "provider_unavailable", code)

	status, _ = api.StatusFor(errors.New("boom"))
	assert.Equal(t, http.StatusInternalServerError, status)
}
