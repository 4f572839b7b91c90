package ledger_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/jobstore"
	"github.com/book-expert/narration-service/internal/ledger"
	"github.com/book-expert/narration-service/internal/registry"
)

func insertAsset(t *testing.T, reg *registry.Memory, fp, provider string, size int64) {
	t.Helper()

	_, err := reg.Insert(context.Background(), core.AudioAsset{
		Fingerprint: core.Fingerprint(fp),
		BlobRef:     fp + ".mp3",
		SizeBytes:   size,
		Provider:    provider,
		Format:      "mp3",
	})
	require.NoError(t, err)
}

func TestReport_NoData(t *testing.T) {
	t.Parallel()

	report, err := ledger.New(registry.NewMemory(), jobstore.NewMemory(), 0.3).Report(context.Background(), ledger.Window{})
	require.NoError(t, err)

	assert.False(t, report.Cache.HasData)
	assert.Zero(t, report.Cache.HitRate)
	assert.Zero(t, report.Cache.TotalLookups)
	assert.Zero(t, report.Cache.CostSaved)
	assert.Empty(t, report.Cache.ProviderDistribution)
	assert.Zero(t, report.Jobs.Jobs)
	assert.Contains(t, strings.Join(report.Lines(), "\n"), "no data")
}

func TestReport_CacheFiguresAreConsistent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := registry.NewMemory()

	insertAsset(t, reg, "fp-a", "http", 2048)
	insertAsset(t, reg, "fp-b", "http", 1024)
	insertAsset(t, reg, "fp-c", "openai", 1024)

	for range 3 {
		_, err := reg.Lookup(ctx, "fp-a")
		require.NoError(t, err)
	}

	require.NoError(t, reg.Touch(ctx, "fp-c"))

	report, err := ledger.New(reg, nil, 0.25).Report(ctx, ledger.Window{})
	require.NoError(t, err)

	cacheSection := report.Cache
	assert.True(t, cacheSection.HasData)
	assert.Equal(t, int64(3), cacheSection.Generations)
	assert.Equal(t, int64(4), cacheSection.CacheHits)
	assert.Equal(t, int64(7), cacheSection.TotalLookups)
	assert.Equal(t, cacheSection.CacheHits+cacheSection.Generations, cacheSection.TotalLookups)
	assert.InDelta(t, 4.0/7.0, cacheSection.HitRate, 1e-9)
	assert.InDelta(t, 1.0, cacheSection.CostSaved, 1e-9)
	assert.Equal(t, int64(4096), cacheSection.StoredBytes)

	require.Len(t, cacheSection.ProviderDistribution, 2)
	assert.Equal(t, "http", cacheSection.ProviderDistribution[0].Provider)
	assert.Equal(t, int64(2), cacheSection.ProviderDistribution[0].Assets)
	assert.InDelta(t, 2.0/3.0, cacheSection.ProviderDistribution[0].Share, 1e-9)
	assert.Equal(t, "openai", cacheSection.ProviderDistribution[1].Provider)

	text := strings.Join(report.Lines(), "\n")
	assert.Contains(t, text, "57.1%")
	assert.Contains(t, text, "4.1 kB")
}

func TestReport_JobSectionHonoursWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	jobs := jobstore.NewMemory()
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

	save := func(id string, submitted time.Time, status core.JobStatus, completed, hits, failed int, saved float64) {
		require.NoError(t, jobs.Save(ctx, &core.BatchJob{
			ID:                id,
			Kind:              core.JobKindBook,
			TargetID:          "book-1",
			Status:            status,
			CompletedCount:    completed,
			CacheHitCount:     hits,
			FailedCount:       failed,
			CostSavedEstimate: saved,
			SubmittedAt:       submitted,
		}))
	}

	save("before", base.Add(-time.Hour), core.JobCompleted, 5, 5, 0, 2.5)
	save("inside-1", base.Add(time.Hour), core.JobCompleted, 4, 1, 0, 0.5)
	save("inside-2", base.Add(2*time.Hour), core.JobCompletedWithErrors, 3, 2, 1, 1)
	save("after", base.Add(48*time.Hour), core.JobFailed, 0, 0, 2, 0)

	window := ledger.Window{Since: base, Until: base.Add(24 * time.Hour)}

	report, err := ledger.New(registry.NewMemory(), jobs, 0.5).Report(ctx, window)
	require.NoError(t, err)

	assert.Equal(t, 2, report.Jobs.Jobs)
	assert.Equal(t, 1, report.Jobs.ByStatus[core.JobCompleted])
	assert.Equal(t, 1, report.Jobs.ByStatus[core.JobCompletedWithErrors])
	assert.Equal(t, 4, report.Jobs.ItemsGenerated)
	assert.Equal(t, 3, report.Jobs.ItemsFromCache)
	assert.Equal(t, 1, report.Jobs.ItemsFailed)
	assert.InDelta(t, 1.5, report.Jobs.CostSavedEstimate, 1e-9)
	assert.Equal(t, window, report.Window)
}
