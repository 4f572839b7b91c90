// Package ledger reports cache effectiveness and estimated provider savings.
//
// Figures are recomputed from the asset registry and the job store on every
// call. Every asset starts with one access (its generation), so the cache hit
// total is the sum of access counts minus the number of assets.
package ledger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/book-expert/narration-service/internal/core"
)

// Window bounds the job section by submission time. Zero bounds are open.
type Window struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// ProviderShare is the number of assets one provider generated.
type ProviderShare struct {
	Provider string  `json:"provider"`
	Assets   int64   `json:"assets"`
	Share    float64 `json:"share"`
}

// CacheSection describes the registry since the beginning of time.
type CacheSection struct {
	TotalLookups         int64           `json:"total_lookups"`
	CacheHits            int64           `json:"cache_hits"`
	Generations          int64           `json:"generations"`
	HitRate              float64         `json:"hit_rate"`
	HasData              bool            `json:"has_data"`
	CostSaved            float64         `json:"cost_saved"`
	StoredBytes          int64           `json:"stored_bytes"`
	ProviderDistribution []ProviderShare `json:"provider_distribution"`
}

// JobSection aggregates the jobs submitted inside the window.
type JobSection struct {
	Jobs              int                    `json:"jobs"`
	ByStatus          map[core.JobStatus]int `json:"by_status"`
	ItemsGenerated    int                    `json:"items_generated"`
	ItemsFromCache    int                    `json:"items_from_cache"`
	ItemsFailed       int                    `json:"items_failed"`
	CostSavedEstimate float64                `json:"cost_saved_estimate"`
}

// Report is one ledger snapshot.
type Report struct {
	GeneratedAt time.Time    `json:"generated_at"`
	Window      Window       `json:"window"`
	Cache       CacheSection `json:"cache"`
	Jobs        JobSection   `json:"jobs"`
}

// Ledger computes reports.
type Ledger struct {
	registry          core.AssetRegistry
	jobs              core.JobStore
	costPerGeneration float64
	now               func() time.Time
}

// New creates a Ledger. jobs may be nil, in which case the job section stays empty.
func New(registry core.AssetRegistry, jobs core.JobStore, costPerGeneration float64) *Ledger {
	return &Ledger{
		registry:          registry,
		jobs:              jobs,
		costPerGeneration: costPerGeneration,
		now:               time.Now,
	}
}

// Report computes the current figures.
func (l *Ledger) Report(ctx context.Context, window Window) (Report, error) {
	stats, err := l.registry.Stats(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read registry stats: %w", err)
	}

	report := Report{
		GeneratedAt: l.now().UTC(),
		Window:      window,
		Cache:       CacheFigures(stats, l.costPerGeneration),
		Jobs:        JobSection{ByStatus: make(map[core.JobStatus]int)},
	}

	if l.jobs == nil {
		return report, nil
	}

	jobs, err := l.jobs.List(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to list jobs: %w", err)
	}

	filter := core.JobFilter{Status: "", TargetID: "", Since: window.Since, Until: window.Until}

	for _, job := range jobs {
		if filter.Match(job) {
			report.Jobs.add(job)
		}
	}

	return report, nil
}

// CacheFigures derives the cache section from registry stats.
func CacheFigures(stats core.RegistryStats, costPerGeneration float64) CacheSection {
	hits := max(stats.TotalAccessCount-stats.TotalAssets, 0)
	lookups := hits + stats.TotalAssets

	section := CacheSection{
		TotalLookups:         lookups,
		CacheHits:            hits,
		Generations:          stats.TotalAssets,
		HitRate:              0,
		HasData:              lookups > 0,
		CostSaved:            float64(hits) * costPerGeneration,
		StoredBytes:          stats.TotalBytes,
		ProviderDistribution: []ProviderShare{},
	}

	if section.HasData {
		section.HitRate = float64(hits) / float64(lookups)
	}

	for provider, count := range stats.ProviderCounts {
		share := 0.0
		if stats.TotalAssets > 0 {
			share = float64(count) / float64(stats.TotalAssets)
		}

		section.ProviderDistribution = append(section.ProviderDistribution,
			ProviderShare{Provider: provider, Assets: count, Share: share})
	}

	sort.Slice(section.ProviderDistribution, func(i, j int) bool {
		left, right := section.ProviderDistribution[i], section.ProviderDistribution[j]
		if left.Assets != right.Assets {
			return left.Assets > right.Assets
		}

		return left.Provider < right.Provider
	})

	return section
}

func (s *JobSection) add(job *core.BatchJob) {
	s.Jobs++
	s.ByStatus[job.Status]++
	s.ItemsFromCache += job.CacheHitCount
	s.ItemsGenerated += job.CompletedCount - job.CacheHitCount
	s.ItemsFailed += job.FailedCount
	s.CostSavedEstimate += job.CostSavedEstimate
}

// Lines renders the report for terminals.
func (r Report) Lines() []string {
	lines := []string{
		fmt.Sprintf("Lookups:      %s", humanize.Comma(r.Cache.TotalLookups)),
		fmt.Sprintf("Cache hits:   %s", humanize.Comma(r.Cache.CacheHits)),
		fmt.Sprintf("Generations:  %s", humanize.Comma(r.Cache.Generations)),
	}

	if r.Cache.HasData {
		lines = append(lines, fmt.Sprintf("Hit rate:     %.1f%%", r.Cache.HitRate*100))
	} else {
		lines = append(lines, "Hit rate:     no data")
	}

	lines = append(lines,
		fmt.Sprintf("Cost saved:   %s", humanize.CommafWithDigits(r.Cache.CostSaved, 2)),
		fmt.Sprintf("Stored audio: %s", humanize.Bytes(uint64(max(r.Cache.StoredBytes, 0)))),
	)

	for _, share := range r.Cache.ProviderDistribution {
		lines = append(lines, fmt.Sprintf("  %-12s %s assets (%.0f%%)", share.Provider, humanize.Comma(share.Assets), share.Share*100))
	}

	lines = append(lines,
		fmt.Sprintf("Jobs:         %d (%d items generated, %d from cache, %d failed)",
			r.Jobs.Jobs, r.Jobs.ItemsGenerated, r.Jobs.ItemsFromCache, r.Jobs.ItemsFailed),
		fmt.Sprintf("Job savings:  %s", humanize.CommafWithDigits(r.Jobs.CostSavedEstimate, 2)),
	)

	return lines
}
