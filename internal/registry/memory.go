// Package registry provides AssetRegistry implementations: an in-process map,
// a NATS JetStream key-value bucket and a MongoDB collection.
//
// Every backend enforces one asset per fingerprint at the storage level and
// never deletes assets.
package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/book-expert/narration-service/internal/core"
)

// Memory is an AssetRegistry held in process memory.
type Memory struct {
	mu     sync.Mutex
	assets map[core.Fingerprint]core.AudioAsset
	now    func() time.Time
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		mu:     sync.Mutex{},
		assets: make(map[core.Fingerprint]core.AudioAsset),
		now:    time.Now,
	}
}

// Lookup returns the asset for fp and counts the access.
func (m *Memory) Lookup(_ context.Context, fp core.Fingerprint) (core.AudioAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	asset, ok := m.assets[fp]
	if !ok {
		return core.AudioAsset{}, fmt.Errorf("%w: %s", core.ErrNotFound, fp)
	}

	asset.AccessCount++
	asset.LastAccessedAt = m.now()
	m.assets[fp] = asset

	return asset, nil
}

// Insert stores a new asset. The access counter starts at one.
func (m *Memory) Insert(_ context.Context, asset core.AudioAsset) (core.AudioAsset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.assets[asset.Fingerprint]; exists {
		return core.AudioAsset{}, fmt.Errorf("%w: %s", core.ErrAlreadyExists, asset.Fingerprint)
	}

	stamped := stampNew(asset, m.now())
	m.assets[asset.Fingerprint] = stamped

	return stamped, nil
}

// Touch counts a serve of fp that did not go through Lookup.
func (m *Memory) Touch(_ context.Context, fp core.Fingerprint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	asset, ok := m.assets[fp]
	if !ok {
		return fmt.Errorf("%w: %s", core.ErrNotFound, fp)
	}

	asset.AccessCount++
	asset.LastAccessedAt = m.now()
	m.assets[fp] = asset

	return nil
}

// Stats aggregates every stored asset.
func (m *Memory) Stats(_ context.Context) (core.RegistryStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := core.RegistryStats{ProviderCounts: make(map[string]int64)}
	for _, asset := range m.assets {
		stats.Add(asset)
	}

	return stats, nil
}

// Assets returns a snapshot of all assets ordered by creation time.
func (m *Memory) Assets(_ context.Context) ([]core.AudioAsset, error) {
	m.mu.Lock()
	assets := make([]core.AudioAsset, 0, len(m.assets))

	for _, asset := range m.assets {
		assets = append(assets, asset)
	}
	m.mu.Unlock()

	sortByCreation(assets)

	return assets, nil
}

// stampNew fills the bookkeeping fields of a freshly generated asset.
func stampNew(asset core.AudioAsset, now time.Time) core.AudioAsset {
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = now
	}

	asset.LastAccessedAt = asset.CreatedAt
	asset.AccessCount = 1

	return asset
}

func sortByCreation(assets []core.AudioAsset) {
	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].Fingerprint < assets[j].Fingerprint
		}

		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
}
