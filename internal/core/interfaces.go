// Package core defines the domain types and interfaces shared by the narration service.
package core

import "context"

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// AssetRegistry is the persistent fingerprint -> AudioAsset mapping.
//
// Implementations enforce fingerprint uniqueness themselves: a second Insert for
// the same fingerprint fails with ErrAlreadyExists no matter what callers did to
// avoid it. Storage outages are reported as ErrRegistryUnavailable.
type AssetRegistry interface {
	// Lookup returns the asset for fp or ErrNotFound. A hit bumps the access
	// counters without delaying the returned value.
	Lookup(ctx context.Context, fp Fingerprint) (AudioAsset, error)
	Insert(ctx context.Context, asset AudioAsset) (AudioAsset, error)
	// Touch counts a serve of fp that did not go through Lookup.
	Touch(ctx context.Context, fp Fingerprint) error
	Stats(ctx context.Context) (RegistryStats, error)
	Assets(ctx context.Context) ([]AudioAsset, error)
}

// JobStore persists batch jobs. The batch orchestrator is its only writer.
type JobStore interface {
	Save(ctx context.Context, job *BatchJob) error
	Get(ctx context.Context, id string) (*BatchJob, error)
	List(ctx context.Context) ([]*BatchJob, error)
}

// Synthesizer is the abstract synthesis capability.
type Synthesizer interface {
	Name() string
	Synthesize(ctx context.Context, req SynthesisRequest) (Synthesis, error)
}
