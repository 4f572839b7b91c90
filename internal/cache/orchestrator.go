// Package cache implements get-or-generate: the one entry point that turns a
// synthesis request into a stored audio asset, paying the provider at most once
// per fingerprint.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/fingerprint"
	"github.com/book-expert/narration-service/internal/flight"
	"github.com/book-expert/narration-service/internal/metrics"
)

// Result is the outcome of one get-or-generate call.
type Result struct {
	Asset       core.AudioAsset `json:"asset"`
	Fingerprint core.Fingerprint `json:"fingerprint"`
	// CacheHit is false only for the caller whose call paid for the generation.
	CacheHit bool `json:"cache_hit"`
}

// Orchestrator coordinates the fingerprint deriver, the asset registry, the
// single-flight coordinator, the synthesizer and the blob store.
type Orchestrator struct {
	deriver     *fingerprint.Deriver
	registry    core.AssetRegistry
	flight      *flight.Coordinator
	synthesizer core.Synthesizer
	blobs       core.ObjectStore
	log         *logger.Logger
	now         func() time.Time

	calls atomic.Uint64
}

// generation is what a flight execution hands to every waiter.
type generation struct {
	asset core.AudioAsset
	// executor is the call id of the caller whose closure ran.
	executor uint64
	// hit is set when the closure found the asset instead of generating it.
	hit bool
	// registered is false when the asset could not be recorded (fail-open).
	registered bool
}

// New creates an Orchestrator.
func New(
	deriver *fingerprint.Deriver,
	registry core.AssetRegistry,
	coordinator *flight.Coordinator,
	synthesizer core.Synthesizer,
	blobs core.ObjectStore,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		deriver:     deriver,
		registry:    registry,
		flight:      coordinator,
		synthesizer: synthesizer,
		blobs:       blobs,
		log:         log,
		now:         time.Now,
		calls:       atomic.Uint64{},
	}
}

// BlobKey is the deterministic blob store key of an asset.
func BlobKey(fp core.Fingerprint, format string) string {
	return fp.String() + "." + format
}

// GetOrGenerate returns the asset for req, generating it on a miss. Concurrent
// callers with the same fingerprint share one generation; every caller but the
// one that ran it sees CacheHit. If the registry is down the audio is still
// generated and returned, just not recorded.
func (o *Orchestrator) GetOrGenerate(ctx context.Context, req core.SynthesisRequest) (Result, error) {
	canonical, err := o.deriver.Canonicalize(req)
	if err != nil {
		return Result{}, err
	}

	fp, err := o.deriver.Derive(canonical)
	if err != nil {
		return Result{}, err
	}

	asset, err := o.registry.Lookup(ctx, fp)
	if err == nil {
		metrics.RecordLookup(metrics.LookupHit)

		return Result{Asset: asset, Fingerprint: fp, CacheHit: true}, nil
	}

	if !errors.Is(err, core.ErrNotFound) {
		o.log.Warn("Registry lookup for %s failed, continuing without cache: %v", fp.Short(), err)
	}

	callID := o.calls.Add(1)

	value, _, err := o.flight.Run(ctx, fp.String(), func(flightCtx context.Context) (any, error) {
		return o.generate(flightCtx, fp, canonical, callID)
	})
	if err != nil {
		metrics.RecordLookup(metrics.LookupError)

		return Result{Asset: core.AudioAsset{}, Fingerprint: fp, CacheHit: false}, err
	}

	out, ok := value.(generation)
	if !ok {
		return Result{}, fmt.Errorf("unexpected flight result %T for %s", value, fp.Short())
	}

	if out.executor == callID {
		return Result{Asset: out.asset, Fingerprint: fp, CacheHit: out.hit}, nil
	}

	metrics.RecordLookup(metrics.LookupShared)

	if out.registered {
		touchErr := o.registry.Touch(ctx, fp)
		if touchErr != nil {
			o.log.Warn("Failed to count shared serve of %s: %v", fp.Short(), touchErr)
		}
	}

	return Result{Asset: out.asset, Fingerprint: fp, CacheHit: true}, nil
}

// generate runs once per fingerprint at a time, inside the flight.
func (o *Orchestrator) generate(
	ctx context.Context,
	fp core.Fingerprint,
	req core.SynthesisRequest,
	callID uint64,
) (generation, error) {
	// A flight that finished between our lookup and our Run already stored it.
	existing, recheckErr := o.registry.Lookup(ctx, fp)
	if recheckErr == nil {
		metrics.RecordLookup(metrics.LookupHit)

		return generation{asset: existing, executor: callID, hit: true, registered: true}, nil
	}

	synthesis, err := o.synthesizer.Synthesize(ctx, req)
	if err != nil {
		return generation{}, fmt.Errorf("synthesize %s: %w", fp.Short(), err)
	}

	blobRef := BlobKey(fp, req.Format)

	err = o.blobs.Upload(ctx, blobRef, synthesis.Audio)
	if err != nil {
		return generation{}, fmt.Errorf("upload blob %s: %w", blobRef, err)
	}

	now := o.now()
	asset := core.AudioAsset{
		Fingerprint:     fp,
		BlobRef:         blobRef,
		DurationSeconds: synthesis.DurationSeconds,
		WordCount:       synthesis.WordCount,
		SizeBytes:       int64(len(synthesis.Audio)),
		Provider:        synthesis.Provider,
		VoiceID:         req.VoiceID,
		ModelID:         req.ModelID,
		Format:          req.Format,
		CreatedAt:       now,
		LastAccessedAt:  now,
		AccessCount:     1,
	}

	if !errors.Is(recheckErr, core.ErrNotFound) {
		return o.failOpen(asset, callID, recheckErr), nil
	}

	inserted, err := o.registry.Insert(ctx, asset)
	if err == nil {
		metrics.RecordLookup(metrics.LookupMiss)
		o.log.Info("Generated %s via %s (%d bytes, %.1fs)", fp.Short(), asset.Provider, asset.SizeBytes,
			asset.DurationSeconds)

		return generation{asset: inserted, executor: callID, hit: false, registered: true}, nil
	}

	if errors.Is(err, core.ErrAlreadyExists) {
		winner, lookupErr := o.registry.Lookup(ctx, fp)
		if lookupErr == nil {
			metrics.RecordLookup(metrics.LookupRace)

			return generation{asset: winner, executor: callID, hit: true, registered: true}, nil
		}

		err = lookupErr
	}

	return o.failOpen(asset, callID, err), nil
}

func (o *Orchestrator) failOpen(asset core.AudioAsset, callID uint64, cause error) generation {
	metrics.RecordLookup(metrics.LookupFailOpen)
	o.log.Warn("Serving %s without caching, registry unavailable: %v", asset.Fingerprint.Short(), cause)

	return generation{asset: asset, executor: callID, hit: false, registered: false}
}
