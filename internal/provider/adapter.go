// Package provider adapts external speech synthesis backends to the
// core.Synthesizer contract.
//
// Backends (HTTP service, OpenAI, local chatllm) only classify their failures.
// Adapter adds what every backend needs around a single call: a client-side
// rate limit, a hard deadline per attempt and retries with exponential backoff
// for rate-limited and transient failures.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/book-expert/logger"
	"golang.org/x/time/rate"

	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/metrics"
)

// RetryConfig holds the retry policy of an Adapter.
type RetryConfig struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// AttemptTimeout is the hard deadline of a single backend call.
	AttemptTimeout time.Duration
}

// DefaultRetryConfig returns the policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       4,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		AttemptTimeout:    2 * time.Minute,
	}
}

// withDefaults fills zero fields from DefaultRetryConfig.
func (c RetryConfig) withDefaults() RetryConfig {
	defaults := DefaultRetryConfig()

	if c.MaxAttempts < 1 {
		c.MaxAttempts = defaults.MaxAttempts
	}

	if c.InitialBackoff <= 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}

	if c.MaxBackoff <= 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}

	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}

	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaults.AttemptTimeout
	}

	return c
}

// Backoff returns the ceiling of the wait before retry number attempt (1-based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := float64(c.InitialBackoff) * math.Pow(c.BackoffMultiplier, float64(attempt-1))
	if backoff > float64(c.MaxBackoff) {
		return c.MaxBackoff
	}

	return time.Duration(backoff)
}

// Adapter wraps a backend with throttling, deadlines and retries.
type Adapter struct {
	backend core.Synthesizer
	retry   RetryConfig
	limiter *rate.Limiter
	log     *logger.Logger

	// sleep waits for d or until ctx ends.
	sleep func(ctx context.Context, d time.Duration) error
	// jitter picks the actual wait in [0, ceiling].
	jitter func(ceiling time.Duration) time.Duration
}

// NewAdapter wraps backend. limiter may be nil for no client-side throttle.
func NewAdapter(backend core.Synthesizer, retry RetryConfig, limiter *rate.Limiter, log *logger.Logger) *Adapter {
	return &Adapter{
		backend: backend,
		retry:   retry.withDefaults(),
		limiter: limiter,
		log:     log,
		sleep:   sleepContext,
		jitter:  fullJitter,
	}
}

// NewLimiter builds a token bucket for requestsPerSecond; zero or less disables it.
func NewLimiter(requestsPerSecond float64, burst int) *rate.Limiter {
	if requestsPerSecond <= 0 {
		return nil
	}

	if burst < 1 {
		burst = 1
	}

	return rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Name returns the wrapped backend's name.
func (a *Adapter) Name() string {
	return a.backend.Name()
}

// Synthesize calls the backend until it succeeds, fails terminally or the
// attempts run out. Exhausted retries return the last classified error.
func (a *Adapter) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.Synthesis, error) {
	var lastErr error

	for attempt := 1; attempt <= a.retry.MaxAttempts; attempt++ {
		if a.limiter != nil {
			err := a.limiter.Wait(ctx)
			if err != nil {
				return core.Synthesis{}, fmt.Errorf("%s: waiting for rate limiter: %w", a.Name(), err)
			}
		}

		started := time.Now()
		synthesis, err := a.attempt(ctx, req)
		elapsed := time.Since(started).Seconds()

		if err == nil {
			metrics.RecordProviderAttempt(a.Name(), metrics.AttemptSuccess, elapsed)
			metrics.RecordAudioBytes(a.Name(), len(synthesis.Audio))

			return a.complete(synthesis, req), nil
		}

		if ctx.Err() != nil {
			metrics.RecordProviderAttempt(a.Name(), metrics.AttemptFailed, elapsed)

			return core.Synthesis{}, fmt.Errorf("%s: %w", a.Name(), ctx.Err())
		}

		lastErr = err

		if !core.Retryable(err) || attempt == a.retry.MaxAttempts {
			metrics.RecordProviderAttempt(a.Name(), metrics.AttemptFailed, elapsed)

			break
		}

		metrics.RecordProviderAttempt(a.Name(), metrics.AttemptRetry, elapsed)

		wait := a.waitBefore(attempt, err)
		a.log.Warn("Provider %s attempt %d/%d failed, retrying in %s: %v",
			a.Name(), attempt, a.retry.MaxAttempts, wait, err)

		err = a.sleep(ctx, wait)
		if err != nil {
			return core.Synthesis{}, fmt.Errorf("%s: %w", a.Name(), err)
		}
	}

	return core.Synthesis{}, lastErr
}

// attempt runs one deadline-bound backend call and classifies what it returns.
func (a *Adapter) attempt(ctx context.Context, req core.SynthesisRequest) (core.Synthesis, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, a.retry.AttemptTimeout)
	defer cancel()

	synthesis, err := a.backend.Synthesize(attemptCtx, req)
	if err != nil {
		return core.Synthesis{}, a.classify(ctx, err)
	}

	if len(synthesis.Audio) == 0 {
		return core.Synthesis{}, core.NewProviderError(core.ErrProviderTransient, a.Name(), 0, errEmptyAudio)
	}

	return synthesis, nil
}

// classify gives unclassified backend errors a kind. An attempt deadline is
// transient; anything the backend did not classify is treated as transient.
func (a *Adapter) classify(ctx context.Context, err error) error {
	var providerErr *core.ProviderError
	if errors.As(err, &providerErr) {
		return err
	}

	if ctx.Err() != nil {
		return err
	}

	return core.NewProviderError(core.ErrProviderTransient, a.Name(), 0, err)
}

func (a *Adapter) waitBefore(attempt int, err error) time.Duration {
	ceiling := a.retry.Backoff(attempt)

	var providerErr *core.ProviderError
	if errors.As(err, &providerErr) && providerErr.RetryAfter > 0 {
		return min(providerErr.RetryAfter, a.retry.MaxBackoff)
	}

	return a.jitter(ceiling)
}

// complete fills what the backend left out.
func (a *Adapter) complete(synthesis core.Synthesis, req core.SynthesisRequest) core.Synthesis {
	if synthesis.Provider == "" {
		synthesis.Provider = a.Name()
	}

	if synthesis.WordCount == 0 {
		synthesis.WordCount = CountWords(req.Text)
	}

	if synthesis.DurationSeconds <= 0 {
		synthesis.DurationSeconds = EstimateDuration(synthesis.Audio, synthesis.WordCount, req.SpeakingRate)
	}

	return synthesis
}

func fullJitter(ceiling time.Duration) time.Duration {
	if ceiling <= 0 {
		return 0
	}

	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
