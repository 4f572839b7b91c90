package core

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidRequest indicates a malformed synthesis request or job submission.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFound indicates the registry holds no asset for a fingerprint.
	ErrNotFound = errors.New("asset not found")
	// ErrAlreadyExists indicates an asset for the fingerprint was inserted before.
	ErrAlreadyExists = errors.New("asset already exists")
	// ErrBlobNotFound indicates the blob store holds no object under a key.
	ErrBlobNotFound = errors.New("blob not found")
	// ErrRegistryUnavailable indicates the backing store could not be reached.
	ErrRegistryUnavailable = errors.New("asset registry unavailable")

	// ErrProviderRateLimited indicates the provider throttled the call.
	ErrProviderRateLimited = errors.New("provider rate limited")
	// ErrProviderTransient indicates a retryable provider or network failure.
	ErrProviderTransient = errors.New("provider transient failure")
	// ErrProviderInvalidInput indicates the provider rejected the request itself.
	ErrProviderInvalidInput = errors.New("provider rejected input")
	// ErrProviderUnauthorized indicates missing or wrong provider credentials.
	ErrProviderUnauthorized = errors.New("provider unauthorized")

	// ErrJobNotFound indicates no job with the given id exists.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobCancelled marks items that were never started because their job was cancelled.
	ErrJobCancelled = errors.New("job cancelled")
	// ErrJobTerminal indicates an operation on a job that already finished.
	ErrJobTerminal = errors.New("job already finished")
	// ErrNoItems indicates a job submission without items.
	ErrNoItems = errors.New("job has no items")
)

// ProviderError carries the classification of a failed provider call.
type ProviderError struct {
	// Kind is one of the ErrProvider* sentinels.
	Kind       error
	Provider   string
	StatusCode int
	// RetryAfter is the provider's backoff hint, zero when absent.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %v (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("%s: %v: %v", e.Provider, e.Kind, e.Err)
}

// Unwrap exposes both the classification and the cause to errors.Is.
func (e *ProviderError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// NewProviderError builds a classified provider error.
func NewProviderError(kind error, provider string, statusCode int, err error) *ProviderError {
	return &ProviderError{
		Kind:       kind,
		Provider:   provider,
		StatusCode: statusCode,
		RetryAfter: 0,
		Err:        err,
	}
}

// Retryable reports whether err is a provider failure worth another attempt.
func Retryable(err error) bool {
	return errors.Is(err, ErrProviderRateLimited) || errors.Is(err, ErrProviderTransient)
}
