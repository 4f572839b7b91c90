package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-service/internal/core"
)

// ErrNoBackends indicates a fallback chain built without backends.
var ErrNoBackends = errors.New("no synthesis backends configured")

// Fallback tries backends in order. It moves on when a backend exhausts its
// retries or is unauthorized, and stops at the first rejection of the input,
// since another backend would reject the same text.
type Fallback struct {
	backends []core.Synthesizer
	log      *logger.Logger
}

// Compile-time interface assertion.
var _ core.Synthesizer = (*Fallback)(nil)

// NewFallback creates a chain with the primary backend first.
func NewFallback(log *logger.Logger, backends ...core.Synthesizer) (*Fallback, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}

	return &Fallback{backends: backends, log: log}, nil
}

// Name joins the backend names, e.g. "openai>http".
func (f *Fallback) Name() string {
	names := make([]string, 0, len(f.backends))
	for _, backend := range f.backends {
		names = append(names, backend.Name())
	}

	return strings.Join(names, ">")
}

// Synthesize returns the first successful synthesis. The Provider field names
// the backend that produced it.
func (f *Fallback) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.Synthesis, error) {
	var errs []error

	for index, backend := range f.backends {
		synthesis, err := backend.Synthesize(ctx, req)
		if err == nil {
			if index > 0 {
				f.log.Warn("Synthesis served by fallback backend %s after %d failure(s)", backend.Name(), index)
			}

			if synthesis.Provider == "" {
				synthesis.Provider = backend.Name()
			}

			return synthesis, nil
		}

		errs = append(errs, err)

		if ctx.Err() != nil || errors.Is(err, core.ErrProviderInvalidInput) {
			break
		}

		if index < len(f.backends)-1 {
			f.log.Warn("Backend %s failed, trying %s: %v", backend.Name(), f.backends[index+1].Name(), err)
		}
	}

	if len(errs) == 1 {
		return core.Synthesis{}, errs[0]
	}

	return core.Synthesis{}, fmt.Errorf("all synthesis backends failed: %w", errors.Join(errs...))
}
