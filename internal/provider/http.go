package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/narration-service/internal/core"
)

// API endpoints and paths.
const (
	apiGenerateSpeech = "/v1/generate/speech"
	apiHealth         = "/health"
)

// HTTP headers.
const (
	headerContentType   = "Content-Type"
	headerAccept        = "Accept"
	headerAuthorization = "Authorization"
	headerRetryAfter    = "Retry-After"
	headerDuration      = "X-Audio-Duration"
	headerWordCount     = "X-Word-Count"
	contentTypeJSON     = "application/json"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

// HTTPName is the provider name of HTTPBackend.
const HTTPName = "http"

// HTTPBackend calls a standalone speech synthesis HTTP service.
type HTTPBackend struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// speechRequest is the JSON payload of a generation request.
type speechRequest struct {
	Text         string  `json:"text"`
	VoiceID      string  `json:"voice_id"`
	ModelID      string  `json:"model_id,omitempty"`
	SpeakingRate float64 `json:"speaking_rate"`
	Format       string  `json:"format"`
}

// errorResponse is the structured error body of the service.
type errorResponse struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

// NewHTTPBackend creates a backend for the service at baseURL
// (e.g. "http://localhost:8000"). apiKey is sent as a bearer token when set.
// Attempt deadlines come from the caller's context, so the client has no timeout.
func NewHTTPBackend(baseURL, apiKey string) *HTTPBackend {
	return &HTTPBackend{
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
	}
}

// Name implements core.Synthesizer.
func (c *HTTPBackend) Name() string {
	return HTTPName
}

// Synthesize sends one generation request and returns the audio bytes.
// Duration and word count are taken from response headers when present.
func (c *HTTPBackend) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.Synthesis, error) {
	requestBody, err := json.Marshal(speechRequest{
		Text:         req.Text,
		VoiceID:      req.VoiceID,
		ModelID:      req.ModelID,
		SpeakingRate: req.SpeakingRate,
		Format:       req.Format,
	})
	if err != nil {
		return core.Synthesis{}, core.NewProviderError(core.ErrProviderInvalidInput, HTTPName, 0,
			fmt.Errorf("failed to marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiGenerateSpeech,
		bytes.NewReader(requestBody))
	if err != nil {
		return core.Synthesis{}, core.NewProviderError(core.ErrProviderInvalidInput, HTTPName, 0,
			fmt.Errorf("failed to create request: %w", err))
	}

	httpReq.Header.Set(headerContentType, contentTypeJSON)
	httpReq.Header.Set(headerAccept, "audio/"+req.Format)

	if c.apiKey != "" {
		httpReq.Header.Set(headerAuthorization, "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return core.Synthesis{}, core.NewProviderError(core.ErrProviderTransient, HTTPName, 0,
			fmt.Errorf("failed to send request to %s: %w", c.baseURL, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return core.Synthesis{}, c.parseErrorResponse(resp)
	}

	audioData, err := io.ReadAll(resp.Body)
	if err != nil {
		return core.Synthesis{}, core.NewProviderError(core.ErrProviderTransient, HTTPName, resp.StatusCode,
			fmt.Errorf("failed to read audio data: %w", err))
	}

	synthesis := core.Synthesis{
		Audio:           audioData,
		DurationSeconds: 0,
		WordCount:       0,
		Provider:        HTTPName,
	}

	duration, parseErr := strconv.ParseFloat(resp.Header.Get(headerDuration), 64)
	if parseErr == nil && duration > 0 {
		synthesis.DurationSeconds = duration
	}

	words, parseErr := strconv.Atoi(resp.Header.Get(headerWordCount))
	if parseErr == nil && words > 0 {
		synthesis.WordCount = words
	}

	return synthesis, nil
}

// HealthCheck verifies that the synthesis service is up.
func (c *HTTPBackend) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiHealth, http.NoBody)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed for service at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed with status: %s", resp.Status)
	}

	return nil
}

// parseErrorResponse classifies a non-OK response, keeping the structured
// error body when the service sent one and the raw body otherwise.
func (c *HTTPBackend) parseErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var cause error

	var errorResp errorResponse

	err := json.Unmarshal(body, &errorResp)
	if err == nil && errorResp.Detail != "" {
		cause = fmt.Errorf("%s (code: %s)", errorResp.Detail, errorResp.ErrorCode)
	} else {
		cause = fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	providerErr := core.NewProviderError(ClassifyStatus(resp.StatusCode), HTTPName, resp.StatusCode, cause)
	providerErr.RetryAfter = ParseRetryAfter(resp.Header.Get(headerRetryAfter), time.Now())

	return providerErr
}

// ClassifyStatus maps an HTTP status of a failed call to an error kind.
func ClassifyStatus(status int) error {
	switch {
	case status == http.StatusTooManyRequests:
		return core.ErrProviderRateLimited
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return core.ErrProviderUnauthorized
	case status == http.StatusRequestTimeout, status >= http.StatusInternalServerError:
		return core.ErrProviderTransient
	case status >= http.StatusBadRequest:
		return core.ErrProviderInvalidInput
	default:
		return core.ErrProviderTransient
	}
}

// ParseRetryAfter reads a Retry-After value in seconds or as an HTTP date.
// It returns zero when the header is absent or unusable.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	seconds, err := strconv.Atoi(value)
	if err == nil {
		if seconds < 0 {
			return 0
		}

		return time.Duration(seconds) * time.Second
	}

	at, err := http.ParseTime(value)
	if err != nil {
		return 0
	}

	if wait := at.Sub(now); wait > 0 {
		return wait
	}

	return 0
}
