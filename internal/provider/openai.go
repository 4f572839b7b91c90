package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/book-expert/narration-service/internal/core"
)

// OpenAIName is the provider name of OpenAIBackend.
const OpenAIName = "openai"

// OpenAIBackend synthesizes speech with the OpenAI audio API.
type OpenAIBackend struct {
	client       *openai.Client
	defaultModel openai.SpeechModel
}

// NewOpenAIBackend creates a backend for apiKey. baseURL overrides the API
// endpoint when set; requests without a model id use defaultModel.
func NewOpenAIBackend(apiKey, baseURL, defaultModel string) *OpenAIBackend {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}

	model := openai.TTSModel1
	if defaultModel != "" {
		model = openai.SpeechModel(defaultModel)
	}

	return &OpenAIBackend{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: model,
	}
}

// Name implements core.Synthesizer.
func (o *OpenAIBackend) Name() string {
	return OpenAIName
}

// Synthesize requests speech for req and reads the whole response.
func (o *OpenAIBackend) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.Synthesis, error) {
	model := o.defaultModel
	if req.ModelID != "" {
		model = openai.SpeechModel(req.ModelID)
	}

	request := openai.CreateSpeechRequest{
		Model:          model,
		Input:          req.Text,
		Voice:          openai.SpeechVoice(req.VoiceID),
		ResponseFormat: openai.SpeechResponseFormat(req.Format),
		Speed:          req.SpeakingRate,
	}

	response, err := o.client.CreateSpeech(ctx, request)
	if err != nil {
		return core.Synthesis{}, classifyOpenAIError(err)
	}
	defer response.Close()

	audioData, err := io.ReadAll(response)
	if err != nil {
		return core.Synthesis{}, core.NewProviderError(core.ErrProviderTransient, OpenAIName, 0,
			fmt.Errorf("failed to read speech response: %w", err))
	}

	return core.Synthesis{
		Audio:           audioData,
		DurationSeconds: 0,
		WordCount:       0,
		Provider:        OpenAIName,
	}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return core.NewProviderError(ClassifyStatus(apiErr.HTTPStatusCode), OpenAIName, apiErr.HTTPStatusCode, err)
	}

	var requestErr *openai.RequestError
	if errors.As(err, &requestErr) {
		return core.NewProviderError(ClassifyStatus(requestErr.HTTPStatusCode), OpenAIName,
			requestErr.HTTPStatusCode, err)
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return core.NewProviderError(core.ErrProviderTransient, OpenAIName, 0, err)
}
