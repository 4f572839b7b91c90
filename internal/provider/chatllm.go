package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/book-expert/logger"

	"github.com/book-expert/narration-service/internal/core"
)

// ChatLLMName is the provider name of ChatLLMBackend.
const ChatLLMName = "chatllm"

const chatllmFormat = "wav"

var (
	// ErrModelPathEmpty indicates that the model path is empty.
	ErrModelPathEmpty = errors.New("model path cannot be empty")
	// ErrSnacModelPathEmpty indicates that the SNAC model path is empty.
	ErrSnacModelPathEmpty = errors.New("snac model path cannot be empty")
	// ErrUnsupportedVoice indicates that the requested voice is not supported.
	ErrUnsupportedVoice = errors.New("unsupported voice")
	// ErrUnsupportedFormat indicates that the backend cannot produce the requested format.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	// ErrTopPRange indicates that the TopP parameter is out of the valid range [0.0, 1.0].
	ErrTopPRange = errors.New("top_p must be between 0.0 and 1.0")
	// ErrRepetitionPenaltyRange indicates that the RepetitionPenalty parameter is below 1.0.
	ErrRepetitionPenaltyRange = errors.New("repetition penalty must be >= 1.0")
	// ErrTemperatureRange indicates that the Temperature parameter is negative.
	ErrTemperatureRange = errors.New("temperature must be >= 0.0")
	// ErrNGLNegative indicates that the NGL (number of GPU layers) parameter is negative.
	ErrNGLNegative = errors.New("n_gpu_layers must be non-negative")
)

// ChatLLMConfig configures the local chatllm binary.
type ChatLLMConfig struct {
	BinaryPath        string
	ModelPath         string
	SnacModelPath     string
	Voices            []string
	Seed              int
	NGL               int
	TopP              float64
	RepetitionPenalty float64
	Temperature       float64
}

// Validate ensures the configuration holds valid and safe values.
func (c ChatLLMConfig) Validate() error {
	if c.ModelPath == "" {
		return ErrModelPathEmpty
	}

	if c.SnacModelPath == "" {
		return ErrSnacModelPathEmpty
	}

	if c.TopP < 0.0 || c.TopP > 1.0 {
		return fmt.Errorf("%w: got %f", ErrTopPRange, c.TopP)
	}

	// 1.0 means no penalty
	if c.RepetitionPenalty < 1.0 {
		return fmt.Errorf("%w: got %f", ErrRepetitionPenaltyRange, c.RepetitionPenalty)
	}

	if c.Temperature < 0.0 {
		return fmt.Errorf("%w: got %f", ErrTemperatureRange, c.Temperature)
	}

	if c.NGL < 0 {
		return fmt.Errorf("%w: got %d", ErrNGLNegative, c.NGL)
	}

	return nil
}

// ChatLLMBackend synthesizes WAV audio by running the chatllm binary.
type ChatLLMBackend struct {
	config ChatLLMConfig
	voices map[string]struct{}
	log    *logger.Logger
}

// NewChatLLMBackend validates cfg and creates the backend. An empty binary
// path means "chatllm" from PATH.
func NewChatLLMBackend(cfg ChatLLMConfig, log *logger.Logger) (*ChatLLMBackend, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid chatllm configuration: %w", err)
	}

	if cfg.BinaryPath == "" {
		cfg.BinaryPath = ChatLLMName
	}

	voices := make(map[string]struct{}, len(cfg.Voices))
	for _, voice := range cfg.Voices {
		voices[voice] = struct{}{}
	}

	return &ChatLLMBackend{config: cfg, voices: voices, log: log}, nil
}

// Name implements core.Synthesizer.
func (p *ChatLLMBackend) Name() string {
	return ChatLLMName
}

// Synthesize runs the binary once for req and reads the exported WAV file.
func (p *ChatLLMBackend) Synthesize(ctx context.Context, req core.SynthesisRequest) (core.Synthesis, error) {
	err := p.validateRequest(req)
	if err != nil {
		return core.Synthesis{}, core.NewProviderError(core.ErrProviderInvalidInput, ChatLLMName, 0, err)
	}

	tempFile, err := os.CreateTemp("", "narration-*.wav")
	if err != nil {
		return core.Synthesis{}, core.NewProviderError(core.ErrProviderTransient, ChatLLMName, 0,
			fmt.Errorf("failed to create temp file for output: %w", err))
	}

	_ = tempFile.Close()

	defer func() {
		removeErr := os.Remove(tempFile.Name())
		if removeErr != nil {
			p.log.Warn("Failed to remove temp file '%s': %v", tempFile.Name(), removeErr)
		}
	}()

	// #nosec G204 -- arguments are validated via ChatLLMConfig and validateRequest
	cmd := exec.CommandContext(ctx, p.config.BinaryPath, p.args(req, tempFile.Name())...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		kind := core.ErrProviderTransient
		if errors.Is(err, exec.ErrNotFound) {
			kind = core.ErrProviderUnauthorized
		}

		return core.Synthesis{}, core.NewProviderError(kind, ChatLLMName, 0,
			fmt.Errorf("chatllm binary execution failed: %w - output: %s", err, string(output)))
	}

	audioData, err := os.ReadFile(tempFile.Name())
	if err != nil {
		return core.Synthesis{}, core.NewProviderError(core.ErrProviderTransient, ChatLLMName, 0,
			fmt.Errorf("failed to read audio data from temp file: %w", err))
	}

	return core.Synthesis{
		Audio:           audioData,
		DurationSeconds: 0,
		WordCount:       0,
		Provider:        ChatLLMName,
	}, nil
}

func (p *ChatLLMBackend) validateRequest(req core.SynthesisRequest) error {
	if req.Format != chatllmFormat {
		return fmt.Errorf("%w: '%s' (only %s)", ErrUnsupportedFormat, req.Format, chatllmFormat)
	}

	if len(p.voices) == 0 {
		return nil
	}

	if _, ok := p.voices[req.VoiceID]; !ok {
		return fmt.Errorf("%w: '%s'", ErrUnsupportedVoice, req.VoiceID)
	}

	return nil
}

func (p *ChatLLMBackend) args(req core.SynthesisRequest, output string) []string {
	return []string{
		"-m", p.config.ModelPath,
		"--snac_model", p.config.SnacModelPath,
		"-p", fmt.Sprintf("{%s}: %s", req.VoiceID, req.Text),
		"--tts_export", output,
		"--seed", strconv.Itoa(p.config.Seed),
		"-ngl", strconv.Itoa(p.config.NGL),
		"--top_p", fmt.Sprintf("%.2f", p.config.TopP),
		"--repetition_penalty", fmt.Sprintf("%.2f", p.config.RepetitionPenalty),
		"--temp", fmt.Sprintf("%.2f", p.config.Temperature),
	}
}
