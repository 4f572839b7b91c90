// Package config provides the configuration structure for the narration service.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Backend names accepted by the storage section.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendMongo  = "mongo"
	BackendFS     = "fs"
)

// Provider names accepted in the provider chain.
const (
	ProviderHTTP    = "http"
	ProviderOpenAI  = "openai"
	ProviderChatLLM = "chatllm"
)

// SecretsPrefix prefixes every secret environment variable.
const SecretsPrefix = "NARRATION"

var (
	// ErrUnknownBackend indicates a storage backend name that is not supported.
	ErrUnknownBackend = errors.New("unknown storage backend")
	// ErrUnknownProvider indicates a provider chain entry that is not supported.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrMissingSetting indicates a required setting is empty.
	ErrMissingSetting = errors.New("missing required setting")
)

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL string `toml:"url"`
	// SubjectPrefix roots the request/reply subjects, e.g. "narration.submit".
	SubjectPrefix          string `toml:"subject_prefix"`
	AudioObjectStoreBucket string `toml:"audio_object_store_bucket"`
	TextObjectStoreBucket  string `toml:"text_object_store_bucket"`
	AssetsBucket           string `toml:"assets_bucket"`
	JobsBucket             string `toml:"jobs_bucket"`
}

// MongoConfig names the database used by the mongo backends. The URI is a secret.
type MongoConfig struct {
	Database         string `toml:"database"`
	AssetsCollection string `toml:"assets_collection"`
	JobsCollection   string `toml:"jobs_collection"`
}

// StorageConfig selects the backend of each store.
type StorageConfig struct {
	RegistryBackend  string `toml:"registry_backend"`
	JobBackend       string `toml:"job_backend"`
	BlobBackend      string `toml:"blob_backend"`
	FSPath           string `toml:"fs_path"`
	CompressionLevel int    `toml:"compression_level"`
}

// ChatLLMConfig configures the local chatllm backend.
type ChatLLMConfig struct {
	BinaryPath        string   `toml:"binary_path"`
	ModelPath         string   `toml:"model_path"`
	SnacModelPath     string   `toml:"snac_model_path"`
	Voices            []string `toml:"voices"`
	Seed              int      `toml:"seed"`
	NGL               int      `toml:"ngl"`
	TopP              float64  `toml:"top_p"`
	RepetitionPenalty float64  `toml:"repetition_penalty"`
	Temperature       float64  `toml:"temperature"`
}

// ProviderConfig holds the synthesis backends and the retry policy wrapped around each.
type ProviderConfig struct {
	// Chain lists backends in fallback order.
	Chain                 []string      `toml:"chain"`
	HTTPBaseURL           string        `toml:"http_base_url"`
	OpenAIBaseURL         string        `toml:"openai_base_url"`
	OpenAIModel           string        `toml:"openai_model"`
	RequestsPerSecond     float64       `toml:"requests_per_second"`
	Burst                 int           `toml:"burst"`
	MaxAttempts           int           `toml:"max_attempts"`
	InitialBackoffMillis  int           `toml:"initial_backoff_ms"`
	MaxBackoffMillis      int           `toml:"max_backoff_ms"`
	BackoffMultiplier     float64       `toml:"backoff_multiplier"`
	AttemptTimeoutSeconds int           `toml:"attempt_timeout_seconds"`
	ChatLLM               ChatLLMConfig `toml:"chatllm"`
}

// CacheConfig tunes the cache path.
type CacheConfig struct {
	FlightShards      int     `toml:"flight_shards"`
	CostPerGeneration float64 `toml:"cost_per_generation"`
}

// BatchConfig tunes the batch job orchestrator.
type BatchConfig struct {
	Workers int `toml:"workers"`
}

// APIConfig configures the HTTP admin API.
type APIConfig struct {
	Enabled    bool   `toml:"enabled"`
	ListenAddr string `toml:"listen_addr"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
}

// Secrets are read from the environment, never from the TOML file.
type Secrets struct {
	HTTPAPIKey   string `envconfig:"HTTP_API_KEY"`
	OpenAIAPIKey string `envconfig:"OPENAI_API_KEY"`
	MongoURI     string `envconfig:"MONGO_URI"`
}

// Config is the root configuration structure.
type Config struct {
	NATS     NATSConfig     `toml:"nats"`
	Mongo    MongoConfig    `toml:"mongo"`
	Storage  StorageConfig  `toml:"storage"`
	Provider ProviderConfig `toml:"provider"`
	Cache    CacheConfig    `toml:"cache"`
	Batch    BatchConfig    `toml:"batch"`
	API      APIConfig      `toml:"api"`
	Paths    PathsConfig    `toml:"paths"`
	Secrets  Secrets        `toml:"-"`
}

// Load loads the configuration for the narration service, then the secrets
// from the environment and an optional .env file.
func Load(log *logger.Logger) (*Config, error) {
	var cfg Config

	err := configurator.Load(&cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	return finish(&cfg, ".env")
}

// Parse decodes TOML data the same way Load does, for tests and tooling.
func Parse(data []byte, envFile string) (*Config, error) {
	var cfg Config

	err := toml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return finish(&cfg, envFile)
}

func finish(cfg *Config, envFile string) (*Config, error) {
	secrets, err := LoadSecrets(envFile)
	if err != nil {
		return nil, err
	}

	cfg.Secrets = secrets
	cfg.ApplyDefaults()

	err = cfg.Validate()
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadSecrets reads NARRATION_* variables. A missing envFile is not an error;
// variables already set in the environment win over the file.
func LoadSecrets(envFile string) (Secrets, error) {
	if envFile != "" {
		err := godotenv.Load(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Secrets{}, fmt.Errorf("failed to read %s: %w", envFile, err)
		}
	}

	var secrets Secrets

	err := envconfig.Process(SecretsPrefix, &secrets)
	if err != nil {
		return Secrets{}, fmt.Errorf("failed to read secrets from environment: %w", err)
	}

	return secrets, nil
}

// ApplyDefaults fills every unset tunable.
func (c *Config) ApplyDefaults() {
	setString(&c.NATS.SubjectPrefix, "narration")
	setString(&c.NATS.AudioObjectStoreBucket, "NARRATION_AUDIO")
	setString(&c.NATS.TextObjectStoreBucket, "NARRATION_TEXT")
	setString(&c.NATS.AssetsBucket, "NARRATION_ASSETS")
	setString(&c.NATS.JobsBucket, "NARRATION_JOBS")

	setString(&c.Mongo.Database, "narration")
	setString(&c.Mongo.AssetsCollection, "audio_assets")
	setString(&c.Mongo.JobsCollection, "batch_jobs")

	setString(&c.Storage.RegistryBackend, BackendNATS)
	setString(&c.Storage.JobBackend, BackendNATS)
	setString(&c.Storage.BlobBackend, BackendNATS)
	setString(&c.Storage.FSPath, "narration-blobs")

	if len(c.Provider.Chain) == 0 {
		c.Provider.Chain = []string{ProviderHTTP}
	}

	setInt(&c.Provider.Burst, 1)
	setInt(&c.Provider.MaxAttempts, 4)
	setInt(&c.Provider.InitialBackoffMillis, 500)
	setInt(&c.Provider.MaxBackoffMillis, 30000)
	setInt(&c.Provider.AttemptTimeoutSeconds, 120)

	if c.Provider.BackoffMultiplier <= 1 {
		c.Provider.BackoffMultiplier = 2
	}

	setInt(&c.Cache.FlightShards, 32)
	setInt(&c.Batch.Workers, 4)
	setString(&c.API.ListenAddr, ":8080")
	setString(&c.Paths.BaseLogsDir, "logs")
}

// Validate checks backend names and the settings each selected backend needs.
func (c *Config) Validate() error {
	var problems []error

	for name, backend := range map[string]string{
		"storage.registry_backend": c.Storage.RegistryBackend,
		"storage.job_backend":      c.Storage.JobBackend,
	} {
		if !slices.Contains([]string{BackendMemory, BackendNATS, BackendMongo}, backend) {
			problems = append(problems, fmt.Errorf("%w: %s = %q", ErrUnknownBackend, name, backend))
		}
	}

	if !slices.Contains([]string{BackendNATS, BackendFS}, c.Storage.BlobBackend) {
		problems = append(problems, fmt.Errorf("%w: storage.blob_backend = %q", ErrUnknownBackend, c.Storage.BlobBackend))
	}

	if c.NeedsNATS() && strings.TrimSpace(c.NATS.URL) == "" {
		problems = append(problems, fmt.Errorf("%w: nats.url", ErrMissingSetting))
	}

	if c.NeedsMongo() && strings.TrimSpace(c.Secrets.MongoURI) == "" {
		problems = append(problems, fmt.Errorf("%w: %s_MONGO_URI", ErrMissingSetting, SecretsPrefix))
	}

	for _, name := range c.Provider.Chain {
		switch name {
		case ProviderHTTP:
			if c.Provider.HTTPBaseURL == "" {
				problems = append(problems, fmt.Errorf("%w: provider.http_base_url", ErrMissingSetting))
			}
		case ProviderOpenAI:
			if c.Secrets.OpenAIAPIKey == "" {
				problems = append(problems, fmt.Errorf("%w: %s_OPENAI_API_KEY", ErrMissingSetting, SecretsPrefix))
			}
		case ProviderChatLLM:
			if c.Provider.ChatLLM.ModelPath == "" {
				problems = append(problems, fmt.Errorf("%w: provider.chatllm.model_path", ErrMissingSetting))
			}
		default:
			problems = append(problems, fmt.Errorf("%w: %q", ErrUnknownProvider, name))
		}
	}

	return errors.Join(problems...)
}

// NeedsNATS reports whether any selected backend or the request/reply surface uses NATS.
func (c *Config) NeedsNATS() bool {
	return c.Storage.RegistryBackend == BackendNATS ||
		c.Storage.JobBackend == BackendNATS ||
		c.Storage.BlobBackend == BackendNATS ||
		c.NATS.URL != ""
}

// NeedsMongo reports whether any selected backend is MongoDB.
func (c *Config) NeedsMongo() bool {
	return c.Storage.RegistryBackend == BackendMongo || c.Storage.JobBackend == BackendMongo
}

// InitialBackoff returns provider.initial_backoff_ms as a duration.
func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.Provider.InitialBackoffMillis) * time.Millisecond
}

// MaxBackoff returns provider.max_backoff_ms as a duration.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Provider.MaxBackoffMillis) * time.Millisecond
}

// AttemptTimeout returns provider.attempt_timeout_seconds as a duration.
func (c *Config) AttemptTimeout() time.Duration {
	return time.Duration(c.Provider.AttemptTimeoutSeconds) * time.Second
}

// TOML renders the effective configuration. Secrets are never included.
func (c *Config) TOML() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to render configuration: %w", err)
	}

	return data, nil
}

func setString(field *string, value string) {
	if strings.TrimSpace(*field) == "" {
		*field = value
	}
}

func setInt(field *int, value int) {
	if *field <= 0 {
		*field = value
	}
}
