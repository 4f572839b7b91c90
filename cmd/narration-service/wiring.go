package main

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats.go"

	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/core"
	"github.com/book-expert/narration-service/internal/jobstore"
	"github.com/book-expert/narration-service/internal/mongodb"
	"github.com/book-expert/narration-service/internal/natsconn"
	"github.com/book-expert/narration-service/internal/objectstore"
	"github.com/book-expert/narration-service/internal/provider"
	"github.com/book-expert/narration-service/internal/registry"
)

const (
	clientName      = "narration-service"
	mongoTimeout    = 15 * time.Second
	probeTimeout    = 5 * time.Second
	shutdownTimeout = 10 * time.Second
)

// backends holds every store the service runs on and how to release them.
type backends struct {
	natsConnection   *nats.Conn
	jetstreamContext nats.JetStreamContext
	mongo            *mongodb.Client

	registry core.AssetRegistry
	jobs     core.JobStore
	audio    core.ObjectStore
	texts    core.ObjectStore

	closers []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends connects to NATS and MongoDB as the storage section requires
// and builds the registry, job store and blob stores.
func openBackends(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backends, error) {
	b := &backends{}

	err := b.connect(ctx, cfg, log)
	if err == nil {
		err = b.build(cfg, log)
	}

	if err != nil {
		b.Close()

		return nil, err
	}

	return b, nil
}

func (b *backends) connect(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	if cfg.NeedsNATS() {
		natsConnection, jetstreamContext, err := natsconn.Connect(cfg.NATS.URL, clientName, log)
		if err != nil {
			return err
		}

		b.natsConnection = natsConnection
		b.jetstreamContext = jetstreamContext
		b.closers = append(b.closers, func() {
			drainErr := natsConnection.Drain()
			if drainErr != nil {
				log.Warn("Failed to drain NATS connection: %v", drainErr)
			}
		})

		log.Info("Connected to NATS at %s", cfg.NATS.URL)
	}

	if cfg.NeedsMongo() {
		connectCtx, cancel := context.WithTimeout(ctx, mongoTimeout)
		defer cancel()

		client, err := mongodb.Connect(connectCtx, cfg.Secrets.MongoURI, cfg.Mongo.Database)
		if err != nil {
			return err
		}

		b.mongo = client
		b.closers = append(b.closers, func() {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer closeCancel()

			closeErr := client.Close(closeCtx)
			if closeErr != nil {
				log.Warn("Failed to close MongoDB client: %v", closeErr)
			}
		})

		log.Info("Connected to MongoDB database %s", cfg.Mongo.Database)
	}

	return nil
}

func (b *backends) build(cfg *config.Config, log *logger.Logger) error {
	var err error

	switch cfg.Storage.RegistryBackend {
	case config.BackendNATS:
		var kv *registry.NatsKV

		kv, err = registry.NewNatsKV(b.jetstreamContext, cfg.NATS.AssetsBucket, log)
		if err == nil {
			b.registry = kv
			b.closers = append(b.closers, kv.Close)
		}
	case config.BackendMongo:
		mongoRegistry := registry.NewMongo(b.mongo.Database, cfg.Mongo.AssetsCollection, log)
		b.registry = mongoRegistry
		b.closers = append(b.closers, mongoRegistry.Close)
	default:
		b.registry = registry.NewMemory()
	}

	if err != nil {
		return fmt.Errorf("failed to open asset registry: %w", err)
	}

	switch cfg.Storage.JobBackend {
	case config.BackendNATS:
		b.jobs, err = jobstore.NewNatsKV(b.jetstreamContext, cfg.NATS.JobsBucket)
	case config.BackendMongo:
		b.jobs = jobstore.NewMongo(b.mongo.Database, cfg.Mongo.JobsCollection)
	default:
		b.jobs = jobstore.NewMemory()
	}

	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}

	if cfg.Storage.BlobBackend == config.BackendFS {
		return b.buildFS(cfg)
	}

	b.audio, err = objectstore.New(b.jetstreamContext, cfg.NATS.AudioObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to open audio object store: %w", err)
	}

	b.texts, err = objectstore.New(b.jetstreamContext, cfg.NATS.TextObjectStoreBucket)
	if err != nil {
		return fmt.Errorf("failed to open text object store: %w", err)
	}

	return nil
}

func (b *backends) buildFS(cfg *config.Config) error {
	store, err := objectstore.NewFS(cfg.Storage.FSPath, cfg.Storage.CompressionLevel)
	if err != nil {
		return fmt.Errorf("failed to open filesystem blob store: %w", err)
	}

	b.audio = store
	b.texts = store
	b.closers = append(b.closers, store.Close)

	return nil
}

// buildSynthesizer wraps every configured backend in a retrying adapter and
// chains them in fallback order.
func buildSynthesizer(cfg *config.Config, log *logger.Logger) (core.Synthesizer, error) {
	retry := provider.RetryConfig{
		MaxAttempts:       cfg.Provider.MaxAttempts,
		InitialBackoff:    cfg.InitialBackoff(),
		MaxBackoff:        cfg.MaxBackoff(),
		BackoffMultiplier: cfg.Provider.BackoffMultiplier,
		AttemptTimeout:    cfg.AttemptTimeout(),
	}

	adapters := make([]core.Synthesizer, 0, len(cfg.Provider.Chain))

	for _, name := range cfg.Provider.Chain {
		var backend core.Synthesizer

		switch name {
		case config.ProviderHTTP:
			backend = provider.NewHTTPBackend(cfg.Provider.HTTPBaseURL, cfg.Secrets.HTTPAPIKey)
		case config.ProviderOpenAI:
			backend = provider.NewOpenAIBackend(cfg.Secrets.OpenAIAPIKey, cfg.Provider.OpenAIBaseURL, cfg.Provider.OpenAIModel)
		case config.ProviderChatLLM:
			chatllm, err := provider.NewChatLLMBackend(chatLLMConfig(cfg.Provider.ChatLLM), log)
			if err != nil {
				return nil, fmt.Errorf("failed to configure chatllm backend: %w", err)
			}

			backend = chatllm
		default:
			return nil, fmt.Errorf("%w: %q", config.ErrUnknownProvider, name)
		}

		limiter := provider.NewLimiter(cfg.Provider.RequestsPerSecond, cfg.Provider.Burst)
		adapters = append(adapters, provider.NewAdapter(backend, retry, limiter, log))
	}

	if len(adapters) == 1 {
		return adapters[0], nil
	}

	fallback, err := provider.NewFallback(log, adapters...)
	if err != nil {
		return nil, fmt.Errorf("failed to build provider chain: %w", err)
	}

	return fallback, nil
}

// probeHTTPBackend logs whether the HTTP synthesis service answers its health
// endpoint. An unhealthy service does not stop start-up.
func probeHTTPBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) {
	if !slices.Contains(cfg.Provider.Chain, config.ProviderHTTP) {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := provider.NewHTTPBackend(cfg.Provider.HTTPBaseURL, cfg.Secrets.HTTPAPIKey).HealthCheck(probeCtx)
	if err != nil {
		log.Warn("HTTP synthesis service at %s is not healthy: %v", cfg.Provider.HTTPBaseURL, err)

		return
	}

	log.Info("HTTP synthesis service at %s is healthy", cfg.Provider.HTTPBaseURL)
}

func chatLLMConfig(cfg config.ChatLLMConfig) provider.ChatLLMConfig {
	return provider.ChatLLMConfig{
		BinaryPath:        cfg.BinaryPath,
		ModelPath:         cfg.ModelPath,
		SnacModelPath:     cfg.SnacModelPath,
		Voices:            cfg.Voices,
		Seed:              cfg.Seed,
		NGL:               cfg.NGL,
		TopP:              cfg.TopP,
		RepetitionPenalty: cfg.RepetitionPenalty,
		Temperature:       cfg.Temperature,
	}
}
