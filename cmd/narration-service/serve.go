package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"

	"github.com/book-expert/narration-service/internal/api"
	"github.com/book-expert/narration-service/internal/batch"
	"github.com/book-expert/narration-service/internal/cache"
	"github.com/book-expert/narration-service/internal/config"
	"github.com/book-expert/narration-service/internal/fingerprint"
	"github.com/book-expert/narration-service/internal/flight"
	"github.com/book-expert/narration-service/internal/ledger"
	"github.com/book-expert/narration-service/internal/worker"
)

func runServe(ctx context.Context) error {
	cfg, log, err := bootstrap(serviceLogFile)
	if err != nil {
		return err
	}

	defer closeLogger(log)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	stores, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}

	defer stores.Close()

	synthesizer, err := buildSynthesizer(cfg, log)
	if err != nil {
		return err
	}

	probeHTTPBackend(ctx, cfg, log)

	generator := cache.New(
		fingerprint.NewDeriver(),
		stores.registry,
		flight.New(cfg.Cache.FlightShards),
		synthesizer,
		stores.audio,
		log,
	)
	orchestrator := batch.New(
		stores.jobs,
		generator,
		stores.texts,
		batch.Config{Workers: cfg.Batch.Workers, CostPerGeneration: cfg.Cache.CostPerGeneration},
		log,
	)
	report := ledger.New(stores.registry, stores.jobs, cfg.Cache.CostPerGeneration)

	var natsWorker *worker.NatsWorker
	if stores.natsConnection != nil {
		natsWorker = worker.NewNatsWorker(stores.natsConnection, cfg.NATS.SubjectPrefix, orchestrator, report, log)
		orchestrator.OnFinished(natsWorker.PublishCompleted)
	}

	resumed, err := orchestrator.Resume(ctx)
	if err != nil {
		return fmt.Errorf("failed to resume jobs: %w", err)
	}

	if resumed > 0 {
		log.Info("Resumed %d unfinished jobs", resumed)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return orchestrator.Run(groupCtx)
	})

	if natsWorker != nil {
		group.Go(func() error {
			return natsWorker.Run(groupCtx)
		})
	}

	if cfg.API.Enabled {
		server := api.New(orchestrator, generator, report, log)

		group.Go(func() error {
			return server.Start(cfg.API.ListenAddr)
		})
		group.Go(func() error {
			<-groupCtx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return server.Shutdown(shutdownCtx)
		})
	}

	log.System("Narration service started: provider %s, %d batch workers, subjects %s.*",
		synthesizer.Name(), cfg.Batch.Workers, cfg.NATS.SubjectPrefix)

	err = group.Wait()

	log.System("Narration service stopped.")

	if err != nil {
		return fmt.Errorf("service stopped with error: %w", err)
	}

	return nil
}
