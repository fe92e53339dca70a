package main

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/zoff-tech/payload-gateway/pkg/broker"
	"github.com/zoff-tech/payload-gateway/pkg/config"
	"github.com/zoff-tech/payload-gateway/pkg/events"
	"github.com/zoff-tech/payload-gateway/pkg/logging"
	"github.com/zoff-tech/payload-gateway/pkg/processor"
	"github.com/zoff-tech/payload-gateway/pkg/storage"
	"github.com/zoff-tech/payload-gateway/pkg/store"
	"github.com/zoff-tech/payload-gateway/pkg/telemetry"
)

const reclaimerBuffer = 1024

// gateway is a fully wired pipeline together with the services it owns.
type gateway struct {
	cfg       *config.Settings
	logger    log.Logger
	bus       *events.Bus
	files     *storage.TemporaryStore
	reclaimer *storage.SpaceReclaimer
	broker    broker.MessageBroker
	pipeline  *processor.Pipeline
	shutdown  func()
}

func loadSettings() (*config.Settings, log.Logger, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load configuration: %w", err)
	}
	return cfg, logging.New(cfg.Logging), nil
}

func newGateway(ctx context.Context, cfg *config.Settings, logger log.Logger) (*gateway, error) {
	shutdownTelemetry, err := telemetry.Init(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}

	repo, err := store.NewRepository(ctx, cfg.Database)
	if err != nil {
		shutdownTelemetry()
		return nil, fmt.Errorf("initialize repository: %w", err)
	}

	objects, err := storage.NewMinioStorage(cfg.Storage)
	if err != nil {
		shutdownTelemetry()
		return nil, fmt.Errorf("initialize storage: %w", err)
	}
	if err := objects.EnsureBucket(ctx, cfg.Storage.BucketName); err != nil {
		shutdownTelemetry()
		return nil, fmt.Errorf("ensure bucket: %w", err)
	}

	files, err := storage.NewOsTemporaryStore(cfg.Storage.TemporaryPath)
	if err != nil {
		shutdownTelemetry()
		return nil, fmt.Errorf("initialize temporary store: %w", err)
	}
	reclaimer := storage.NewSpaceReclaimer(files, logging.Component(logger, "reclaimer"), reclaimerBuffer)

	messageBroker, err := broker.NewBroker(ctx, &cfg.Broker, logging.Component(logger, "broker"))
	if err != nil {
		shutdownTelemetry()
		return nil, fmt.Errorf("initialize broker: %w", err)
	}

	bus := events.NewBus()
	pipeline, err := processor.NewPipeline(ctx, processor.Dependencies{
		Repository: repo,
		Storage:    objects,
		Files:      files,
		Cleanup:    reclaimer,
		Broker:     messageBroker,
		Bus:        bus,
		Logger:     logger,
	}, processor.OptionsFromSettings(cfg))
	if err != nil {
		messageBroker.Close()
		shutdownTelemetry()
		return nil, fmt.Errorf("initialize pipeline: %w", err)
	}

	return &gateway{
		cfg:       cfg,
		logger:    logger,
		bus:       bus,
		files:     files,
		reclaimer: reclaimer,
		broker:    messageBroker,
		pipeline:  pipeline,
		shutdown:  shutdownTelemetry,
	}, nil
}

// run drives the pipeline and the space reclaimer until ctx is done. The reclaimer outlives the pipeline so
// files released while draining are still deleted.
func (g *gateway) run(ctx context.Context) error {
	reclaimCtx, stopReclaimer := context.WithCancel(context.WithoutCancel(ctx))
	defer stopReclaimer()

	group := new(errgroup.Group)
	group.Go(func() error {
		defer stopReclaimer()
		return g.pipeline.Run(ctx)
	})
	group.Go(func() error {
		return g.reclaimer.Run(reclaimCtx)
	})
	return group.Wait()
}

func (g *gateway) close() {
	if err := g.broker.Close(); err != nil {
		level.Error(g.logger).Log("msg", "failed to close broker", "err", err)
	}
	g.shutdown()
}
