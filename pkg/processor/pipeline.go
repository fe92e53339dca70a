package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/zoff-tech/payload-gateway/pkg/broker"
	"github.com/zoff-tech/payload-gateway/pkg/config"
	"github.com/zoff-tech/payload-gateway/pkg/events"
	"github.com/zoff-tech/payload-gateway/pkg/payload"
	"github.com/zoff-tech/payload-gateway/pkg/storage"
	"github.com/zoff-tech/payload-gateway/pkg/store"
)

// Dependencies are the external services the pipeline talks to.
type Dependencies struct {
	Repository store.PayloadRepository
	Storage    storage.ObjectStorage
	Files      FileSource
	Cleanup    CleanupQueue
	Broker     broker.MessageBroker
	Bus        *events.Bus
	Logger     log.Logger
}

// Options tune the pipeline.
type Options struct {
	BucketName        string
	Topic             string
	ApplicationID     string
	DefaultTimeout    uint
	Owner             string
	ScanInterval      time.Duration
	UploadParallelism int
	StorageRetries    payload.RetrySchedule
	BrokerRetries     payload.RetrySchedule
	ShutdownTimeout   time.Duration
	Clock             func() time.Time
}

func OptionsFromSettings(cfg *config.Settings) Options {
	return Options{
		BucketName:        cfg.Storage.BucketName,
		Topic:             cfg.Broker.Topic,
		ApplicationID:     cfg.Broker.ApplicationID,
		DefaultTimeout:    cfg.Payload.DefaultTimeout,
		Owner:             cfg.Payload.Owner,
		ScanInterval:      cfg.Payload.ScanInterval,
		UploadParallelism: cfg.Storage.ConcurrentUploads,
		StorageRetries:    cfg.Storage.Retries.Schedule(),
		BrokerRetries:     cfg.Broker.Retries.Schedule(),
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}
}

// Pipeline wires the assembler, the scanner and both delivery stages together.
type Pipeline struct {
	assembler    *PayloadAssembler
	scanner      *TimeoutScanner
	upload       *UploadStage
	notification *NotificationStage
	opts         Options
	logger       log.Logger
}

// NewPipeline builds every component, reopens Created payloads and re-admits Upload and Notify payloads.
// Ingestion through Queue is possible as soon as it returns; delivery starts with Run.
func NewPipeline(ctx context.Context, deps Dependencies, opts Options) (*Pipeline, error) {
	if deps.Repository == nil || deps.Storage == nil || deps.Files == nil || deps.Cleanup == nil || deps.Broker == nil {
		return nil, errors.New("pipeline dependencies are incomplete")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.ScanInterval <= 0 {
		opts.ScanInterval = time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}

	notification := NewNotificationStage(deps.Repository, deps.Broker, opts.BucketName, opts.Topic, opts.ApplicationID,
		opts.BrokerRetries, deps.Bus, log.With(logger, "component", "notification"))
	upload := NewUploadStage(deps.Repository, deps.Storage, deps.Files, deps.Cleanup, notification,
		opts.BucketName, opts.UploadParallelism, opts.StorageRetries, deps.Bus, log.With(logger, "component", "upload"))

	assembler, err := NewPayloadAssembler(ctx, deps.Repository, opts.Owner, opts.DefaultTimeout, opts.Clock, deps.Bus, log.With(logger, "component", "assembler"))
	if err != nil {
		return nil, err
	}
	scanner := NewTimeoutScanner(assembler, deps.Repository, upload, opts.ScanInterval, opts.Clock, deps.Bus, log.With(logger, "component", "scanner"))

	recovered, err := RecoverPayloads(ctx, deps.Repository, upload, notification, deps.Bus, log.With(logger, "component", "recovery"))
	if err != nil {
		return nil, err
	}
	level.Info(logger).Log("msg", "pipeline ready", "recovered", recovered, "open", assembler.OpenBuckets())

	return &Pipeline{
		assembler:    assembler,
		scanner:      scanner,
		upload:       upload,
		notification: notification,
		opts:         opts,
		logger:       logger,
	}, nil
}

// Queue adds a file to the payload of key. See PayloadAssembler.Queue.
func (p *Pipeline) Queue(ctx context.Context, key string, file payload.FileRecord, timeoutSeconds uint) error {
	return p.assembler.Queue(ctx, key, file, timeoutSeconds)
}

// Run delivers payloads until ctx is done, then stops ingestion and drains both stages within the shutdown timeout.
func (p *Pipeline) Run(ctx context.Context) error {
	workerCtx, cancelWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWorkers()

	p.upload.queue.start(workerCtx)
	p.notification.queue.start(workerCtx)

	if err := p.scanner.Run(ctx); err != nil {
		return err
	}

	level.Info(p.logger).Log("msg", "shutting down pipeline")
	p.assembler.Stop()

	drainCtx := context.Background()
	if p.opts.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(drainCtx, p.opts.ShutdownTimeout)
		defer cancel()
	}

	p.upload.queue.complete()
	if err := p.upload.queue.wait(drainCtx); err != nil {
		p.notification.queue.complete()
		return fmt.Errorf("upload stage did not drain: %w", err)
	}
	p.notification.queue.complete()
	if err := p.notification.queue.wait(drainCtx); err != nil {
		return fmt.Errorf("notification stage did not drain: %w", err)
	}

	level.Info(p.logger).Log("msg", "pipeline stopped")
	return nil
}
