package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/payload-gateway/pkg/events"
	"github.com/zoff-tech/payload-gateway/pkg/payload"
	"github.com/zoff-tech/payload-gateway/pkg/storage"
	"github.com/zoff-tech/payload-gateway/pkg/store"
)

const metadataContentType = "application/json"

// FileSource opens the local copy of an ingested file.
type FileSource interface {
	Open(path string) (afero.File, int64, error)
}

// CleanupQueue receives files whose local copies are no longer needed.
type CleanupQueue interface {
	Enqueue(file payload.FileRecord)
}

// UploadStage copies payload files to blob storage.
type UploadStage struct {
	queue    *workQueue
	repo     store.PayloadRepository
	storage  storage.ObjectStorage
	files    FileSource
	cleanup  CleanupQueue
	notify   submitter
	bucket   string
	schedule payload.RetrySchedule
	bus      *events.Bus
	logger   log.Logger
	tracer   trace.Tracer
}

func NewUploadStage(repo store.PayloadRepository, objects storage.ObjectStorage, files FileSource, cleanup CleanupQueue, notify submitter,
	bucket string, parallelism int, schedule payload.RetrySchedule, bus *events.Bus, logger log.Logger) *UploadStage {
	u := &UploadStage{
		repo:     repo,
		storage:  objects,
		files:    files,
		cleanup:  cleanup,
		notify:   notify,
		bucket:   bucket,
		schedule: schedule,
		bus:      bus,
		logger:   logger,
		tracer:   otel.Tracer("payload-gateway"),
	}
	u.queue = newWorkQueue("upload", parallelism, u.process, logger)
	return u
}

// Submit queues p for upload. It panics on a nil payload.
func (u *UploadStage) Submit(p *payload.Payload) {
	if p == nil {
		panic("upload stage: nil payload")
	}
	if !u.queue.post(p) {
		level.Warn(u.logger).Log("msg", "upload stage stopped, payload left for recovery", "payload", p.ID)
	}
}

func (u *UploadStage) process(ctx context.Context, p *payload.Payload) {
	if p.State != payload.StateUpload {
		level.Error(u.logger).Log("msg", "cannot upload payload", "payload", p.ID, "state", p.State, "err", ErrIncorrectState)
		return
	}

	ctx, span := u.tracer.Start(ctx, "UploadPayload", trace.WithAttributes(
		attribute.String("payload.id", p.ID),
		attribute.Int("payload.files", p.Count()),
		attribute.Int("payload.retry_count", p.RetryCount),
	))
	defer span.End()

	if err := u.uploadFiles(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		u.retryLater(ctx, p, err)
		return
	}

	retryCount := p.RetryCount
	p.State = payload.StateNotify
	p.ResetRetry()
	if err := u.repo.Update(ctx, p); err != nil {
		p.State = payload.StateUpload
		p.RetryCount = retryCount
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		u.retryLater(ctx, p, fmt.Errorf("persist notify state: %w", err))
		return
	}

	for _, file := range p.Files {
		u.cleanup.Enqueue(file)
	}

	level.Info(u.logger).Log("msg", "payload uploaded", "payload", p.ID, "files", p.Count())
	u.bus.Publish(events.Event{Type: events.UploadCompleted, PayloadID: p.ID, Key: p.Key, FileCount: p.Count()})
	u.notify.Submit(p)
}

// uploadFiles uploads, in order, every file not uploaded yet and stops at the first failure.
func (u *UploadStage) uploadFiles(ctx context.Context, p *payload.Payload) error {
	for i := range p.Files {
		file := &p.Files[i]
		if file.Uploaded {
			continue
		}
		if file.HasMetadata() {
			if err := u.put(ctx, file.MetadataStoragePath, file.MetadataDestinationPath(p.ID), metadataContentType, file.ObjectMetadata()); err != nil {
				return fmt.Errorf("upload metadata of file %s: %w", file.ID, err)
			}
		}
		if err := u.put(ctx, file.StoragePath, file.DestinationPath(p.ID), file.ContentType, file.ObjectMetadata()); err != nil {
			return fmt.Errorf("upload file %s: %w", file.ID, err)
		}
		file.Uploaded = true
		level.Debug(u.logger).Log("msg", "file uploaded", "payload", p.ID, "file", file.ID, "key", file.DestinationPath(p.ID))
	}
	return nil
}

func (u *UploadStage) put(ctx context.Context, source, key, contentType string, metadata map[string]string) error {
	f, size, err := u.files.Open(source)
	if err != nil {
		return err
	}
	defer f.Close()
	return u.storage.PutObject(ctx, u.bucket, key, f, size, contentType, metadata)
}

func (u *UploadStage) retryLater(ctx context.Context, p *payload.Payload, cause error) {
	retryCount := p.IncrementRetry()
	if u.schedule.Exhausted(retryCount) {
		level.Error(u.logger).Log("msg", "upload failed permanently, removing payload", "payload", p.ID, "retries", retryCount-1, "err", cause)
		if !removeAbandoned(ctx, u.repo, p, u.logger) {
			return
		}
		u.bus.Publish(events.Event{Type: events.PayloadAbandoned, PayloadID: p.ID, Key: p.Key, RetryCount: retryCount, Err: cause})
		return
	}

	if err := u.repo.Update(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			level.Warn(u.logger).Log("msg", "payload changed in the repository, dropping upload retry", "payload", p.ID, "err", err)
			return
		}
		level.Error(u.logger).Log("msg", "failed to persist upload retry", "payload", p.ID, "err", err)
	}
	delay := u.schedule.Delay(retryCount)
	level.Warn(u.logger).Log("msg", "upload failed, retrying later", "payload", p.ID, "retry", retryCount, "delay", delay, "err", cause)
	u.bus.Publish(events.Event{Type: events.UploadRetry, PayloadID: p.ID, Key: p.Key, RetryCount: retryCount, Err: cause})
	if !u.queue.postAfter(p, delay) {
		level.Info(u.logger).Log("msg", "upload stage stopped, retry left for recovery", "payload", p.ID)
	}
}

// removeAbandoned deletes a payload whose retries ran out. It returns false when the stored payload is newer than p,
// in which case it is left to whoever changed it.
func removeAbandoned(ctx context.Context, repo store.PayloadRepository, p *payload.Payload, logger log.Logger) bool {
	err := repo.Remove(ctx, p)
	switch {
	case err == nil, errors.Is(err, store.ErrNotFound):
	case errors.Is(err, store.ErrConflict):
		level.Warn(logger).Log("msg", "payload changed in the repository, leaving it", "payload", p.ID, "err", err)
		return false
	default:
		level.Error(logger).Log("msg", "failed to remove payload", "payload", p.ID, "err", err)
	}
	return true
}
