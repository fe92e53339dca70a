package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/payload-gateway/pkg/broker"
	"github.com/zoff-tech/payload-gateway/pkg/events"
	"github.com/zoff-tech/payload-gateway/pkg/payload"
	"github.com/zoff-tech/payload-gateway/pkg/store"
	"github.com/zoff-tech/payload-gateway/schema"
)

// NotificationStage publishes a workflow request for every uploaded payload and then deletes it.
type NotificationStage struct {
	queue         *workQueue
	repo          store.PayloadRepository
	broker        broker.MessageBroker
	bucket        string
	topic         string
	applicationID string
	schedule      payload.RetrySchedule
	bus           *events.Bus
	logger        log.Logger
	tracer        trace.Tracer
}

func NewNotificationStage(repo store.PayloadRepository, messageBroker broker.MessageBroker, bucket, topic, applicationID string,
	schedule payload.RetrySchedule, bus *events.Bus, logger log.Logger) *NotificationStage {
	n := &NotificationStage{
		repo:          repo,
		broker:        messageBroker,
		bucket:        bucket,
		topic:         topic,
		applicationID: applicationID,
		schedule:      schedule,
		bus:           bus,
		logger:        logger,
		tracer:        otel.Tracer("payload-gateway"),
	}
	n.queue = newWorkQueue("notification", 1, n.process, logger)
	return n
}

// Submit queues p for publishing. It panics on a nil payload.
func (n *NotificationStage) Submit(p *payload.Payload) {
	if p == nil {
		panic("notification stage: nil payload")
	}
	if !n.queue.post(p) {
		level.Warn(n.logger).Log("msg", "notification stage stopped, payload left for recovery", "payload", p.ID)
	}
}

func (n *NotificationStage) process(ctx context.Context, p *payload.Payload) {
	if p.State != payload.StateNotify {
		level.Error(n.logger).Log("msg", "cannot publish payload", "payload", p.ID, "state", p.State, "err", ErrIncorrectState)
		return
	}

	ctx, span := n.tracer.Start(ctx, "NotifyPayload", trace.WithAttributes(
		attribute.String("payload.id", p.ID),
		attribute.Int("payload.retry_count", p.RetryCount),
	))
	defer span.End()

	exists, err := n.repo.Exists(ctx, p.ID)
	if err != nil {
		span.RecordError(err)
		n.retryLater(ctx, p, err)
		return
	}
	if !exists {
		level.Warn(n.logger).Log("msg", "payload no longer exists, skipping notification", "payload", p.ID)
		return
	}

	if err := n.publish(ctx, p); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		n.retryLater(ctx, p, err)
		return
	}

	if err := n.repo.Remove(ctx, p); err != nil && !errors.Is(err, store.ErrNotFound) {
		span.RecordError(err)
		if errors.Is(err, store.ErrConflict) {
			level.Warn(n.logger).Log("msg", "published payload changed in the repository, leaving it", "payload", p.ID, "err", err)
			return
		}
		n.retryLater(ctx, p, fmt.Errorf("remove published payload: %w", err))
		return
	}

	n.bus.Publish(events.Event{Type: events.PublishCompleted, PayloadID: p.ID, Key: p.Key, FileCount: p.Count()})
}

func (n *NotificationStage) publish(ctx context.Context, p *payload.Payload) error {
	request := schema.NewWorkflowRequestEvent(n.bucket, p.ID, p.CorrelationID, p.Workflows(), p.Count(), p.CreatedAt)
	request.CallingAETitle = p.CallingAETitle()
	request.CalledAETitle = p.CalledAETitle()
	for _, file := range p.UploadedFiles() {
		request.AddFile(file.DestinationPath(p.ID), file.MetadataDestinationPath(p.ID))
	}

	msg, err := broker.NewJSONMessage(request, n.applicationID, p.CorrelationID)
	if err != nil {
		return err
	}
	level.Debug(n.logger).Log("msg", "publishing workflow request", "payload", p.ID, "message", msg.MessageID)

	if err := n.broker.Publish(ctx, n.topic, msg); err != nil {
		return fmt.Errorf("publish workflow request: %w", err)
	}
	level.Info(n.logger).Log("msg", "workflow request published", "payload", p.ID, "message", msg.MessageID, "topic", n.topic)
	return nil
}

func (n *NotificationStage) retryLater(ctx context.Context, p *payload.Payload, cause error) {
	retryCount := p.IncrementRetry()
	if n.schedule.Exhausted(retryCount) {
		level.Error(n.logger).Log("msg", "notification failed permanently, removing payload", "payload", p.ID, "retries", retryCount-1, "err", cause)
		if !removeAbandoned(ctx, n.repo, p, n.logger) {
			return
		}
		n.bus.Publish(events.Event{Type: events.PayloadAbandoned, PayloadID: p.ID, Key: p.Key, RetryCount: retryCount, Err: cause})
		return
	}

	if err := n.repo.Update(ctx, p); err != nil {
		if errors.Is(err, store.ErrConflict) {
			level.Warn(n.logger).Log("msg", "payload changed in the repository, dropping notification retry", "payload", p.ID, "err", err)
			return
		}
		level.Error(n.logger).Log("msg", "failed to persist notification retry", "payload", p.ID, "err", err)
	}
	delay := n.schedule.Delay(retryCount)
	level.Warn(n.logger).Log("msg", "notification failed, retrying later", "payload", p.ID, "retry", retryCount, "delay", delay, "err", cause)
	n.bus.Publish(events.Event{Type: events.PublishRetry, PayloadID: p.ID, Key: p.Key, RetryCount: retryCount, Err: cause})
	if !n.queue.postAfter(p, delay) {
		level.Info(n.logger).Log("msg", "notification stage stopped, retry left for recovery", "payload", p.ID)
	}
}
