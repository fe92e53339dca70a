package broker

import (
	"context"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/payload-gateway/pkg/config"
)

type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger log.Logger) (MessageBroker, error)

var NewKafkaBroker KafkaBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger log.Logger) (MessageBroker, error) {
	if len(settings.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker address is required")
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &kafkaBroker{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(settings.Brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			ErrorLogger:  writerErrorLogger(logger),
		},
		logger: logger,
	}, nil
}

// writerErrorLogger forwards the writer's internal errors, such as failed metadata refreshes, to logger.
func writerErrorLogger(logger log.Logger) kafka.Logger {
	return kafka.LoggerFunc(func(msg string, args ...interface{}) {
		level.Error(logger).Log("msg", fmt.Sprintf(msg, args...), "component", "kafka-writer")
	})
}

type kafkaBroker struct {
	writer kafkaWriter
	logger log.Logger
}

func (k *kafkaBroker) Publish(ctx context.Context, topic string, msg *Message) error {
	tracer := otel.Tracer("payload-gateway")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("kafka"),
			semconv.MessagingDestinationKindKey.String("topic"),
			semconv.MessagingDestinationKey.String(topic),
			semconv.MessagingMessageIDKey.String(msg.MessageID),
			semconv.MessagingKafkaMessageKeyKey.String(msg.CorrelationID),
		),
	)
	defer span.End()

	headers := msg.Headers()
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))

	kafkaHeaders := make([]kafka.Header, 0, len(headers))
	for k, v := range headers {
		kafkaHeaders = append(kafkaHeaders, kafka.Header{Key: k, Value: []byte(v)})
	}

	err := k.writer.WriteMessages(ctx, kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.CorrelationID),
		Value:   msg.Body,
		Headers: kafkaHeaders,
		Time:    msg.CreationDateTime,
	})
	if err != nil {
		span.RecordError(err)
		level.Error(k.logger).Log("msg", "failed to publish message", "topic", topic, "message", msg.MessageID, "err", err)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)
	return nil
}

func (k *kafkaBroker) Close() error {
	return k.writer.Close()
}
