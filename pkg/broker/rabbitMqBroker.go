package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.10.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/payload-gateway/pkg/config"
)

const exchangeKind = "topic"

type RabbitMQBrokerCreator func(ctx context.Context, settings *config.BrokerSettings, logger log.Logger) (MessageBroker, error)

var NewRabbitMqBroker RabbitMQBrokerCreator = func(ctx context.Context, settings *config.BrokerSettings, logger log.Logger) (MessageBroker, error) {
	if settings.PoolSize <= 0 {
		return nil, errors.New("poolSize must be greater than 0")
	}

	broker := &rabbitMqBroker{
		channelPool:     make(chan *pooledChannel, settings.PoolSize),
		settings:        settings,
		logger:          logger,
		reconnectTicker: time.NewTicker(5 * time.Second), // Retry every 5 seconds
		stopReconnect:   make(chan struct{}),
	}

	// Initialize the connection and channel pool
	if err := broker.connectAndInitialize(); err != nil {
		broker.reconnectTicker.Stop()
		return nil, err
	}

	// Start connection recovery in a separate goroutine
	go broker.recoverConnection()

	return broker, nil
}

type rabbitMqBroker struct {
	connection      amqpConnection
	channelPool     chan *pooledChannel
	mu              sync.Mutex
	settings        *config.BrokerSettings
	logger          log.Logger
	reconnectTicker *time.Ticker
	stopReconnect   chan struct{}
	closed          bool
}

func (r *rabbitMqBroker) Publish(ctx context.Context, topic string, msg *Message) error {
	tracer := otel.Tracer("payload-gateway")
	ctx, span := tracer.Start(ctx, "Publish",
		trace.WithAttributes(
			semconv.MessagingSystemKey.String("rabbitmq"),
			semconv.MessagingDestinationKindKey.String(exchangeKind),
			semconv.MessagingDestinationKey.String(r.settings.Exchange),
			semconv.MessagingRabbitmqRoutingKeyKey.String(topic),
			semconv.MessagingMessageIDKey.String(msg.MessageID),
		),
	)
	defer span.End()

	// Inject the trace context into the message headers
	propagator := otel.GetTextMapPropagator()
	traceHeaders := make(map[string]string)
	propagator.Inject(ctx, propagation.MapCarrier(traceHeaders))

	// Convert headers to amqp.Table
	amqpHeaders := make(amqp.Table)
	for k, v := range msg.Headers() {
		amqpHeaders[k] = v
	}
	for k, v := range traceHeaders {
		amqpHeaders[k] = v
	}

	// Get a channel from the pool
	pooledChan, err := r.getChannel()
	if err != nil {
		span.RecordError(err)
		return err
	}
	defer r.releaseChannel(pooledChan)

	err = pooledChan.channel.Publish(
		r.settings.Exchange, topic, false, false,
		amqp.Publishing{
			ContentType:   msg.ContentType,
			DeliveryMode:  amqp.Persistent,
			MessageId:     msg.MessageID,
			CorrelationId: msg.CorrelationID,
			AppId:         msg.ApplicationID,
			Timestamp:     msg.CreationDateTime,
			Body:          msg.Body,
			Headers:       amqpHeaders,
		},
	)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}

	span.SetAttributes(
		attribute.Int("messaging.message_payload_size_bytes", len(msg.Body)),
	)

	return nil
}

func (r *rabbitMqBroker) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	// Stop the connection recovery goroutine
	close(r.stopReconnect)
	r.reconnectTicker.Stop()

	// Close all channels in the pool
	drainPool(r.channelPool)

	// Close the connection
	if r.connection != nil {
		return r.connection.Close()
	}
	return nil
}
