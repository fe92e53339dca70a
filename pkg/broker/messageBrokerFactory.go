package broker

import (
	"context"
	"fmt"

	"github.com/go-kit/log"

	"github.com/zoff-tech/payload-gateway/pkg/config"
)

func NewBroker(ctx context.Context, cfg *config.BrokerSettings, logger log.Logger) (MessageBroker, error) {
	switch cfg.Type {
	case "rabbitmq":
		return NewRabbitMqBroker(ctx, cfg, logger)
	case "gcp-pubsub":
		return NewPubSubClient(ctx, cfg, logger)
	case "kafka":
		return NewKafkaBroker(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}
