package config

// BrokerSettings holds configuration for connecting to a message broker.
type BrokerSettings struct {
	Type          string        `mapstructure:"type" validate:"oneof=rabbitmq gcp-pubsub kafka"`
	URL           string        `mapstructure:"url" validate:"required_if=Type rabbitmq"`
	Exchange      string        `mapstructure:"exchange" validate:"required_if=Type rabbitmq"`
	ProjectID     string        `mapstructure:"project_id" validate:"required_if=Type gcp-pubsub"` // Optional for brokers other than GCP Pub/Sub
	PoolSize      int           `mapstructure:"pool_size"`                                         // Optional for RabbitMQ
	Brokers       []string      `mapstructure:"brokers" validate:"required_if=Type kafka"`
	Topic         string        `mapstructure:"topic" validate:"required"` // workflow request topic
	ApplicationID string        `mapstructure:"application_id" validate:"required"`
	Retries       RetrySettings `mapstructure:"retries"`
}
