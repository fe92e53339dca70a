package broker

import "context"

// MessageBroker defines the operations to publish messages to a broker.
type MessageBroker interface {
	// Publish sends the message to the given topic.
	Publish(ctx context.Context, topic string, msg *Message) error
	// Close cleans up any resources (connections).
	Close() error
}
