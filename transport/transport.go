// Package transport holds the registry of broker backends the gateway can run
// on. Each backend lives in its own sub-package and registers itself in init;
// exactly one is selected at startup from Config.GetPubSubSystem.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is a publisher and subscriber pair produced by a Builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher first so in-flight publishes fail fast, then the subscriber.
func (t Transport) Close() error {
	var pubErr, subErr error
	if t.Publisher != nil {
		pubErr = t.Publisher.Close()
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		subErr = t.Subscriber.Close()
	}
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the settings backends read. It is implemented by
// internal/runtime/config.Config.
type Config interface {
	GetPubSubSystem() string

	// ConsumerGroup names the shared subscription of all instances running the
	// same job (Kafka consumer group, NATS queue group).
	GetConsumerGroup() string

	// Kafka
	GetKafkaBrokers() []string

	// RabbitMQ
	GetRabbitMQURL() string
	GetRabbitMQExchange() string

	// NATS
	GetNATSURL() string

	// HTTP
	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
