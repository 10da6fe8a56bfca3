package transport

// Capabilities describes the delivery guarantees of a transport backend.
type Capabilities struct {
	// Name is the registry name of the transport.
	Name string

	// SupportsAck indicates deliveries stay pending until explicitly acknowledged.
	SupportsAck bool

	// SupportsNack indicates a negative acknowledgment triggers redelivery.
	SupportsNack bool

	// SupportsOrdering indicates messages on one topic arrive in publish order.
	SupportsOrdering bool

	// Durable indicates messages survive a broker restart.
	Durable bool

	// SupportsConsumerGroups indicates instances sharing GetConsumerGroup split
	// deliveries between them instead of each receiving every message.
	SupportsConsumerGroups bool

	// MaxMessageSize is the maximum payload size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack + nack), which
// is what the job ledger needs to close the window between delivery and record.
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

var (
	// ChannelCapabilities for the in-process Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsAck:      true,
		SupportsNack:     true,
		SupportsOrdering: true,
	}

	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsAck:            true,
		SupportsOrdering:       true,
		Durable:                true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // default 1MB
	}

	// RabbitMQCapabilities for the durable topic exchange used between tiers.
	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsOrdering:       true,
		Durable:                true,
		SupportsConsumerGroups: true,
	}

	NATSCapabilities = Capabilities{
		Name:                   "nats",
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // default 1MB
	}

	// NATSJetStreamCapabilities for durable pull consumers with explicit acks.
	NATSJetStreamCapabilities = Capabilities{
		Name:                   "nats-jetstream",
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsOrdering:       true,
		Durable:                true,
		SupportsConsumerGroups: true,
		MaxMessageSize:         1048576, // default 1MB
	}

	AWSCapabilities = Capabilities{
		Name:           "aws",
		SupportsAck:    true,
		SupportsNack:   true,
		Durable:        true,
		MaxMessageSize: 262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
