// Package transports imports every built-in transport so each registers
// itself with the default registry.
package transports

import (
	_ "github.com/drblury/tierflow/transport/aws"
	_ "github.com/drblury/tierflow/transport/channel"
	_ "github.com/drblury/tierflow/transport/http"
	_ "github.com/drblury/tierflow/transport/jetstream"
	_ "github.com/drblury/tierflow/transport/kafka"
	_ "github.com/drblury/tierflow/transport/nats"
	_ "github.com/drblury/tierflow/transport/rabbitmq"
)
