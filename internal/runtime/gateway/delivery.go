package gateway

import (
	"sync"

	"github.com/drblury/tierflow/internal/runtime/wire"
)

// Delivery is a decoded inbound message waiting for the orchestrator's
// verdict. Exactly one of Ack or Nack takes effect; later calls are ignored.
type Delivery struct {
	Message wire.Message
	// MessageID is the broker message id, empty for manual injections.
	MessageID string

	settle *settlement
}

type settlement struct {
	once   sync.Once
	result chan bool
}

// NewDelivery wraps a message that has no broker behind it, such as one
// injected through the admin API. Ack and Nack are no-ops.
func NewDelivery(msg wire.Message) Delivery {
	return Delivery{Message: msg}
}

func newBrokerDelivery(msg wire.Message, id string) Delivery {
	return Delivery{
		Message:   msg,
		MessageID: id,
		settle:    &settlement{result: make(chan bool, 1)},
	}
}

// Ack confirms the message is recorded and may be removed from the broker.
func (d Delivery) Ack() { d.resolve(true) }

// Nack asks the broker to redeliver.
func (d Delivery) Nack() { d.resolve(false) }

func (d Delivery) resolve(ok bool) {
	if d.settle == nil {
		return
	}
	d.settle.once.Do(func() {
		d.settle.result <- ok
	})
}

func (d Delivery) result() <-chan bool {
	return d.settle.result
}
