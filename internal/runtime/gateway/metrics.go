package gateway

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics count broker traffic. A nil *Metrics records nothing.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	received  *prometheus.CounterVec
	acked     *prometheus.CounterVec
	nacked    *prometheus.CounterVec
	poisoned  *prometheus.CounterVec
	published *prometheus.CounterVec
}

func newCounterVec(name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tierflow",
			Subsystem: "gateway",
			Name:      name,
			Help:      help,
		},
		[]string{"topic"},
	)
}

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer: registerer,
		received:   newCounterVec("messages_received_total", "Messages delivered by the broker"),
		acked:      newCounterVec("messages_acked_total", "Deliveries acknowledged to the broker"),
		nacked:     newCounterVec("messages_nacked_total", "Deliveries returned to the broker for redelivery"),
		poisoned:   newCounterVec("messages_poisoned_total", "Undecodable payloads moved aside"),
		published:  newCounterVec("messages_published_total", "Messages published to the next tier"),
	}
}

// Register is safe to call more than once.
func (m *Metrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registered {
		return nil
	}
	for _, c := range []prometheus.Collector{m.received, m.acked, m.nacked, m.poisoned, m.published} {
		if err := m.registerer.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if !errors.As(err, &already) {
				return err
			}
		}
	}
	m.registered = true
	return nil
}

// count increments one of the vectors; pick selects it so nil receivers stay safe.
func (m *Metrics) count(pick func(*Metrics) *prometheus.CounterVec, topic string) {
	if m == nil {
		return
	}
	pick(m).WithLabelValues(topic).Inc()
}

func receivedVec(m *Metrics) *prometheus.CounterVec  { return m.received }
func ackedVec(m *Metrics) *prometheus.CounterVec     { return m.acked }
func nackedVec(m *Metrics) *prometheus.CounterVec    { return m.nacked }
func poisonedVec(m *Metrics) *prometheus.CounterVec  { return m.poisoned }
func publishedVec(m *Metrics) *prometheus.CounterVec { return m.published }
