package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MaxLabelValues caps the distinct CI labels exported per metric. Labels
// seen after the cap are counted under OtherLabel.
const (
	MaxLabelValues = 50
	OtherLabel     = "other"
)

// Metrics holds the service's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	mu     sync.Mutex
	labels map[string]struct{}

	provisionAttempts  *prometheus.CounterVec
	provisionFailures  *prometheus.CounterVec
	buildersCreated    prometheus.Counter
	buildersTerminated prometheus.Counter
	queueCancellations *prometheus.CounterVec
	registeredBuilders prometheus.Gauge
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		labels:   map[string]struct{}{},
		provisionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildercloud",
			Name:      "provision_attempts_total",
			Help:      "Provisioning attempts per label, retries included.",
		}, []string{"label"}),
		provisionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildercloud",
			Name:      "provision_failures_total",
			Help:      "Failed provisioning attempts per label.",
		}, []string{"label"}),
		buildersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildercloud",
			Name:      "builders_created_total",
			Help:      "Builders created and registered.",
		}),
		buildersTerminated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "buildercloud",
			Name:      "builders_terminated_total",
			Help:      "Builders terminated.",
		}),
		queueCancellations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "buildercloud",
			Name:      "queue_cancellations_total",
			Help:      "Queued builds cancelled because no builder could serve them.",
		}, []string{"reason"}),
		registeredBuilders: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "buildercloud",
			Name:      "registered_builders",
			Help:      "Builders currently in the inventory.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.provisionAttempts,
		m.provisionFailures,
		m.buildersCreated,
		m.buildersTerminated,
		m.queueCancellations,
		m.registeredBuilders,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// labelValue returns label while fewer than MaxLabelValues labels have been
// seen, and OtherLabel for new labels after that.
func (m *Metrics) labelValue(label string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.labels[label]; ok {
		return label
	}
	if len(m.labels) >= MaxLabelValues {
		return OtherLabel
	}
	m.labels[label] = struct{}{}
	return label
}

func (m *Metrics) ProvisionAttempt(label string) {
	if m != nil {
		m.provisionAttempts.WithLabelValues(m.labelValue(label)).Inc()
	}
}

func (m *Metrics) ProvisionFailure(label string) {
	if m != nil {
		m.provisionFailures.WithLabelValues(m.labelValue(label)).Inc()
	}
}

func (m *Metrics) BuilderCreated() {
	if m != nil {
		m.buildersCreated.Inc()
	}
}

func (m *Metrics) BuilderTerminated() {
	if m != nil {
		m.buildersTerminated.Inc()
	}
}

func (m *Metrics) QueueCancelled(reason string) {
	if m != nil {
		m.queueCancellations.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) SetRegistered(n int) {
	if m != nil {
		m.registeredBuilders.Set(float64(n))
	}
}
