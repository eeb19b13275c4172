// Package metrics provides Prometheus metrics for the medication safety and
// administration services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hospharm/medcore/pkg/circuitbreaker"
)

// Metrics holds all application metrics. A nil *Metrics is a valid no-op.
type Metrics struct {
	SafetyChecks            *prometheus.CounterVec
	SafetyFindings          *prometheus.CounterVec
	SafetyOverrides         prometheus.Counter
	AdministrationsRecorded prometheus.Counter
	AdministrationsRejected *prometheus.CounterVec
	QueueSize               *prometheus.GaugeVec
	HTTPDuration            *prometheus.HistogramVec
	MessagesProduced        *prometheus.CounterVec
	MessagesFailed          *prometheus.CounterVec
	MessagesConsumed        *prometheus.CounterVec
	DeadLettered            prometheus.Counter
	OutboxPending           prometheus.Gauge
	OutboxFailed            prometheus.Gauge
	CircuitBreakerState     *prometheus.GaugeVec
	ConsumerLag             *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SafetyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_checks_total",
			Help: "Safety checks run, by policy and outcome",
		}, []string{"policy", "outcome"}),
		SafetyFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "safety_findings_total",
			Help: "Safety findings reported, by kind and severity",
		}, []string{"kind", "severity"}),
		SafetyOverrides: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "safety_overrides_total",
			Help: "Safety findings overridden by clinicians",
		}),
		AdministrationsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "administrations_recorded_total",
			Help: "Doses recorded as administered",
		}),
		AdministrationsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "administrations_rejected_total",
			Help: "Administration commands rejected, by reason",
		}, []string{"reason"}),
		QueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "administration_queue_entries",
			Help: "Entries in the last computed administration queues",
		}, []string{"queue"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"method", "route", "status"}),
		MessagesProduced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_produced_total",
			Help: "Total Kafka messages produced",
		}, []string{"topic"}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_failed_total",
			Help: "Kafka publish attempts that failed",
		}, []string{"topic"}),
		MessagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kafka_messages_consumed_total",
			Help: "Total Kafka messages consumed, by event type and outcome",
		}, []string{"event_type", "outcome"}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outbox_dead_lettered_total",
			Help: "Outbox entries moved to the dead letter topic",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		OutboxFailed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_failed_entries",
			Help: "Outbox entries that exhausted their retries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "kafka_consumer_group_lag",
			Help: "Consumer group lag summed over partitions",
		}, []string{"topic"}),
	}

	reg.MustRegister(
		m.SafetyChecks,
		m.SafetyFindings,
		m.SafetyOverrides,
		m.AdministrationsRecorded,
		m.AdministrationsRejected,
		m.QueueSize,
		m.HTTPDuration,
		m.MessagesProduced,
		m.MessagesFailed,
		m.MessagesConsumed,
		m.DeadLettered,
		m.OutboxPending,
		m.OutboxFailed,
		m.CircuitBreakerState,
		m.ConsumerLag,
	)

	return m
}

// ObserveCheck counts one safety check and its findings.
func (m *Metrics) ObserveCheck(policy string, err error, interactions, allergies map[string]int) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SafetyChecks.WithLabelValues(policy, outcome).Inc()
	for sev, n := range interactions {
		m.SafetyFindings.WithLabelValues("interaction", sev).Add(float64(n))
	}
	for sev, n := range allergies {
		m.SafetyFindings.WithLabelValues("allergy", sev).Add(float64(n))
	}
}

// ObserveOverride counts a recorded override.
func (m *Metrics) ObserveOverride() {
	if m == nil {
		return
	}
	m.SafetyOverrides.Inc()
}

// ObserveQueues records the sizes of the last computed queues.
func (m *Metrics) ObserveQueues(ready, scheduled, pending int) {
	if m == nil {
		return
	}
	m.QueueSize.WithLabelValues("ready").Set(float64(ready))
	m.QueueSize.WithLabelValues("scheduled").Set(float64(scheduled))
	m.QueueSize.WithLabelValues("pending_pharmacy").Set(float64(pending))
}

// ObserveAdministration counts a recorded dose, or a rejection with reason.
func (m *Metrics) ObserveAdministration(rejectReason string) {
	if m == nil {
		return
	}
	if rejectReason == "" {
		m.AdministrationsRecorded.Inc()
		return
	}
	m.AdministrationsRejected.WithLabelValues(rejectReason).Inc()
}

// ObserveHTTP records one request.
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// ObserveConsumed counts one consumed message.
func (m *Metrics) ObserveConsumed(eventType, outcome string) {
	if m == nil {
		return
	}
	m.MessagesConsumed.WithLabelValues(eventType, outcome).Inc()
}

// EntryPublished implements postgres.OutboxObserver.
func (m *Metrics) EntryPublished(topic string) {
	if m == nil {
		return
	}
	m.MessagesProduced.WithLabelValues(topic).Inc()
}

// EntryFailed implements postgres.OutboxObserver.
func (m *Metrics) EntryFailed(topic string) {
	if m == nil {
		return
	}
	m.MessagesFailed.WithLabelValues(topic).Inc()
}

// EntriesDeadLettered implements postgres.OutboxObserver.
func (m *Metrics) EntriesDeadLettered(n int) {
	if m == nil {
		return
	}
	m.DeadLettered.Add(float64(n))
}

// SetOutboxBacklog records the pending and failed outbox counts.
func (m *Metrics) SetOutboxBacklog(pending, failed int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(pending))
	m.OutboxFailed.Set(float64(failed))
}

// SetConsumerLag records the per-topic lag of the consumer group.
func (m *Metrics) SetConsumerLag(lag map[string]int64) {
	if m == nil {
		return
	}
	for topic, n := range lag {
		m.ConsumerLag.WithLabelValues(topic).Set(float64(n))
	}
}

// SetBreakerStates copies breaker states into the state gauge.
func (m *Metrics) SetBreakerStates(statuses []circuitbreaker.HealthStatus) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		var v float64
		switch s.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(s.Name).Set(v)
	}
}

// Handler returns the Prometheus HTTP handler for g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
