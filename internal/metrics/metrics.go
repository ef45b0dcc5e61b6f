package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_events_published_total",
			Help: "Total number of envelopes accepted for delivery.",
		},
		[]string{"event_type"},
	)

	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_deliveries_total",
			Help: "Total number of delivery attempts by outcome.",
		},
		[]string{"outcome"}, // success, transient_failure, permanent_failure
	)

	DeliveryLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "harborrelay_delivery_latency_seconds",
			Help:    "Webhook round-trip latency by outcome.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 15},
		},
		[]string{"outcome"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_retries_total",
			Help: "Total number of scheduled retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_429, timeout, network, circuit-open
	)

	DeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_dead_letters_total",
			Help: "Total number of deliveries that failed terminally.",
		},
		[]string{"reason"},
	)

	DuplicateAttemptsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_duplicate_attempts_total",
			Help: "Queued attempts dropped because the ledger had already seen them.",
		},
	)

	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_circuit_state",
			Help: "Circuit state per endpoint (0=closed, 1=half-open, 2=open).",
		},
		[]string{"endpoint_id"},
	)

	CircuitTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "harborrelay_circuit_transitions_total",
			Help: "Circuit state transitions.",
		},
		[]string{"from", "to"},
	)

	SecretRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "harborrelay_secret_rotations_total",
			Help: "Total number of endpoint secret rotations.",
		},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_queue_depth",
			Help: "Delivery tasks waiting in a queue.",
		},
		[]string{"queue"},
	)

	NSQChannelMessages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "harborrelay_nsq_channel_messages",
			Help: "NSQ channel message counts by state (depth, in_flight, deferred).",
		},
		[]string{"topic", "channel", "state"},
	)
)

func MustRegister(reg *prometheus.Registry) {
	reg.MustRegister(
		EventsPublishedTotal,
		DeliveriesTotal,
		DeliveryLatency,
		RetriesTotal,
		DeadLettersTotal,
		DuplicateAttemptsTotal,
		CircuitState,
		CircuitTransitionsTotal,
		SecretRotationsTotal,
		QueueDepth,
		NSQChannelMessages,
	)
}

func RecordEventPublished(eventType string) {
	EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordDelivery counts one attempt. Zero latency means no request was sent
// and the histogram is left alone.
func RecordDelivery(outcome string, latency time.Duration) {
	DeliveriesTotal.WithLabelValues(outcome).Inc()
	if latency > 0 {
		DeliveryLatency.WithLabelValues(outcome).Observe(latency.Seconds())
	}
}

func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(reason string) {
	DeadLettersTotal.WithLabelValues(reason).Inc()
}

func RecordDuplicateAttempt() {
	DuplicateAttemptsTotal.Inc()
}

// circuitValue maps a circuit status name to the gauge value.
func circuitValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half-open":
		return 1
	default:
		return 0
	}
}

func SetCircuitState(endpointID, state string) {
	CircuitState.WithLabelValues(endpointID).Set(circuitValue(state))
}

func RecordCircuitTransition(endpointID, from, to string) {
	CircuitTransitionsTotal.WithLabelValues(from, to).Inc()
	SetCircuitState(endpointID, to)
}

func RecordSecretRotation() {
	SecretRotationsTotal.Inc()
}

func SetQueueDepth(queue string, depth float64) {
	QueueDepth.WithLabelValues(queue).Set(depth)
}

// SetNSQChannel publishes one channel's counters from nsqd /stats.
func SetNSQChannel(topic, channel string, depth, inFlight, deferred int64) {
	NSQChannelMessages.WithLabelValues(topic, channel, "depth").Set(float64(depth))
	NSQChannelMessages.WithLabelValues(topic, channel, "in_flight").Set(float64(inFlight))
	NSQChannelMessages.WithLabelValues(topic, channel, "deferred").Set(float64(deferred))
}
