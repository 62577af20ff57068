package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "diswarden"

var (
	// CAS session metrics (Central Service)

	// CASSessionState tracks the current CAS session FSM state as a gauge per state label (1 = current, 0 = not current)
	CASSessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cas",
			Name:      "session_state",
			Help:      "CAS session state machine, 1 for the current state label and 0 otherwise",
		},
		[]string{"state"},
	)

	// CASReconnectTotal counts reconnect attempts after session loss
	CASReconnectTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cas",
			Name:      "reconnect_total",
			Help:      "Total CAS reconnect attempts",
		},
	)

	// CASFramesReceivedTotal counts CAS frames by direction: inbound frames
	// deframed off the socket and outbound frames written to it
	CASFramesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cas",
			Name:      "frames_received_total",
			Help:      "Total framed messages read from or written to the CAS TCP session",
		},
		[]string{"direction"}, // inbound, outbound
	)

	// CASFramingErrorsTotal counts framing errors that purged the receive
	// buffer and received frame bodies whose CAP envelope failed to parse
	CASFramingErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cas",
			Name:      "framing_errors_total",
			Help:      "Total framing errors that caused a buffer purge, plus unparseable CAP envelopes",
		},
	)

	// CASAuthFailuresTotal counts failed digest authentication attempts
	CASAuthFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cas",
			Name:      "auth_failures_total",
			Help:      "Total CAS digest authentication failures",
		},
	)

	// Inbound/outbound pipeline result counters, one per log table named in the data model

	DisasterPublishLogTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "disaster_publish_log_total",
			Help:      "Total disaster_publish_log rows by terminal result",
		},
		[]string{"result"}, // success, failed, duplicate
	)

	DisasterTransmitLogTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "disaster_transmit_log_total",
			Help:      "Total disaster_transmit_log rows by terminal result",
		},
		[]string{"result"},
	)

	ReportPublishLogTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "report_publish_log_total",
			Help:      "Total report_publish_log rows by terminal result",
		},
		[]string{"result"},
	)

	ReportTransmitLogTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "report_transmit_log_total",
			Help:      "Total report_transmit_log rows by terminal result",
		},
		[]string{"result"},
	)

	// Outbox/poller metrics

	// OutboxRetryCount tracks the retry_count distribution per entity type at terminal resolution
	OutboxRetryCount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "outbox",
			Name:      "retry_count",
			Help:      "Retry count observed at terminal resolution, per entity type",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		},
		[]string{"entity"},
	)

	// PollerTickDuration tracks the wall time of a single poller tick
	PollerTickDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "tick_duration_seconds",
			Help:      "Time to complete a single poller tick",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"worker"},
	)

	// PollerInflightDeliveries tracks deliveries currently in flight per poller worker
	PollerInflightDeliveries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "inflight_deliveries",
			Help:      "Deliveries currently in flight, per poller worker",
		},
		[]string{"worker"},
	)

	// WebSocket / ES session metrics

	// WSActiveSubscribers tracks the number of connected subscriber sockets
	WSActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "active_subscribers",
			Help:      "Number of currently connected WebSocket subscribers",
		},
	)

	// WSEmitTimeoutTotal counts reliable-emit attempts that exceeded T_xmit without ACK
	WSEmitTimeoutTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ws",
			Name:      "emit_timeout_total",
			Help:      "Total WebSocket emits that timed out waiting for ACK",
		},
	)

	// Broker metrics

	// BrokerDLQTotal counts messages routed to a dead-letter stream
	BrokerDLQTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "dlq_total",
			Help:      "Total messages routed to the dead-letter stream",
		},
		[]string{"stream"},
	)

	// BrokerPublishTotal counts publish attempts by stream and outcome
	BrokerPublishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "publish_total",
			Help:      "Total broker publish attempts by stream and result",
		},
		[]string{"stream", "result"},
	)

	// BrokerCircuitOpenTotal counts times the publish circuit breaker tripped open
	BrokerCircuitOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "circuit_open_total",
			Help:      "Total times the broker publish circuit breaker tripped open",
		},
		[]string{"stream"},
	)

	// BrokerRetryTotal counts redeliveries requeued via NakWithDelay
	BrokerRetryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "retry_total",
			Help:      "Total consumer deliveries requeued for retry",
		},
		[]string{"stream"},
	)

	// HTTP API metrics (ES report ingress and admin endpoints)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP API request duration",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// LeaderElectionState tracks leader election status for the singleton CS session / ES pollers
	// 0 = follower, 1 = leader
	LeaderElectionState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "leader",
			Name:      "election_state",
			Help:      "Leader election state (0=follower, 1=leader)",
		},
	)
)
