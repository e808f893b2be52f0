package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		messagesAppendedTotal, appendLatencyMs, incomingTotal,
		optimisticTotal, sessionsActive, fanoutDeliveriesTotal,
	)
}

var (
	messagesAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_appended_total",
			Help: "Message store appends issued by chat sessions, by result.",
		},
		[]string{"result"}, // 'ok', 'error'
	)

	appendLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chat_append_latency_ms",
			Help:    "Message store append latency in milliseconds.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 3000},
		},
		[]string{"success"},
	)

	incomingTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_incoming_total",
			Help: "Canonical messages handled by sessions, by outcome.",
		},
		[]string{"result"}, // 'inserted', 'duplicate'
	)

	optimisticTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_optimistic_total",
			Help: "Optimistic entry transitions.",
		},
		[]string{"transition"}, // 'pending', 'confirmed', 'failed', 'discarded'
	)

	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Currently open chat sessions.",
		},
	)

	fanoutDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_fanout_deliveries_total",
			Help: "Messages delivered to fan-out subscribers, per backend.",
		},
		[]string{"backend"}, // 'memory', 'redis'
	)
)

func ObserveAppend(latencyMs int64, success bool) {
	result := "ok"
	if !success {
		result = "error"
	}
	messagesAppendedTotal.WithLabelValues(result).Inc()
	appendLatencyMs.WithLabelValues(strconv.FormatBool(success)).Observe(float64(latencyMs))
}

func IncIncoming(result string) {
	incomingTotal.WithLabelValues(norm(result)).Inc()
}

func IncOptimistic(transition string) {
	optimisticTotal.WithLabelValues(norm(transition)).Inc()
}

func SessionOpened() { sessionsActive.Inc() }
func SessionClosed() { sessionsActive.Dec() }

func IncFanoutDelivery(backend string) {
	fanoutDeliveriesTotal.WithLabelValues(norm(backend)).Inc()
}

func init() { register(wsConnectionsActive, wsFramesTotal) }

var (
	wsConnectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_ws_connections_active",
			Help: "Open websocket connections.",
		},
	)

	wsFramesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_ws_frames_total",
			Help: "Websocket frames by direction and type.",
		},
		[]string{"direction", "type"}, // 'in'|'out', frame type
	)
)

func WSConnected()    { wsConnectionsActive.Inc() }
func WSDisconnected() { wsConnectionsActive.Dec() }

func IncWSFrame(direction, frameType string) {
	wsFramesTotal.WithLabelValues(norm(direction), norm(frameType)).Inc()
}
