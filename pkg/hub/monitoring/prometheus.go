package monitoring

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics implements DispatchMetrics using Prometheus. All
// metrics are prefixed with "inputhub_" to avoid naming conflicts.
type PrometheusMetrics struct {
	dispatches   *prometheus.CounterVec
	broadcasts   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	consumerFlip *prometheus.CounterVec
}

// NewPrometheusMetrics creates and registers every hub metric against reg.
// Registration is immediate and panics on duplicate registration,
// matching the fail-fast behavior expected at startup.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	dispatches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inputhub_dispatch_total",
			Help: "Total number of messages successfully delivered point-to-point, partitioned by message type.",
		},
		[]string{"message_type"},
	)
	broadcasts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inputhub_broadcast_total",
			Help: "Total number of broadcast fan-outs, partitioned by message type.",
		},
		[]string{"message_type"},
	)
	rejections := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inputhub_rejection_total",
			Help: "Total number of messages rejected by the validation ladder, partitioned by message type and reason.",
		},
		[]string{"message_type", "reason"},
	)
	consumerFlip := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inputhub_active_consumer_change_total",
			Help: "Total number of active-consumer reassignments, partitioned by message type.",
		},
		[]string{"message_type"},
	)

	reg.MustRegister(dispatches, broadcasts, rejections, consumerFlip)

	return &PrometheusMetrics{
		dispatches:   dispatches,
		broadcasts:   broadcasts,
		rejections:   rejections,
		consumerFlip: consumerFlip,
	}
}

func (pm *PrometheusMetrics) ObserveDispatch(messageType uint32) {
	pm.dispatches.WithLabelValues(fmtType(messageType)).Inc()
}

func (pm *PrometheusMetrics) ObserveBroadcast(messageType uint32) {
	pm.broadcasts.WithLabelValues(fmtType(messageType)).Inc()
}

func (pm *PrometheusMetrics) ObserveRejection(messageType uint32, reason string) {
	pm.rejections.WithLabelValues(fmtType(messageType), reason).Inc()
}

func (pm *PrometheusMetrics) ObserveActiveConsumerChange(messageType uint32) {
	pm.consumerFlip.WithLabelValues(fmtType(messageType)).Inc()
}

func fmtType(t uint32) string {
	return strconv.FormatUint(uint64(t), 10)
}
