package infra

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Traffic: решения Policy Engine по типам
	DecisionsTotal *prometheus.CounterVec

	// Latency: операции над токенами (issue/verify/consume/revoke)
	TokenOpDuration *prometheus.HistogramVec

	// Errors: отказы verify/consume по причинам (expired, consumed, mismatch...)
	TokenRejections *prometheus.CounterVec

	// Cache: попадания/промахи проекций токенов
	TokenCacheLookups *prometheus.CounterVec

	// Saturation: заполненность буфера аудита (backpressure)
	AuditBufferFill prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	// Null Object Pattern - Если рег не передан, используем локальный, который никуда не подключен
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	return &Metrics{
		DecisionsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "permgate_decisions_total",
			Help: "Policy engine decisions by resulting action.",
		}, []string{"action"}), // auto_approve, require_approval, deny

		TokenOpDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "permgate_token_op_duration_seconds",
			Help:    "Histogram of token operation latencies.",
			Buckets: []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op", "outcome"}),

		TokenRejections: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "permgate_token_rejections_total",
			Help: "Token verify/consume rejections by reason.",
		}, []string{"reason"}),

		TokenCacheLookups: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "permgate_token_cache_lookups_total",
			Help: "Token cache lookups by result.",
		}, []string{"result"}), // hit, miss, error

		AuditBufferFill: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "permgate_audit_buffer_utilization",
			Help: "Current number of events in audit buffer.",
		}),
	}
}
