package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AI 操作指标
var (
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aiops",
		Name:      "operations_total",
		Help:      "Total number of AI operations by type and final status",
	}, []string{"type", "status"})

	OperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "aiops",
		Name:      "operation_duration_seconds",
		Help:      "AI operation duration from in_progress to terminal state",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"type"})

	OperationsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aiops",
		Name:      "operations_in_flight",
		Help:      "Number of AI operations currently executing",
	})

	QueueNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "aiops",
		Name:      "queue_notifications_total",
		Help:      "Queue notifications processed by the worker",
	}, []string{"result"})

	EventClientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aiops",
		Name:      "event_clients_connected",
		Help:      "Connected operation event feed subscribers",
	})

	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "aiops",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	})
)

// ObserveOperation 记录一次操作的最终状态与耗时
func ObserveOperation(opType, status string, duration time.Duration) {
	OperationsTotal.WithLabelValues(opType, status).Inc()
	OperationDuration.WithLabelValues(opType).Observe(duration.Seconds())
}
