package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 状态转换计数
	TransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_transition_total",
			Help: "Total number of ledger instructions by outcome",
		},
		[]string{"instruction", "outcome"}, // outcome: committed, rejected, aborted
	)

	// 状态转换延迟（秒）
	TransitionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ledger_transition_duration_seconds",
			Help:    "Ledger instruction execution time in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		},
		[]string{"instruction"},
	)

	// Rejections by ledger error name.
	TransitionRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ledger_rejection_total",
			Help: "Rejected ledger instructions by error name",
		},
		[]string{"instruction", "error"},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)

	// Outbox 发布计数
	OutboxPublishCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_total",
			Help: "Outbox publish attempts by routing key and result",
		},
		[]string{"routing_key", "result"}, // result: sent, failed
	)

	// 熔断器状态: 0 closed, 1 open, 2 half_open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half open)",
		},
		[]string{"name"},
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation", "table"},
	)

	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_total",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"operation"},
	)

	// HTTP 请求延迟（秒）
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)

	// 投影处理计数
	ProjectionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "projection_events_total",
			Help: "Ledger events applied to the read model",
		},
		[]string{"routing_key", "status"}, // status: applied, duplicate, failed, dlq
	)
)

// RecordTransition 记录一次指令执行结果
func RecordTransition(instruction, outcome string, duration time.Duration) {
	TransitionCount.WithLabelValues(instruction, outcome).Inc()
	TransitionDuration.WithLabelValues(instruction).Observe(duration.Seconds())
}

func IncrementRejection(instruction, errName string) {
	TransitionRejections.WithLabelValues(instruction, errName).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}

// IncrementOutboxPublish 增加 outbox 发布计数
func IncrementOutboxPublish(routingKey, result string) {
	OutboxPublishCount.WithLabelValues(routingKey, result).Inc()
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation, table string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

func IncrementSlowQuery(operation string) {
	SlowQueryCount.WithLabelValues(operation).Inc()
}

// RecordHTTPRequestDuration 记录 HTTP 请求延迟
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementProjection 增加投影处理计数
func IncrementProjection(routingKey, status string) {
	ProjectionCount.WithLabelValues(routingKey, status).Inc()
}

func SetBreakerState(name string, state int) {
	BreakerState.WithLabelValues(name).Set(float64(state))
}
