package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"openbudget/pkg/circuitbreaker"
	"openbudget/pkg/metrics"
	"openbudget/pkg/trace"

	"go.uber.org/zap"
)

// Publisher delivers a raw JSON event to the broker.
type Publisher interface {
	PublishRaw(ctx context.Context, routingKey string, body []byte) error
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	source     Source
	publisher  Publisher
	breaker    *circuitbreaker.CircuitBreaker
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

// NewDispatcher 创建新的 Dispatcher
func NewDispatcher(source Source, publisher Publisher, logger *zap.Logger) *Dispatcher {
	cfg := circuitbreaker.DefaultConfig("outbox_publisher")
	cfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
		logger.Warn("Circuit breaker state changed",
			zap.String("breaker", name),
			zap.Stringer("from", from),
			zap.Stringer("to", to),
		)
	}
	return &Dispatcher{
		source:     source,
		publisher:  publisher,
		breaker:    circuitbreaker.NewCircuitBreaker(cfg),
		logger:     logger,
		maxRetries: 5,
		interval:   1 * time.Second,
		batchSize:  100,
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// WithBreaker replaces the circuit breaker guarding the publisher.
func (d *Dispatcher) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Dispatcher {
	d.breaker = cb
	return d
}

// Start 启动 Dispatcher，阻塞直到 ctx 结束
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			d.ProcessPending(ctx)
		}
	}
}

// ProcessPending publishes one batch of pending events and returns how
// many were delivered.
func (d *Dispatcher) ProcessPending(ctx context.Context) int {
	events, err := d.source.GetPendingEvents(ctx, d.batchSize)
	if err != nil {
		d.logger.Error("Failed to get pending events", zap.Error(err))
		return 0
	}

	if len(events) == 0 {
		return 0
	}

	d.logger.Debug("Processing pending events", zap.Int("count", len(events)))

	sent := 0
	for i, event := range events {
		err := d.breaker.Execute(func() error {
			return d.publishEvent(ctx, event)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			// broker is down, leave the rest of the batch pending
			d.logger.Warn("Circuit breaker open, deferring events",
				zap.Int("remaining", len(events)-i),
			)
			break
		}
		if err != nil {
			metrics.IncrementOutboxPublish(event.RoutingKey, "failed")
			d.logger.Error("Failed to publish event",
				zap.Int64("id", event.ID),
				zap.String("event_id", event.EventID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)

			if err := d.source.MarkAsFailed(ctx, event.ID, d.maxRetries); err != nil {
				d.logger.Error("Failed to mark event as failed",
					zap.Int64("id", event.ID),
					zap.Error(err),
				)
			}
			continue
		}

		metrics.IncrementOutboxPublish(event.RoutingKey, "sent")
		if err := d.source.MarkAsSent(ctx, event.ID); err != nil {
			d.logger.Error("Failed to mark event as sent",
				zap.Int64("id", event.ID),
				zap.Error(err),
			)
			continue
		}
		sent++
	}
	return sent
}

// publishEvent 发布单个事件到 MQ
func (d *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	ctx = extractTraceID(ctx, event.Payload)
	if err := d.publisher.PublishRaw(ctx, event.RoutingKey, event.Payload); err != nil {
		return fmt.Errorf("failed to publish to MQ: %w", err)
	}
	return nil
}

// extractTraceID 从 payload 中提取 trace_id（如果存在）
func extractTraceID(ctx context.Context, payload json.RawMessage) context.Context {
	var meta struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return ctx
	}
	if meta.TraceID != "" {
		ctx = trace.WithContext(ctx, meta.TraceID)
	}
	return ctx
}
