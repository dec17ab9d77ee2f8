package projection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqcontracts "openbudget/contracts/mq"
	"openbudget/pkg/logger"
	"openbudget/pkg/metrics"
	"openbudget/pkg/mq"
	"openbudget/pkg/util"

	"go.uber.org/zap"
)

// DLQPublisher parks events that cannot be applied.
type DLQPublisher interface {
	PublishToDLQ(ctx context.Context, routingKey string, payload []byte, originalError, failedAt string) error
}

type Handlers struct {
	model        *ReadModel
	deduper      *util.Deduper
	retryCounter *util.RetryCounter
	dlq          DLQPublisher
	maxRetries   int64
	logger       *zap.Logger
}

func NewHandlers(
	model *ReadModel,
	deduper *util.Deduper,
	retryCounter *util.RetryCounter,
	dlq DLQPublisher,
	maxRetries int,
	logger *zap.Logger,
) *Handlers {
	return &Handlers{
		model:        model,
		deduper:      deduper,
		retryCounter: retryCounter,
		dlq:          dlq,
		maxRetries:   int64(maxRetries),
		logger:       logger,
	}
}

// Routes maps every ledger routing key to its handler.
func (h *Handlers) Routes() map[string]mq.MessageHandler {
	return map[string]mq.MessageHandler{
		mqcontracts.RoutingPlatformInitialized: h.HandlePlatformInitialized,
		mqcontracts.RoutingProjectCreated:      h.HandleProjectCreated,
		mqcontracts.RoutingMilestoneAdded:      h.HandleMilestoneAdded,
		mqcontracts.RoutingFundsReleased:       h.HandleFundsReleased,
	}
}

func (h *Handlers) HandlePlatformInitialized(ctx context.Context, raw json.RawMessage) error {
	return process(ctx, h, mqcontracts.RoutingPlatformInitialized, raw,
		func(p *mqcontracts.PlatformInitializedPayload) mqcontracts.EventMeta { return p.EventMeta },
		h.model.ApplyPlatformInitialized)
}

func (h *Handlers) HandleProjectCreated(ctx context.Context, raw json.RawMessage) error {
	return process(ctx, h, mqcontracts.RoutingProjectCreated, raw,
		func(p *mqcontracts.ProjectCreatedPayload) mqcontracts.EventMeta { return p.EventMeta },
		h.model.ApplyProjectCreated)
}

func (h *Handlers) HandleMilestoneAdded(ctx context.Context, raw json.RawMessage) error {
	return process(ctx, h, mqcontracts.RoutingMilestoneAdded, raw,
		func(p *mqcontracts.MilestoneAddedPayload) mqcontracts.EventMeta { return p.EventMeta },
		h.model.ApplyMilestoneAdded)
}

func (h *Handlers) HandleFundsReleased(ctx context.Context, raw json.RawMessage) error {
	return process(ctx, h, mqcontracts.RoutingFundsReleased, raw,
		func(p *mqcontracts.FundsReleasedPayload) mqcontracts.EventMeta { return p.EventMeta },
		h.model.ApplyFundsReleased)
}

// process decodes, dedups and applies one event. A nil return acks the
// message; an error nacks it for redelivery.
func process[T any](
	ctx context.Context,
	h *Handlers,
	routingKey string,
	raw json.RawMessage,
	meta func(*T) mqcontracts.EventMeta,
	apply func(context.Context, *T) error,
) error {
	log := logger.WithTrace(ctx, h.logger).With(zap.String("routing_key", routingKey))

	var p T
	if err := json.Unmarshal(raw, &p); err != nil {
		// JSON decode 错误 - 不可重试，发送到 DLQ
		log.Error("Failed to unmarshal event (non-retryable, sending to DLQ)", zap.Error(err))
		h.deadLetter(ctx, routingKey, raw, err)
		return nil
	}
	m := meta(&p)
	if m.EventID == "" {
		err := fmt.Errorf("event without event_id: %w", util.ErrPermanent)
		log.Error("Rejecting event", zap.Error(err))
		h.deadLetter(ctx, routingKey, raw, err)
		return nil
	}
	log = log.With(zap.String("event_id", m.EventID))

	// Redis 去重
	if !h.deduper.AcquireOnce(ctx, routingKey, m.EventID) {
		metrics.IncrementProjection(routingKey, "duplicate")
		return nil
	}

	err := apply(ctx, &p)
	if err == nil {
		if h.retryCounter != nil {
			_ = h.retryCounter.Reset(ctx, util.FormatRetryKey(routingKey, m.EventID))
		}
		metrics.IncrementProjection(routingKey, "applied")
		log.Debug("Event applied")
		return nil
	}

	// Shutdown or a dropped delivery: nack without counting a retry.
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		h.deduper.Release(context.WithoutCancel(ctx), routingKey, m.EventID)
		metrics.IncrementProjection(routingKey, "failed")
		log.Warn("Event apply interrupted, requeueing", zap.Error(err))
		return err
	}

	isRetryable, errType := util.IsRetryableError(err)
	var retryCount int64 = 1
	if h.retryCounter != nil {
		n, cerr := h.retryCounter.IncrementAndGet(ctx, util.FormatRetryKey(routingKey, m.EventID))
		if cerr != nil {
			log.Warn("Failed to get retry count, continuing anyway", zap.Error(cerr))
		} else {
			retryCount = n
		}
	}
	log.Error("Failed to apply event",
		zap.String("error_type", errType),
		zap.Bool("retryable", isRetryable),
		zap.Int64("retry_count", retryCount),
		zap.Error(err),
	)

	// 释放去重锁，让重投或人工重放可以再次处理
	h.deduper.Release(context.WithoutCancel(ctx), routingKey, m.EventID)

	if util.ShouldRetry(retryCount, h.maxRetries, isRetryable) {
		metrics.IncrementProjection(routingKey, "failed")
		return err // 可重试错误，nack 并重试
	}

	h.deadLetter(ctx, routingKey, raw, err)
	if h.retryCounter != nil {
		_ = h.retryCounter.Reset(ctx, util.FormatRetryKey(routingKey, m.EventID))
	}
	return nil
}

func (h *Handlers) deadLetter(ctx context.Context, routingKey string, raw []byte, cause error) {
	metrics.IncrementProjection(routingKey, "dlq")
	if h.dlq == nil {
		return
	}
	if err := h.dlq.PublishToDLQ(context.WithoutCancel(ctx), routingKey, raw, cause.Error(), time.Now().UTC().Format(time.RFC3339)); err != nil {
		h.logger.Error("Failed to publish to DLQ",
			zap.String("routing_key", routingKey),
			zap.Error(err),
		)
	}
}
