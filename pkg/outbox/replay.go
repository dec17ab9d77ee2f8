package outbox

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ReplayService 提供重放 Outbox 事件的服务
type ReplayService struct {
	source    ReplaySource
	publisher Publisher
	logger    *zap.Logger
}

// NewReplayService 创建新的 ReplayService
func NewReplayService(source ReplaySource, publisher Publisher, logger *zap.Logger) *ReplayService {
	return &ReplayService{
		source:    source,
		publisher: publisher,
		logger:    logger,
	}
}

// ReplayEvent 重放指定的事件
func (s *ReplayService) ReplayEvent(ctx context.Context, eventID int64) error {
	event, err := s.source.GetEventByID(ctx, eventID)
	if err != nil {
		return fmt.Errorf("failed to get event: %w", err)
	}

	ctx = extractTraceID(ctx, event.Payload)
	if err := s.publisher.PublishRaw(ctx, event.RoutingKey, event.Payload); err != nil {
		if markErr := s.source.MarkAsFailed(ctx, eventID, 5); markErr != nil {
			return fmt.Errorf("failed to publish and mark as failed: %w (mark error: %v)", err, markErr)
		}
		return fmt.Errorf("failed to publish: %w", err)
	}

	if err := s.source.MarkAsSent(ctx, eventID); err != nil {
		return fmt.Errorf("failed to mark as sent: %w", err)
	}

	return nil
}

// ReplayFailedEvents 重放所有失败的事件
func (s *ReplayService) ReplayFailedEvents(ctx context.Context, limit int) (int, error) {
	events, err := s.source.GetFailedEvents(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to get failed events: %w", err)
	}

	successCount := 0
	for _, event := range events {
		if err := s.ReplayEvent(ctx, event.ID); err != nil {
			s.logger.Warn("Replay failed",
				zap.Int64("id", event.ID),
				zap.String("routing_key", event.RoutingKey),
				zap.Error(err),
			)
			continue
		}
		successCount++
	}

	return successCount, nil
}

// Requeue resets an event to pending so the Dispatcher delivers it again.
func (s *ReplayService) Requeue(ctx context.Context, eventID int64) error {
	if _, err := s.source.GetEventByID(ctx, eventID); err != nil {
		return fmt.Errorf("failed to get event: %w", err)
	}
	return s.source.ReplayEvent(ctx, eventID)
}
