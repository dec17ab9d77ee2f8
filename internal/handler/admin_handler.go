package handler

import (
	"errors"
	"net/http"
	"strconv"

	"openbudget/pkg/outbox"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AdminHandler struct {
	replayService *outbox.ReplayService
	logger        *zap.Logger
}

func NewAdminHandler(replayService *outbox.ReplayService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		replayService: replayService,
		logger:        logger,
	}
}

func parseEventID(c *gin.Context) (int64, bool) {
	idStr := c.Query("id")
	if idStr == "" {
		badRequest(c, "InvalidRequest", "missing id parameter")
		return 0, false
	}

	eventID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		badRequest(c, "InvalidRequest", "invalid id parameter")
		return 0, false
	}
	return eventID, true
}

func (h *AdminHandler) replayError(c *gin.Context, eventID int64, err error) {
	if errors.Is(err, outbox.ErrEventNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": ErrorBody{Name: "EventNotFound", Message: err.Error()}})
		return
	}
	h.logger.Error("Failed to replay event",
		zap.Int64("event_id", eventID),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": ErrorBody{Name: "ReplayFailed", Message: err.Error()},
	})
}

// ReplayOutboxEvent 重放指定的 Outbox 事件
// POST /admin/outbox/replay?id=xxx
func (h *AdminHandler) ReplayOutboxEvent(c *gin.Context) {
	eventID, ok := parseEventID(c)
	if !ok {
		return
	}

	if err := h.replayService.ReplayEvent(c.Request.Context(), eventID); err != nil {
		h.replayError(c, eventID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "replayed",
		"event_id": eventID,
	})
}

// RequeueOutboxEvent 将事件重置为 pending，由 Dispatcher 重新投递
// POST /admin/outbox/requeue?id=xxx
func (h *AdminHandler) RequeueOutboxEvent(c *gin.Context) {
	eventID, ok := parseEventID(c)
	if !ok {
		return
	}

	if err := h.replayService.Requeue(c.Request.Context(), eventID); err != nil {
		h.replayError(c, eventID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "requeued",
		"event_id": eventID,
	})
}

// ReplayFailedEvents 重放所有失败的事件
// POST /admin/outbox/replay-failed?limit=100
func (h *AdminHandler) ReplayFailedEvents(c *gin.Context) {
	limitStr := c.DefaultQuery("limit", "100")
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit <= 0 {
		limit = 100
	}

	successCount, err := h.replayService.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": ErrorBody{Name: "ReplayFailed", Message: err.Error()},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        "completed",
		"success_count": successCount,
		"limit":         limit,
	})
}
