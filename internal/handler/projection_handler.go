package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"openbudget/internal/projection"
	"openbudget/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SummaryReader reads the eventually consistent project view.
type SummaryReader interface {
	ProjectSummary(ctx context.Context, projectID string) (*projection.Summary, error)
	ProjectCount(ctx context.Context) (uint64, error)
	Projects(ctx context.Context, ministry string, offset, limit int) ([]*projection.Summary, int64, error)
	Ministries(ctx context.Context) ([]projection.MinistryStats, error)
	RecentActivity(ctx context.Context, limit int) ([]projection.Activity, error)
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

type ProjectionHandler struct {
	reader SummaryReader
	logger *zap.Logger
}

func NewProjectionHandler(reader SummaryReader, logger *zap.Logger) *ProjectionHandler {
	return &ProjectionHandler{reader: reader, logger: logger}
}

// GetSummary GET /v1/projects/:id/summary
func (h *ProjectionHandler) GetSummary(c *gin.Context) {
	ctx := c.Request.Context()
	summary, err := h.reader.ProjectSummary(ctx, c.Param("id"))
	if errors.Is(err, projection.ErrNotProjected) {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": ErrorBody{Name: "NotProjected", Message: err.Error()}})
		return
	}
	if err != nil {
		h.readFailed(c, "Failed to read project summary", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// GetStats GET /v1/stats
func (h *ProjectionHandler) GetStats(c *gin.Context) {
	ctx := c.Request.Context()
	n, err := h.reader.ProjectCount(ctx)
	if err != nil {
		h.readFailed(c, "Failed to read project count", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"project_count": n})
}

// ListProjects GET /v1/projects?ministry=&limit=&offset=
func (h *ProjectionHandler) ListProjects(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultPageSize, 1, maxPageSize)
	if !ok {
		return
	}
	offset, ok := queryInt(c, "offset", 0, 0, -1)
	if !ok {
		return
	}
	ministry := c.Query("ministry")

	projects, total, err := h.reader.Projects(c.Request.Context(), ministry, offset, limit)
	if err != nil {
		h.readFailed(c, "Failed to list projects", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"projects": projects,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// ListMinistries GET /v1/ministries
func (h *ProjectionHandler) ListMinistries(c *gin.Context) {
	stats, err := h.reader.Ministries(c.Request.Context())
	if err != nil {
		h.readFailed(c, "Failed to read ministry stats", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ministries": stats})
}

// GetActivity GET /v1/activity?limit=
func (h *ProjectionHandler) GetActivity(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultPageSize, 1, maxPageSize)
	if !ok {
		return
	}
	feed, err := h.reader.RecentActivity(c.Request.Context(), limit)
	if err != nil {
		h.readFailed(c, "Failed to read activity feed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": feed})
}

func (h *ProjectionHandler) readFailed(c *gin.Context, msg string, err error) {
	logger.WithTrace(c.Request.Context(), h.logger).Error(msg, zap.Error(err))
	if errors.Is(err, projection.ErrCorrupt) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": ErrorBody{Name: "ReadModelCorrupt", Message: "read model holds an invalid value"}})
		return
	}
	c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": ErrorBody{Name: "ReadModelUnavailable", Message: "read model unavailable"}})
}

// queryInt parses an optional integer query parameter within [lo, hi];
// hi < 0 means unbounded. It writes a 400 and returns false otherwise.
func queryInt(c *gin.Context, name string, def, lo, hi int) (int, bool) {
	raw, ok := c.GetQuery(name)
	if !ok {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || (hi >= 0 && n > hi) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": ErrorBody{Name: "InvalidQuery", Message: "invalid " + name}})
		return 0, false
	}
	return n, true
}
