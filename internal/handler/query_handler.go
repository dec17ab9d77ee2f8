package handler

import (
	"net/http"
	"strconv"

	"openbudget/internal/ledger"
	"openbudget/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type QueryHandler struct {
	svc    *service.QueryService
	logger *zap.Logger
}

func NewQueryHandler(svc *service.QueryService, logger *zap.Logger) *QueryHandler {
	return &QueryHandler{svc: svc, logger: logger}
}

// GetPlatform GET /v1/platform
func (h *QueryHandler) GetPlatform(c *gin.Context) {
	registry, err := h.svc.Platform(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":  ledger.PlatformAddress(),
		"platform": registry,
	})
}

// GetProject GET /v1/projects/:id
func (h *QueryHandler) GetProject(c *gin.Context) {
	id := c.Param("id")
	project, err := h.svc.Project(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address": ledger.ProjectAddress(id),
		"project": project,
	})
}

// GetMilestone GET /v1/projects/:id/milestones/:index
func (h *QueryHandler) GetMilestone(c *gin.Context) {
	index, ok := parseIndex(c)
	if !ok {
		return
	}
	id := c.Param("id")
	milestone, err := h.svc.Milestone(c.Request.Context(), id, index)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":   ledger.MilestoneAddress(id, index),
		"milestone": milestone,
	})
}

// ListMilestones GET /v1/projects/:id/milestones
func (h *QueryHandler) ListMilestones(c *gin.Context) {
	milestones, err := h.svc.Milestones(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": milestones})
}

// DeriveAddress GET /v1/address?kind=milestone&project_id=P1&index=0
func (h *QueryHandler) DeriveAddress(c *gin.Context) {
	projectID := c.Query("project_id")
	var addr ledger.Address
	switch kind := c.Query("kind"); kind {
	case ledger.TagPlatform:
		addr = ledger.PlatformAddress()
	case ledger.TagProject:
		addr = ledger.ProjectAddress(projectID)
	case ledger.TagMilestone:
		n, err := strconv.ParseUint(c.Query("index"), 10, 8)
		if err != nil {
			badRequest(c, "InvalidIndex", "milestone index must be an integer in 0..255")
			return
		}
		addr = ledger.MilestoneAddress(projectID, uint8(n))
	default:
		badRequest(c, "InvalidKind", "kind must be platform, project or milestone")
		return
	}
	c.JSON(http.StatusOK, gin.H{"address": addr})
}
