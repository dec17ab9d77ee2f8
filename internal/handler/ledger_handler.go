package handler

import (
	"net/http"
	"strconv"

	"openbudget/internal/runtime"
	"openbudget/internal/service"
	"openbudget/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HeaderIdempotencyKey lets clients retry a submission safely.
const HeaderIdempotencyKey = "Idempotency-Key"

type LedgerHandler struct {
	svc    *service.LedgerService
	logger *zap.Logger
}

func NewLedgerHandler(svc *service.LedgerService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger}
}

type CreateProjectRequest struct {
	ProjectID   string `json:"project_id"`
	Title       string `json:"title"`
	Ministry    string `json:"ministry"`
	TotalBudget uint64 `json:"total_budget"`
}

type AddMilestoneRequest struct {
	Index       *uint8 `json:"index" binding:"required"`
	Description string `json:"description"`
	Amount      uint64 `json:"amount"`
}

type ReleaseFundsRequest struct {
	ProofURL string `json:"proof_url"`
}

// parseIndex reads the :index path parameter as a milestone index.
func parseIndex(c *gin.Context) (uint8, bool) {
	raw := c.Param("index")
	n, err := strconv.ParseUint(raw, 10, 8)
	if err != nil {
		badRequest(c, "InvalidIndex", "milestone index must be an integer in 0..255")
		return 0, false
	}
	return uint8(n), true
}

func (h *LedgerHandler) submit(c *gin.Context, ix runtime.Instruction, status int) {
	signer, ok := signerFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": ErrorBody{Name: "Unauthenticated", Message: "missing signer"}})
		return
	}
	ctx := c.Request.Context()
	log := logger.WithTrace(ctx, h.logger)

	receipt, replayed, err := h.svc.Submit(ctx, signer, ix, c.GetHeader(HeaderIdempotencyKey))
	if err != nil {
		code := statusFor(err)
		if code >= http.StatusInternalServerError {
			log.Error("Instruction failed",
				zap.String("instruction", ix.Name()),
				zap.String("signer", signer.String()),
				zap.Error(err),
			)
		}
		respondError(c, err)
		return
	}

	if replayed {
		c.Header("Idempotent-Replayed", "true")
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"receipt": receipt})
}

// InitializePlatform POST /v1/platform
func (h *LedgerHandler) InitializePlatform(c *gin.Context) {
	h.submit(c, runtime.InitializePlatform{}, http.StatusCreated)
}

// CreateProject POST /v1/projects
func (h *LedgerHandler) CreateProject(c *gin.Context) {
	var req CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "InvalidRequest", err.Error())
		return
	}
	h.submit(c, runtime.InitializeProject{
		ProjectID:   req.ProjectID,
		Title:       req.Title,
		Ministry:    req.Ministry,
		TotalBudget: req.TotalBudget,
	}, http.StatusCreated)
}

// AddMilestone POST /v1/projects/:id/milestones
func (h *LedgerHandler) AddMilestone(c *gin.Context) {
	var req AddMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "InvalidRequest", err.Error())
		return
	}
	h.submit(c, runtime.AddMilestone{
		ProjectID:   c.Param("id"),
		Index:       *req.Index,
		Description: req.Description,
		Amount:      req.Amount,
	}, http.StatusCreated)
}

// ReleaseFunds POST /v1/projects/:id/milestones/:index/release
func (h *LedgerHandler) ReleaseFunds(c *gin.Context) {
	index, ok := parseIndex(c)
	if !ok {
		return
	}
	var req ReleaseFundsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "InvalidRequest", err.Error())
		return
	}
	h.submit(c, runtime.ReleaseFunds{
		ProjectID: c.Param("id"),
		Index:     index,
		ProofURL:  req.ProofURL,
	}, http.StatusOK)
}
