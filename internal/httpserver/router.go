package httpserver

import (
	"context"
	"net/http"
	"time"

	"openbudget/internal/handler"
	"openbudget/pkg/otel"
	"openbudget/pkg/rbac"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Check reports whether one dependency is ready to serve.
type Check func(ctx context.Context) error

// Options wires the handlers into a router. Admin and Projection are
// optional and their routes are only mounted when set.
type Options struct {
	Ledger     *handler.LedgerHandler
	Query      *handler.QueryHandler
	Admin      *handler.AdminHandler
	Projection *handler.ProjectionHandler

	JWTSecret string
	JWTIssuer string

	// Checks are run by /readyz, keyed by dependency name.
	Checks map[string]Check
	Logger *zap.Logger
}

func NewRouter(opts Options) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(TraceMiddleware())
	r.Use(otel.GinMiddleware())
	r.Use(MetricsMiddleware())
	r.Use(RequestLogMiddleware(opts.Logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", readyHandler(opts.Checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	v1.Use(AuthMiddleware(opts.JWTSecret, opts.JWTIssuer))
	{
		read := v1.Group("")
		read.Use(RequirePermission(rbac.PermissionReadLedger))
		read.GET("/platform", opts.Query.GetPlatform)
		read.GET("/projects/:id", opts.Query.GetProject)
		read.GET("/projects/:id/milestones", opts.Query.ListMilestones)
		read.GET("/projects/:id/milestones/:index", opts.Query.GetMilestone)
		read.GET("/address", opts.Query.DeriveAddress)
		if opts.Projection != nil {
			read.GET("/projects/:id/summary", opts.Projection.GetSummary)
			read.GET("/stats", opts.Projection.GetStats)
			read.GET("/projects", opts.Projection.ListProjects)
			read.GET("/ministries", opts.Projection.ListMinistries)
			read.GET("/activity", opts.Projection.GetActivity)
		}

		write := v1.Group("")
		write.Use(RequirePermission(rbac.PermissionSubmitTransition))
		write.POST("/platform", opts.Ledger.InitializePlatform)
		write.POST("/projects", opts.Ledger.CreateProject)
		write.POST("/projects/:id/milestones", opts.Ledger.AddMilestone)
		write.POST("/projects/:id/milestones/:index/release", opts.Ledger.ReleaseFunds)
	}

	if opts.Admin != nil {
		admin := r.Group("/admin")
		admin.Use(AuthMiddleware(opts.JWTSecret, opts.JWTIssuer))
		admin.Use(RequirePermission(rbac.PermissionReplayOutbox))
		{
			admin.POST("/outbox/replay", opts.Admin.ReplayOutboxEvent)
			admin.POST("/outbox/requeue", opts.Admin.RequeueOutboxEvent)
			admin.POST("/outbox/replay-failed", opts.Admin.ReplayFailedEvents)
		}
	}

	return r
}

func readyHandler(checks map[string]Check) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		failed := gin.H{}
		for name, check := range checks {
			if err := check(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "failed": failed})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
