package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"openbudget/internal/handler"
	"openbudget/pkg/auth"
	"openbudget/pkg/logger"
	"openbudget/pkg/metrics"
	"openbudget/pkg/rbac"
	"openbudget/pkg/trace"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": handler.ErrorBody{Name: "Unauthenticated", Message: message}})
}

// AuthMiddleware verifies the bearer token and stores the signer and role
// in the gin context.
func AuthMiddleware(jwtSecret, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractToken(c.Request)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}

		claims, err := auth.ParseToken(token, jwtSecret, issuer)
		if err != nil {
			unauthorized(c, "invalid token")
			return
		}
		signer, err := claims.Signer()
		if err != nil {
			unauthorized(c, "invalid subject")
			return
		}

		c.Set(handler.ContextSigner, signer)
		c.Set(handler.ContextRole, rbac.NormalizeRole(claims.Role))
		c.Next()
	}
}

// RequirePermission 中间件：要求用户具有指定权限
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString(handler.ContextRole)
		if role == "" {
			unauthorized(c, "user not authenticated")
			return
		}

		if err := rbac.CheckPermission(role, permission); err != nil {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": handler.ErrorBody{Name: "PermissionDenied", Message: err.Error()}})
			return
		}

		c.Next()
	}
}

// TraceMiddleware reuses X-Trace-ID or X-Request-ID, or generates a trace
// id, and echoes it back.
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := trace.FromHeader(c.GetHeader(trace.HeaderName()), c.GetHeader("X-Request-ID"))
		if traceID == "" {
			traceID = trace.GenerateTraceID()
		}
		c.Request = c.Request.WithContext(trace.WithContext(c.Request.Context(), traceID))
		c.Header(trace.HeaderName(), traceID)
		c.Next()
	}
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		metrics.RecordHTTPRequestDuration(c.Request.Method, path, strconv.Itoa(c.Writer.Status()), time.Since(start))
	}
}

// 请求日志中间件
func RequestLogMiddleware(log *zap.Logger) gin.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.WithTrace(c.Request.Context(), log).Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
			zap.String("user_agent", c.Request.UserAgent()),
		)
	}
}
