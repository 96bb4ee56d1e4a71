package api

import (
	"net/http"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/api/handlers"
	"github.com/apk-analysis/apk-static-go/internal/config"
	"github.com/apk-analysis/apk-static-go/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Version 服务版本
const Version = "1.0.0"

// RouterDeps 路由依赖
type RouterDeps struct {
	Config      *config.Config
	Logger      *logrus.Logger
	TaskHandler *handlers.TaskHandler
	ProgressHub *handlers.ProgressHub
	Metrics     *middleware.PrometheusMetrics
	MemMonitor  *middleware.MemoryMonitor
	RateLimiter *middleware.RateLimiter
}

// SetupRouter 注册中间件与路由
func SetupRouter(deps RouterDeps) *gin.Engine {
	cfg := deps.Config
	logger := deps.Logger

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(TracingMiddleware())
	r.Use(LoggerMiddleware(logger))
	r.Use(CORSMiddleware())
	if deps.Metrics != nil {
		r.Use(deps.Metrics.HTTPMiddleware())
	}

	if deps.Metrics != nil {
		r.GET("/metrics", deps.Metrics.Handler())
	}
	if deps.MemMonitor != nil {
		r.GET("/debug/memory", deps.MemMonitor.MetricsEndpoint())
	}
	if deps.ProgressHub != nil {
		r.GET("/ws/tasks", deps.ProgressHub.HandleWebSocket)
	}

	v1 := r.Group("/api")
	{
		// 健康检查（无需认证）
		v1.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"status":  "ok",
				"version": Version,
			})
		})

		authed := v1.Group("")
		authed.Use(middleware.TokenAuth(cfg.Server.APIToken))
		if deps.RateLimiter != nil {
			authed.Use(deps.RateLimiter.Middleware())
		}

		h := deps.TaskHandler
		authed.GET("/stats", h.GetSystemStats)
		authed.POST("/tasks", h.UploadAPK)
		authed.GET("/tasks", h.ListTasks)
		authed.GET("/tasks/:id", h.GetTask)
		authed.DELETE("/tasks/:id", h.DeleteTask)
		authed.GET("/tasks/:id/report", h.GetReport)
		authed.POST("/tasks/:id/cancel", h.CancelTask)
		authed.POST("/tasks/:id/retry", h.RetryTask)
	}

	return r
}

// TracingMiddleware 为每个请求创建 span，未配置导出器时为空操作
func TracingMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("github.com/apk-analysis/apk-static-go/internal/api")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.Request.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.method", c.Request.Method),
				attribute.String("http.target", c.Request.URL.Path),
			),
		)
		defer span.End()

		c.Request = c.Request.WithContext(ctx)
		c.Next()

		if route := c.FullPath(); route != "" {
			span.SetName(c.Request.Method + " " + route)
			span.SetAttributes(attribute.String("http.route", route))
		}
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
	}
}

// LoggerMiddleware 日志中间件
func LoggerMiddleware(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()

		c.Next()

		fields := logrus.Fields{
			"status":  c.Writer.Status(),
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"latency": time.Since(startTime).Milliseconds(),
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}
		logger.WithFields(fields).Info("HTTP Request")
	}
}

// CORSMiddleware CORS 中间件
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
