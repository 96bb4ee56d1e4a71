package middleware

import (
	"strconv"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/domain"
	"github.com/apk-analysis/apk-static-go/internal/staticanalysis"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// PrometheusMetrics Prometheus 指标收集器
type PrometheusMetrics struct {
	logger   *logrus.Logger
	registry *prometheus.Registry

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	rateLimitedTotal    prometheus.Counter

	// 任务指标
	tasksTotal      *prometheus.CounterVec
	tasksInProgress prometheus.Gauge
	taskDuration    *prometheus.HistogramVec
	taskFailures    *prometheus.CounterVec

	// 分析结果指标
	permissionsFound *prometheus.CounterVec
	urisCollected    prometheus.Counter
	ipv4Collected    prometheus.Counter
	trackersDetected *prometheus.CounterVec
	classesTraversed prometheus.Counter
	classesSkipped   prometheus.Counter

	// 系统指标
	memoryUsage     prometheus.Gauge
	goroutinesCount prometheus.Gauge
	gcCount         prometheus.Gauge

	// Worker Pool 指标
	workerPoolSize      prometheus.Gauge
	workerPoolActive    prometheus.Gauge
	workerPoolQueueSize prometheus.Gauge

	// 数据库指标
	dbConnectionsOpen  prometheus.Gauge
	dbConnectionsIdle  prometheus.Gauge
	dbConnectionsInUse prometheus.Gauge

	// 重试指标
	retryAttemptsTotal *prometheus.CounterVec
}

// NewPrometheusMetrics 创建 Prometheus 指标收集器
//
// 每个实例使用独立的 Registry，可以在同一进程内多次创建
func NewPrometheusMetrics(logger *logrus.Logger, namespace string) *PrometheusMetrics {
	if namespace == "" {
		namespace = "apk_static"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	pm := &PrometheusMetrics{
		logger:   logger,
		registry: reg,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"method", "path"},
		),
		rateLimitedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_rate_limited_total",
				Help:      "Total number of requests rejected by the rate limiter",
			},
		),

		tasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_total",
				Help:      "Total number of analysis tasks",
			},
			[]string{"status"}, // queued, running, completed, failed
		),
		tasksInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tasks_in_progress",
				Help:      "Number of tasks currently in progress",
			},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Task execution duration in seconds",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		taskFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "task_failures_total",
				Help:      "Total number of failed tasks by failure type",
			},
			[]string{"failure_type"},
		),

		permissionsFound: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "permissions_found_total",
				Help:      "Total number of permissions reported",
			},
			[]string{"source"}, // manifest, api_call, content_provider
		),
		urisCollected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uris_collected_total",
				Help:      "Total number of URIs extracted",
			},
		),
		ipv4Collected: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ipv4_collected_total",
				Help:      "Total number of IPv4 addresses extracted",
			},
		),
		trackersDetected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "trackers_detected_total",
				Help:      "Total number of tracker detections",
			},
			[]string{"tracker"},
		),
		classesTraversed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classes_traversed_total",
				Help:      "Total number of classes visited",
			},
		),
		classesSkipped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "classes_skipped_total",
				Help:      "Total number of classes excluded by the filter",
			},
		),

		memoryUsage: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_usage_bytes",
				Help:      "Current memory usage in bytes",
			},
		),
		goroutinesCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_count",
				Help:      "Current number of goroutines",
			},
		),
		gcCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gc_count",
				Help:      "Number of completed GC cycles",
			},
		),

		workerPoolSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_size",
				Help:      "Total number of workers in the pool",
			},
		),
		workerPoolActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_active",
				Help:      "Number of active workers",
			},
		),
		workerPoolQueueSize: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "worker_pool_queue_size",
				Help:      "Number of tasks waiting in queue",
			},
		),

		dbConnectionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_open",
				Help:      "Number of open database connections",
			},
		),
		dbConnectionsIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_idle",
				Help:      "Number of idle database connections",
			},
		),
		dbConnectionsInUse: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "db_connections_in_use",
				Help:      "Number of database connections in use",
			},
		),

		retryAttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Total number of failed attempts that may be retried",
			},
			[]string{"operation"}, // report_upsert, save_trackers
		),
	}

	logger.Info("Prometheus metrics initialized")
	return pm
}

// Registry 指标注册表
func (pm *PrometheusMetrics) Registry() *prometheus.Registry {
	return pm.registry
}

// HTTPMiddleware HTTP 请求监控中间件
func (pm *PrometheusMetrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		pm.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		pm.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 Prometheus HTTP Handler
func (pm *PrometheusMetrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{Registry: pm.registry})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordTaskCreated 记录任务创建
func (pm *PrometheusMetrics) RecordTaskCreated() {
	pm.tasksTotal.WithLabelValues("queued").Inc()
}

// RecordTaskStarted 记录任务开始
func (pm *PrometheusMetrics) RecordTaskStarted() {
	pm.tasksTotal.WithLabelValues("running").Inc()
	pm.tasksInProgress.Inc()
}

// RecordTaskCompleted 记录任务完成及分析结果规模
func (pm *PrometheusMetrics) RecordTaskCompleted(duration time.Duration, result *staticanalysis.AnalysisResult) {
	pm.tasksTotal.WithLabelValues("completed").Inc()
	pm.tasksInProgress.Dec()
	pm.taskDuration.WithLabelValues("completed").Observe(duration.Seconds())
	if result == nil {
		return
	}

	pm.permissionsFound.WithLabelValues("manifest").Add(float64(len(result.Manifest.UsePermissions)))
	pm.permissionsFound.WithLabelValues("api_call").Add(float64(len(result.DexAPIPermissions.APICallPermissions)))
	pm.permissionsFound.WithLabelValues("content_provider").Add(float64(len(result.DexAPIPermissions.ContentProviderPermissions)))
	pm.urisCollected.Add(float64(len(result.Strings.URIs)))
	pm.ipv4Collected.Add(float64(len(result.Strings.IPv4)))
	for _, t := range result.Trackers {
		pm.trackersDetected.WithLabelValues(t.Name).Inc()
	}
	pm.classesTraversed.Add(float64(result.Traversal.Classes))
	pm.classesSkipped.Add(float64(result.Traversal.Skipped))
}

// RecordTaskFailed 记录任务失败
func (pm *PrometheusMetrics) RecordTaskFailed(duration time.Duration, failureType domain.FailureType) {
	pm.tasksTotal.WithLabelValues("failed").Inc()
	pm.tasksInProgress.Dec()
	pm.taskDuration.WithLabelValues("failed").Observe(duration.Seconds())
	pm.taskFailures.WithLabelValues(string(failureType)).Inc()
}

// RecordRetryAttempt 记录重试尝试
func (pm *PrometheusMetrics) RecordRetryAttempt(operation string) {
	pm.retryAttemptsTotal.WithLabelValues(operation).Inc()
}

// RecordRateLimited 记录被限流的请求
func (pm *PrometheusMetrics) RecordRateLimited() {
	pm.rateLimitedTotal.Inc()
}

// UpdateMemoryStats 更新内存统计
func (pm *PrometheusMetrics) UpdateMemoryStats(stats MemoryStats) {
	pm.memoryUsage.Set(float64(stats.Alloc))
	pm.goroutinesCount.Set(float64(stats.Goroutines))
	pm.gcCount.Set(float64(stats.NumGC))
}

// UpdateWorkerPoolStats 更新 Worker Pool 统计
func (pm *PrometheusMetrics) UpdateWorkerPoolStats(size, active, queueSize int) {
	pm.workerPoolSize.Set(float64(size))
	pm.workerPoolActive.Set(float64(active))
	pm.workerPoolQueueSize.Set(float64(queueSize))
}

// UpdateDBStats 更新数据库连接统计
func (pm *PrometheusMetrics) UpdateDBStats(open, idle, inUse int) {
	pm.dbConnectionsOpen.Set(float64(open))
	pm.dbConnectionsIdle.Set(float64(idle))
	pm.dbConnectionsInUse.Set(float64(inUse))
}
