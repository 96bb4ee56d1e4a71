package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/analyzer"
	"github.com/apk-analysis/apk-static-go/internal/apkres"
	"github.com/apk-analysis/apk-static-go/internal/domain"
	"github.com/apk-analysis/apk-static-go/internal/staticanalysis"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestMetrics 创建测试用的 Prometheus 指标收集器
func setupTestMetrics(t testing.TB) *PrometheusMetrics {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewPrometheusMetrics(logger, "test")
}

// TestPrometheusMetrics_IndependentRegistries 测试多次创建不冲突
func TestPrometheusMetrics_IndependentRegistries(t *testing.T) {
	a := setupTestMetrics(t)
	b := setupTestMetrics(t)

	a.RecordTaskCreated()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.tasksTotal.WithLabelValues("queued")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.tasksTotal.WithLabelValues("queued")))
}

// TestHTTPMiddleware 测试 HTTP 中间件
func TestHTTPMiddleware(t *testing.T) {
	pm := setupTestMetrics(t)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(pm.HTTPMiddleware())
	router.GET("/api/tasks/:id", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	for _, path := range []string{"/api/tasks/a", "/api/tasks/b", "/missing"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "/api/tasks/:id", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.httpRequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}

// TestRecordTaskMetrics 测试任务指标记录
func TestRecordTaskMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	result := &staticanalysis.AnalysisResult{
		Manifest: apkres.Manifest{UsePermissions: []string{"android.permission.INTERNET", "android.permission.CAMERA"}},
		Strings: analyzer.APKStrings{
			URIs: []analyzer.URI{{Scheme: "https", Authority: "example.com"}},
			IPv4: []string{"10.0.0.1", "10.0.0.2"},
		},
		DexAPIPermissions: staticanalysis.DexAPIPermissions{
			APICallPermissions: []string{"android.permission.CAMERA"},
		},
		Trackers:  []analyzer.TrackerInfo{{ID: "49", Name: "Google Firebase Analytics"}},
		Traversal: staticanalysis.TraversalInfo{Classes: 120, Skipped: 30},
	}

	pm.RecordTaskCreated()
	pm.RecordTaskStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.tasksInProgress))
	pm.RecordTaskCompleted(2*time.Second, result)

	assert.Equal(t, 0.0, testutil.ToFloat64(pm.tasksInProgress))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.tasksTotal.WithLabelValues("completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.permissionsFound.WithLabelValues("manifest")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.permissionsFound.WithLabelValues("api_call")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.permissionsFound.WithLabelValues("content_provider")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.urisCollected))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.ipv4Collected))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.trackersDetected.WithLabelValues("Google Firebase Analytics")))
	assert.Equal(t, 120.0, testutil.ToFloat64(pm.classesTraversed))
	assert.Equal(t, 30.0, testutil.ToFloat64(pm.classesSkipped))
}

// TestRecordTaskFailed 测试失败类型计数
func TestRecordTaskFailed(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.RecordTaskStarted()
	pm.RecordTaskFailed(time.Second, domain.FailureTypeInvalidAPK)
	pm.RecordTaskStarted()
	pm.RecordTaskFailed(time.Second, domain.FailureTypeInvalidAPK)

	assert.Equal(t, 2.0, testutil.ToFloat64(pm.tasksTotal.WithLabelValues("failed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.taskFailures.WithLabelValues("invalid_apk")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.tasksInProgress))
}

// TestUpdateGauges 测试运行时、Worker 池与连接池指标
func TestUpdateGauges(t *testing.T) {
	pm := setupTestMetrics(t)

	pm.UpdateMemoryStats(MemoryStats{Alloc: 1024, Goroutines: 7, NumGC: 3})
	pm.UpdateWorkerPoolStats(4, 2, 9)
	pm.UpdateDBStats(5, 3, 2)
	pm.RecordRetryAttempt("report_upsert")
	pm.RecordRateLimited()

	assert.Equal(t, 1024.0, testutil.ToFloat64(pm.memoryUsage))
	assert.Equal(t, 7.0, testutil.ToFloat64(pm.goroutinesCount))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.gcCount))
	assert.Equal(t, 4.0, testutil.ToFloat64(pm.workerPoolSize))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.workerPoolActive))
	assert.Equal(t, 9.0, testutil.ToFloat64(pm.workerPoolQueueSize))
	assert.Equal(t, 5.0, testutil.ToFloat64(pm.dbConnectionsOpen))
	assert.Equal(t, 3.0, testutil.ToFloat64(pm.dbConnectionsIdle))
	assert.Equal(t, 2.0, testutil.ToFloat64(pm.dbConnectionsInUse))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.retryAttemptsTotal.WithLabelValues("report_upsert")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.rateLimitedTotal))
}

// TestConcurrentMetrics 测试并发记录
func TestConcurrentMetrics(t *testing.T) {
	pm := setupTestMetrics(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pm.RecordTaskStarted()
			pm.RecordTaskCompleted(time.Millisecond, nil)
			pm.UpdateWorkerPoolStats(4, 1, 0)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50.0, testutil.ToFloat64(pm.tasksTotal.WithLabelValues("completed")))
	assert.Equal(t, 0.0, testutil.ToFloat64(pm.tasksInProgress))
}

// TestPrometheusHandler 测试 /metrics 输出
func TestPrometheusHandler(t *testing.T) {
	pm := setupTestMetrics(t)
	pm.RecordTaskCreated()

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", pm.Handler())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `test_tasks_total{status="queued"} 1`)
	assert.Contains(t, body, "go_goroutines")
	assert.False(t, strings.Contains(body, "test_http_requests_total{"), "no HTTP samples recorded yet")
}

// TestMemoryMonitor_Sample 测试采集写入指标
func TestMemoryMonitor_Sample(t *testing.T) {
	pm := setupTestMetrics(t)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	monitor := NewMemoryMonitor(logger, pm, nil, 0)
	stats := monitor.Sample()

	assert.Positive(t, stats.Goroutines)
	assert.Equal(t, stats, monitor.GetStats())
	assert.Equal(t, float64(stats.Alloc), testutil.ToFloat64(pm.memoryUsage))
}

func BenchmarkRecordTaskMetrics(b *testing.B) {
	pm := setupTestMetrics(b)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pm.RecordTaskStarted()
		pm.RecordTaskCompleted(time.Second, nil)
	}
}
