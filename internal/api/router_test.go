package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/apk-analysis/apk-static-go/internal/api/handlers"
	"github.com/apk-analysis/apk-static-go/internal/config"
	"github.com/apk-analysis/apk-static-go/internal/middleware"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	cfg := &config.Config{}
	cfg.Server.Mode = "debug"
	cfg.Server.APIToken = token

	return SetupRouter(RouterDeps{
		Config:      cfg,
		Logger:      logger,
		TaskHandler: handlers.NewTaskHandler(handlers.TaskHandlerOptions{Logger: logger}),
		ProgressHub: handlers.NewProgressHub(logger),
		Metrics:     middleware.NewPrometheusMetrics(logger, "router_test"),
		RateLimiter: middleware.NewRateLimiter(0, 0, nil),
	})
}

// TestSetupRouter_Public 测试无需认证的端点
func TestSetupRouter_Public(t *testing.T) {
	router := testRouter("secret-token")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), Version)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "router_test_http_requests_total")

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/api/tasks", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

// TestSetupRouter_RequiresToken 测试任务接口需要令牌
func TestSetupRouter_RequiresToken(t *testing.T) {
	router := testRouter("secret-token")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/tasks/abc", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// 非 multipart 请求在令牌通过后被处理器拒绝
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
