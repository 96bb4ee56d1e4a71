package middleware

import (
	"context"
	"database/sql"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// highMemoryMB 超过该值时输出告警
const highMemoryMB = 1536

// MemoryStats 内存统计
type MemoryStats struct {
	Alloc      uint64 `json:"alloc"`       // 当前分配的内存 (字节)
	TotalAlloc uint64 `json:"total_alloc"` // 累计分配的内存
	Sys        uint64 `json:"sys"`         // 从系统获取的内存
	NumGC      uint32 `json:"num_gc"`      // GC 次数
	Goroutines int    `json:"goroutines"`  // Goroutine 数量
	AllocMB    uint64 `json:"alloc_mb"`    // 当前分配 (MB)
	SysMB      uint64 `json:"sys_mb"`      // 系统内存 (MB)
}

// DBStatsSource 数据库连接池统计来源，*sql.DB 满足该接口
type DBStatsSource interface {
	Stats() sql.DBStats
}

// MemoryMonitor 定期采集运行时与连接池状态并写入 Prometheus
type MemoryMonitor struct {
	logger   *logrus.Logger
	metrics  *PrometheusMetrics
	db       DBStatsSource
	interval time.Duration

	mutex sync.RWMutex
	stats MemoryStats
}

// NewMemoryMonitor 创建内存监控器，metrics 和 db 可为 nil
func NewMemoryMonitor(logger *logrus.Logger, metrics *PrometheusMetrics, db DBStatsSource, interval time.Duration) *MemoryMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &MemoryMonitor{
		logger:   logger,
		metrics:  metrics,
		db:       db,
		interval: interval,
	}
}

// Run 采集循环，ctx 取消后返回
func (m *MemoryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample()
		}
	}
}

// Sample 采集一次
func (m *MemoryMonitor) Sample() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		Alloc:      ms.Alloc,
		TotalAlloc: ms.TotalAlloc,
		Sys:        ms.Sys,
		NumGC:      ms.NumGC,
		Goroutines: runtime.NumGoroutine(),
		AllocMB:    ms.Alloc / 1024 / 1024,
		SysMB:      ms.Sys / 1024 / 1024,
	}

	m.mutex.Lock()
	m.stats = stats
	m.mutex.Unlock()

	if m.metrics != nil {
		m.metrics.UpdateMemoryStats(stats)
		if m.db != nil {
			dbStats := m.db.Stats()
			m.metrics.UpdateDBStats(dbStats.OpenConnections, dbStats.Idle, dbStats.InUse)
		}
	}

	m.logger.WithFields(logrus.Fields{
		"alloc_mb":   stats.AllocMB,
		"sys_mb":     stats.SysMB,
		"num_gc":     stats.NumGC,
		"goroutines": stats.Goroutines,
	}).Debug("Memory stats")

	if stats.AllocMB > highMemoryMB {
		m.logger.WithFields(logrus.Fields{
			"alloc_mb": stats.AllocMB,
			"sys_mb":   stats.SysMB,
		}).Warn("High memory usage detected")
	}
	return stats
}

// GetStats 获取最近一次统计
func (m *MemoryMonitor) GetStats() MemoryStats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return m.stats
}

// MetricsEndpoint 返回最近一次统计
func (m *MemoryMonitor) MetricsEndpoint() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"memory": m.GetStats(),
		})
	}
}
