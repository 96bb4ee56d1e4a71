package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/apk-analysis/apk-static-go/internal/domain"
	"github.com/apk-analysis/apk-static-go/internal/service"
	"github.com/apk-analysis/apk-static-go/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// DefaultMaxUploadSize 上传 APK 的默认大小上限
const DefaultMaxUploadSize = int64(500 * 1024 * 1024)

// TaskCounter 任务创建计数
type TaskCounter interface {
	RecordTaskCreated()
}

// TaskHandler 任务处理器
type TaskHandler struct {
	taskService   service.TaskService
	dispatcher    worker.Dispatcher
	counter       TaskCounter
	inboundPath   string
	maxUploadSize int64
	logger        *logrus.Logger
}

// TaskHandlerOptions TaskHandler 依赖
type TaskHandlerOptions struct {
	TaskService   service.TaskService
	Dispatcher    worker.Dispatcher
	Counter       TaskCounter
	InboundPath   string
	MaxUploadSize int64
	Logger        *logrus.Logger
}

// NewTaskHandler 创建任务处理器实例
func NewTaskHandler(opts TaskHandlerOptions) *TaskHandler {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.InboundPath == "" {
		opts.InboundPath = "./inbound_apks"
	}
	return &TaskHandler{
		taskService:   opts.TaskService,
		dispatcher:    opts.Dispatcher,
		counter:       opts.Counter,
		inboundPath:   opts.InboundPath,
		maxUploadSize: opts.MaxUploadSize,
		logger:        opts.Logger,
	}
}

// UploadAPK 上传 APK 并创建分析任务
// POST /api/tasks (multipart, 字段 file)
func (h *TaskHandler) UploadAPK(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "获取上传文件失败"})
		return
	}

	filename := filepath.Base(file.Filename)
	if !strings.HasSuffix(strings.ToLower(filename), ".apk") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "只支持 APK 文件格式"})
		return
	}
	if file.Size > h.maxUploadSize {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("文件大小超过限制 (最大 %dMB)", h.maxUploadSize/(1024*1024)),
		})
		return
	}

	if err := os.MkdirAll(h.inboundPath, 0755); err != nil {
		h.logger.WithError(err).Error("Failed to create inbound directory")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建上传目录失败"})
		return
	}

	destPath := filepath.Join(h.inboundPath, filename)
	if _, err := os.Stat(destPath); err == nil {
		c.JSON(http.StatusConflict, gin.H{"error": "文件已存在", "filename": filename})
		return
	}

	written, err := h.saveUpload(file, destPath)
	if err != nil {
		h.logger.WithError(err).WithField("filename", filename).Error("Failed to save uploaded file")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "文件上传失败"})
		return
	}

	task, err := h.taskService.CreateTask(c.Request.Context(), filename, destPath)
	if err != nil {
		os.Remove(destPath)
		h.respondError(c, err, "创建任务失败")
		return
	}
	if h.counter != nil {
		h.counter.RecordTaskCreated()
	}

	h.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"filename": filename,
		"size":     written,
	}).Info("APK uploaded, task created")

	if err := h.dispatch(c, task); err != nil {
		// 任务已入库，重启时会重新派发
		c.JSON(http.StatusAccepted, gin.H{
			"task":    task,
			"warning": "任务已创建，但暂时无法加入执行队列",
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

func (h *TaskHandler) saveUpload(file *multipart.FileHeader, destPath string) (int64, error) {
	src, err := file.Open()
	if err != nil {
		return 0, fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", destPath, err)
	}
	written, err := io.Copy(dst, src)
	if closeErr := dst.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(destPath)
		return 0, fmt.Errorf("copy upload: %w", err)
	}
	return written, nil
}

func (h *TaskHandler) dispatch(c *gin.Context, task *domain.Task) error {
	if h.dispatcher == nil {
		return nil
	}
	if err := h.dispatcher.Dispatch(c.Request.Context(), task.ID, task.APKPath); err != nil {
		h.logger.WithError(err).WithField("task_id", task.ID).Warn("Failed to dispatch task")
		return err
	}
	return nil
}

// ListTasks 获取任务列表
// GET /api/tasks?page=1&page_size=20&status=completed&search=关键词
// 搜索匹配 APK 名称、应用名称、包名
func (h *TaskHandler) ListTasks(c *gin.Context) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page <= 0 {
		page = 1
	}
	pageSize, err := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if err != nil || pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	tasks, total, err := h.taskService.ListTasks(c.Request.Context(), page, pageSize, c.Query("status"), c.Query("search"))
	if err != nil {
		h.logger.WithError(err).Error("Failed to list tasks")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务列表失败"})
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}

	c.JSON(http.StatusOK, gin.H{
		"tasks":       tasks,
		"total":       total,
		"page":        page,
		"page_size":   pageSize,
		"total_pages": (total + int64(pageSize) - 1) / int64(pageSize),
	})
}

// GetTask 获取任务详情
// GET /api/tasks/:id
func (h *TaskHandler) GetTask(c *gin.Context) {
	task, err := h.taskService.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "获取任务失败")
		return
	}
	c.JSON(http.StatusOK, task)
}

// GetReport 获取静态分析报告
// GET /api/tasks/:id/report
func (h *TaskHandler) GetReport(c *gin.Context) {
	report, err := h.taskService.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "获取报告失败")
		return
	}

	var body json.RawMessage
	if report.ReportJSON != "" {
		body = json.RawMessage(report.ReportJSON)
	}
	report.ReportJSON = ""
	c.JSON(http.StatusOK, gin.H{
		"summary": report,
		"report":  body,
	})
}

// CancelTask 取消排队中的任务
// POST /api/tasks/:id/cancel
func (h *TaskHandler) CancelTask(c *gin.Context) {
	if err := h.taskService.CancelTask(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "取消任务失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "任务已取消"})
}

// RetryTask 重新执行失败或已取消的任务
// POST /api/tasks/:id/retry
func (h *TaskHandler) RetryTask(c *gin.Context) {
	task, err := h.taskService.RetryTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err, "重试任务失败")
		return
	}
	if err := h.dispatch(c, task); err != nil {
		c.JSON(http.StatusAccepted, gin.H{
			"task":    task,
			"warning": "任务已重置，但暂时无法加入执行队列",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"task": task})
}

// DeleteTask 删除任务及其报告
// DELETE /api/tasks/:id
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	if err := h.taskService.DeleteTask(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err, "删除任务失败")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "任务已删除"})
}

// GetSystemStats 获取系统统计
// GET /api/stats?top=10
func (h *TaskHandler) GetSystemStats(c *gin.Context) {
	top, err := strconv.Atoi(c.DefaultQuery("top", "10"))
	if err != nil || top <= 0 {
		top = 10
	}
	stats, err := h.taskService.GetStatistics(c.Request.Context(), top)
	if err != nil {
		h.logger.WithError(err).Error("Failed to get statistics")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取统计信息失败"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// respondError 按错误类型映射状态码
func (h *TaskHandler) respondError(c *gin.Context, err error, message string) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "任务不存在"})
	case errors.Is(err, service.ErrDuplicateTask):
		c.JSON(http.StatusConflict, gin.H{"error": "该 APK 最近已提交过任务"})
	case errors.Is(err, service.ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "当前任务状态不允许该操作", "detail": err.Error()})
	default:
		h.logger.WithError(err).Error(message)
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
	}
}
