package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/domain"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	Update(ctx context.Context, task *domain.Task) error
	FindByID(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, limit int) ([]*domain.Task, error)
	// 获取任务列表（支持状态过滤和搜索）
	ListWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.Task, int64, error)
	Delete(ctx context.Context, id string) error
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
	UpdateProgress(ctx context.Context, id string, step string, percent int) error
	// 标记任务开始执行
	MarkRunning(ctx context.Context, id string) error
	// 原子更新包名与应用名
	UpdateAppInfo(ctx context.Context, id string, packageName string, appName string) error
	// 检查是否存在最近创建的同名 APK 任务（防止重复创建）
	HasRecentTaskForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error)
	// 更新任务失败信息（包含失败类型）
	UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error
	// 重试相关方法
	IncrementRetryCount(ctx context.Context, id string) (int, error)
	ResetForRetry(ctx context.Context, id string) error
	GetRetryCount(ctx context.Context, id string) (int, error)
	// 获取各状态任务数量统计（使用数据库聚合查询）
	GetStatusCounts(ctx context.Context) (map[string]int64, int64, error)
	// 获取所有排队中的任务（不分页）
	ListQueuedTasks(ctx context.Context) ([]*domain.Task, error)
	// 服务重启时把执行中断的任务放回队列
	RequeueInterrupted(ctx context.Context) (int64, error)
}

type taskRepo struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTaskRepository(db *gorm.DB, logger *logrus.Logger) TaskRepository {
	return &taskRepo{
		db:     db,
		logger: logger,
	}
}

// reportSummaryColumns 列表查询只加载报告的统计字段
var reportSummaryColumns = []string{
	"id", "task_id", "status", "package_name", "version_code", "api_level",
	"api_call_permission_count", "provider_permission_count", "url_count", "ipv4_count", "tracker_count",
}

func (r *taskRepo) Create(ctx context.Context, task *domain.Task) error {
	task.CreatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Create(task).Error
}

func (r *taskRepo) Update(ctx context.Context, task *domain.Task) error {
	// 只更新主表 apk_tasks 的字段，不级联更新报告
	err := r.db.WithContext(ctx).
		Model(task).
		Select("apk_name", "apk_path", "package_name", "app_name", "status", "failure_type", "error_message",
			"started_at", "completed_at", "current_step", "progress_percent").
		Updates(task).Error

	if err != nil {
		r.logger.WithError(err).WithField("task_id", task.ID).Error("Task update failed")
	}

	return err
}

func (r *taskRepo) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).
		Preload("StaticReport", func(db *gorm.DB) *gorm.DB {
			return db.Omit("report_json")
		}).
		First(&task, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) List(ctx context.Context, limit int) ([]*domain.Task, error) {
	var tasks []*domain.Task
	err := r.db.WithContext(ctx).
		Preload("StaticReport", func(db *gorm.DB) *gorm.DB {
			return db.Select(reportSummaryColumns)
		}).
		Order("created_at DESC").
		Limit(limit).
		Find(&tasks).Error

	return tasks, err
}

// ListWithSearch 获取任务列表（支持状态过滤和搜索）
// search: 搜索APK名称、应用名称、包名（模糊匹配）
func (r *taskRepo) ListWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.Task, int64, error) {
	var tasks []*domain.Task
	var total int64

	filter := func(db *gorm.DB) *gorm.DB {
		if statusFilter != "" {
			db = db.Where("status = ?", statusFilter)
		}
		if search != "" {
			searchPattern := "%" + search + "%"
			db = db.Where("apk_name LIKE ? OR app_name LIKE ? OR package_name LIKE ?", searchPattern, searchPattern, searchPattern)
		}
		return db
	}

	// 统计符合条件的总数
	if err := r.db.WithContext(ctx).Model(&domain.Task{}).Scopes(filter).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	offset := (page - 1) * pageSize

	err := r.db.WithContext(ctx).
		Scopes(filter).
		Preload("StaticReport", func(db *gorm.DB) *gorm.DB {
			return db.Select(reportSummaryColumns)
		}).
		// 按状态优先级排序，然后按创建时间倒序
		Order("CASE status WHEN 'running' THEN 1 WHEN 'queued' THEN 2 ELSE 3 END, created_at DESC").
		Offset(offset).
		Limit(pageSize).
		Find(&tasks).Error

	return tasks, total, err
}

func (r *taskRepo) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 删除关联数据（按照外键依赖顺序）
		result := tx.Where("task_id = ?", id).Delete(&domain.TaskTracker{})
		if result.Error != nil {
			return result.Error
		}
		result = tx.Where("task_id = ?", id).Delete(&domain.TaskStaticReport{})
		if result.Error != nil {
			return result.Error
		}
		result = tx.Where("id = ?", id).Delete(&domain.Task{})
		if result.Error != nil {
			return result.Error
		}
		r.logger.WithFields(logrus.Fields{"task_id": id, "deleted": result.RowsAffected}).Info("Deleted task")
		return nil
	})
}

func (r *taskRepo) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	updates := map[string]interface{}{
		"status": status,
	}

	if status.IsTerminal() {
		now := time.Now().UTC()
		updates["completed_at"] = &now
	}

	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *taskRepo) UpdateProgress(ctx context.Context, id string, step string, percent int) error {
	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"current_step":     step,
			"progress_percent": percent,
		}).Error
}

// MarkRunning 标记任务开始执行
func (r *taskRepo) MarkRunning(ctx context.Context, id string) error {
	now := time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.TaskStatusRunning,
			"started_at":       &now,
			"current_step":     "Analyzing",
			"progress_percent": 0,
		}).Error
}

// UpdateAppInfo 原子更新包名与应用名
func (r *taskRepo) UpdateAppInfo(ctx context.Context, id string, packageName string, appName string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"package_name": packageName,
			"app_name":     appName,
		})
	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to update app info")
		return result.Error
	}
	return nil
}

// HasRecentTaskForAPK 检查是否存在最近创建的同名 APK 任务
// 用于防止文件监控器重复创建任务（大文件复制触发多次事件）
func (r *taskRepo) HasRecentTaskForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error) {
	var count int64
	cutoffTime := time.Now().UTC().Add(-time.Duration(withinSeconds) * time.Second)

	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("apk_name = ? AND created_at > ?", apkName, cutoffTime).
		Count(&count).Error
	if err != nil {
		r.logger.WithError(err).WithFields(logrus.Fields{
			"apk_name":       apkName,
			"within_seconds": withinSeconds,
		}).Error("Failed to check recent task for APK")
		return false, err
	}

	return count > 0, nil
}

// UpdateFailure 更新任务失败信息（包含失败类型和错误消息）
// 同时将任务状态设置为 failed
func (r *taskRepo) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.TaskStatusFailed,
			"failure_type":  failureType,
			"error_message": errorMessage,
			"completed_at":  &now,
		})

	if result.Error != nil {
		r.logger.WithError(result.Error).WithFields(logrus.Fields{
			"task_id":      id,
			"failure_type": failureType,
		}).Error("Failed to update task failure")
		return result.Error
	}

	r.logger.WithFields(logrus.Fields{
		"task_id":          id,
		"failure_type":     failureType,
		"failure_severity": failureType.GetSeverity(),
		"display_name":     failureType.GetDisplayName(),
	}).Warn("Task marked as failed")

	return nil
}

// IncrementRetryCount 增加重试次数并返回新的计数
func (r *taskRepo) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		UpdateColumn("retry_count", gorm.Expr("retry_count + 1"))
	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to increment retry count")
		return 0, result.Error
	}

	return r.GetRetryCount(ctx, id)
}

// ResetForRetry 重置任务状态以准备重试
// 将任务状态改回 queued，清除失败信息，保留重试计数
func (r *taskRepo) ResetForRetry(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.TaskStatusQueued,
			"failure_type":     "",
			"error_message":    "",
			"current_step":     "Waiting for retry",
			"progress_percent": 0,
			"started_at":       nil,
			"completed_at":     nil,
		})
	if result.Error != nil {
		r.logger.WithError(result.Error).WithField("task_id", id).Error("Failed to reset task for retry")
		return result.Error
	}

	r.logger.WithField("task_id", id).Info("Task reset for retry")
	return nil
}

// GetRetryCount 获取当前重试次数
func (r *taskRepo) GetRetryCount(ctx context.Context, id string) (int, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).
		Select("retry_count").
		First(&task, "id = ?", id).Error
	if err != nil {
		return 0, err
	}

	return task.RetryCount, nil
}

// GetStatusCounts 获取各状态任务数量统计（使用数据库聚合查询）
// 返回: statusCounts map, totalCount, error
func (r *taskRepo) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	type StatusCount struct {
		Status string
		Count  int64
	}

	var results []StatusCount
	err := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Select("status, COUNT(*) as count").
		Group("status").
		Scan(&results).Error
	if err != nil {
		r.logger.WithError(err).Error("Failed to get status counts")
		return nil, 0, err
	}

	// 初始化所有状态计数为 0
	statusCounts := map[string]int64{
		string(domain.TaskStatusQueued):    0,
		string(domain.TaskStatusRunning):   0,
		string(domain.TaskStatusCompleted): 0,
		string(domain.TaskStatusFailed):    0,
		string(domain.TaskStatusCancelled): 0,
	}

	var total int64
	for _, sc := range results {
		statusCounts[sc.Status] = sc.Count
		total += sc.Count
	}

	return statusCounts, total, nil
}

// ListQueuedTasks 获取所有排队中的任务（不分页）
func (r *taskRepo) ListQueuedTasks(ctx context.Context) ([]*domain.Task, error) {
	var tasks []*domain.Task

	err := r.db.WithContext(ctx).
		Where("status = ?", domain.TaskStatusQueued).
		Order("created_at ASC"). // 先进先出
		Find(&tasks).Error

	return tasks, err
}

// RequeueInterrupted 把 running 状态的任务改回 queued
//
// 只在启动时、Worker 开始消费之前调用
func (r *taskRepo) RequeueInterrupted(ctx context.Context) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("status = ?", domain.TaskStatusRunning).
		Updates(map[string]interface{}{
			"status":           domain.TaskStatusQueued,
			"current_step":     "Interrupted by restart",
			"progress_percent": 0,
			"started_at":       nil,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("requeue interrupted tasks: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		r.logger.WithField("count", result.RowsAffected).Warn("Interrupted tasks returned to queue")
	}
	return result.RowsAffected, nil
}
