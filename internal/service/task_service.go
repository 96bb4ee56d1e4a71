package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/domain"
	"github.com/apk-analysis/apk-static-go/internal/repository"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// duplicateWindowSeconds 同名 APK 的防重复时间窗口
const duplicateWindowSeconds = 60

var (
	// ErrDuplicateTask 最近已为同名 APK 创建过任务
	ErrDuplicateTask = errors.New("task already exists for this apk")
	// ErrInvalidState 任务当前状态不允许该操作
	ErrInvalidState = errors.New("task state does not allow this operation")
)

// Statistics 任务统计
type Statistics struct {
	StatusCounts map[string]int64          `json:"status_counts"`
	Total        int64                     `json:"total"`
	TopTrackers  []repository.TrackerCount `json:"top_trackers"`
}

// TaskService 任务服务接口
type TaskService interface {
	// 创建任务
	CreateTask(ctx context.Context, apkName string, apkPath string) (*domain.Task, error)

	// 获取任务
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 获取任务列表（分页、状态过滤、搜索）
	ListTasks(ctx context.Context, page int, pageSize int, status string, search string) ([]*domain.Task, int64, error)

	// 删除任务
	DeleteTask(ctx context.Context, taskID string) error

	// 取消排队中的任务
	CancelTask(ctx context.Context, taskID string) error

	// 重置失败任务以便重新提交
	RetryTask(ctx context.Context, taskID string) (*domain.Task, error)

	// 获取分析报告
	GetReport(ctx context.Context, taskID string) (*domain.TaskStaticReport, error)

	// 获取任务统计
	GetStatistics(ctx context.Context, topTrackers int) (*Statistics, error)
}

type taskService struct {
	taskRepo   repository.TaskRepository
	reportRepo repository.StaticReportRepository
	logger     *logrus.Logger
}

// NewTaskService 创建任务服务实例
func NewTaskService(taskRepo repository.TaskRepository, reportRepo repository.StaticReportRepository, logger *logrus.Logger) TaskService {
	return &taskService{
		taskRepo:   taskRepo,
		reportRepo: reportRepo,
		logger:     logger,
	}
}

func (s *taskService) CreateTask(ctx context.Context, apkName string, apkPath string) (*domain.Task, error) {
	// 文件监控器在大文件复制时可能触发多次事件
	hasRecent, err := s.taskRepo.HasRecentTaskForAPK(ctx, apkName, duplicateWindowSeconds)
	if err != nil {
		s.logger.WithError(err).WithField("apk_name", apkName).Warn("Failed to check recent task, continuing anyway")
	} else if hasRecent {
		s.logger.WithField("apk_name", apkName).Warn("Duplicate task creation blocked")
		return nil, ErrDuplicateTask
	}

	task := &domain.Task{
		ID:          uuid.New().String(),
		APKName:     apkName,
		APKPath:     apkPath,
		Status:      domain.TaskStatusQueued,
		CreatedAt:   time.Now().UTC(),
		CurrentStep: "Queued",
	}

	if err := s.taskRepo.Create(ctx, task); err != nil {
		s.logger.WithError(err).Error("Failed to create task")
		return nil, fmt.Errorf("create task: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"task_id":  task.ID,
		"apk_name": apkName,
	}).Info("Task created successfully")
	return task, nil
}

func (s *taskService) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

func (s *taskService) ListTasks(ctx context.Context, page int, pageSize int, status string, search string) ([]*domain.Task, int64, error) {
	tasks, total, err := s.taskRepo.ListWithSearch(ctx, page, pageSize, status, search)
	if err != nil {
		s.logger.WithError(err).Error("Failed to list tasks")
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, total, nil
}

func (s *taskService) DeleteTask(ctx context.Context, taskID string) error {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task.Status == domain.TaskStatusRunning {
		return fmt.Errorf("delete running task: %w", ErrInvalidState)
	}

	if err := s.taskRepo.Delete(ctx, taskID); err != nil {
		s.logger.WithError(err).WithField("task_id", taskID).Error("Failed to delete task")
		return fmt.Errorf("delete task: %w", err)
	}

	s.logger.WithField("task_id", taskID).Info("Task deleted successfully")
	return nil
}

func (s *taskService) CancelTask(ctx context.Context, taskID string) error {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}
	if task.Status != domain.TaskStatusQueued {
		return fmt.Errorf("cancel %s task: %w", task.Status, ErrInvalidState)
	}

	if err := s.taskRepo.UpdateStatus(ctx, taskID, domain.TaskStatusCancelled); err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	s.logger.WithField("task_id", taskID).Info("Task cancelled")
	return nil
}

func (s *taskService) RetryTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := s.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task.Status != domain.TaskStatusFailed && task.Status != domain.TaskStatusCancelled {
		return nil, fmt.Errorf("retry %s task: %w", task.Status, ErrInvalidState)
	}

	if err := s.taskRepo.ResetForRetry(ctx, taskID); err != nil {
		return nil, fmt.Errorf("reset task: %w", err)
	}
	return s.taskRepo.FindByID(ctx, taskID)
}

func (s *taskService) GetReport(ctx context.Context, taskID string) (*domain.TaskStaticReport, error) {
	report, err := s.reportRepo.FindByTaskID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return report, nil
}

func (s *taskService) GetStatistics(ctx context.Context, topTrackers int) (*Statistics, error) {
	counts, total, err := s.taskRepo.GetStatusCounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("status counts: %w", err)
	}
	trackers, err := s.reportRepo.TopTrackers(ctx, topTrackers)
	if err != nil {
		return nil, fmt.Errorf("top trackers: %w", err)
	}
	if trackers == nil {
		trackers = []repository.TrackerCount{}
	}
	return &Statistics{
		StatusCounts: counts,
		Total:        total,
		TopTrackers:  trackers,
	}, nil
}
