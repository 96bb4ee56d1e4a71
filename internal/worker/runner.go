package worker

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/apkres"
	"github.com/apk-analysis/apk-static-go/internal/dex"
	"github.com/apk-analysis/apk-static-go/internal/domain"
	"github.com/apk-analysis/apk-static-go/internal/repository"
	"github.com/apk-analysis/apk-static-go/internal/retry"
	"github.com/apk-analysis/apk-static-go/internal/staticanalysis"
	"github.com/sirupsen/logrus"
)

// errStorage 报告持久化失败
var errStorage = errors.New("report storage failed")

// ProgressEvent 任务进度事件
type ProgressEvent struct {
	TaskID  string            `json:"task_id"`
	Status  domain.TaskStatus `json:"status"`
	Step    string            `json:"step"`
	Percent int               `json:"percent"`
	Error   string            `json:"error,omitempty"`
	Time    time.Time         `json:"time"`
}

// Notifier 进度推送
type Notifier interface {
	Publish(event ProgressEvent)
}

// Recorder 任务指标
type Recorder interface {
	RecordTaskStarted()
	RecordTaskCompleted(duration time.Duration, result *staticanalysis.AnalysisResult)
	RecordTaskFailed(duration time.Duration, failureType domain.FailureType)
	RecordRetryAttempt(operation string)
}

// RetryableError 可重试错误（用于通知 worker pool 需要重试）
type RetryableError struct {
	TaskID      string
	APKPath     string
	OriginalErr error
	RetryCount  int
	MaxRetry    int
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("task %s failed (retry %d/%d): %v", e.TaskID, e.RetryCount, e.MaxRetry, e.OriginalErr)
}

func (e *RetryableError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryableError 检查错误是否为可重试错误
func IsRetryableError(err error) (*RetryableError, bool) {
	var retryErr *RetryableError
	if errors.As(err, &retryErr) {
		return retryErr, true
	}
	return nil, false
}

// RunnerOptions TaskRunner 依赖
type RunnerOptions struct {
	Analyzer   Analyzer
	Sink       *JSONSink
	TaskRepo   repository.TaskRepository
	ReportRepo repository.StaticReportRepository
	Notifier   Notifier
	Metrics    Recorder
	Retry      *retry.Config
	Timeout    time.Duration
	Logger     *logrus.Logger
}

// TaskRunner 执行单个持久化任务：状态流转、分析、结果落盘与入库
type TaskRunner struct {
	analyzer   Analyzer
	sink       *JSONSink
	taskRepo   repository.TaskRepository
	reportRepo repository.StaticReportRepository
	notifier   Notifier
	metrics    Recorder
	retry      *retry.Config
	timeout    time.Duration
	logger     *logrus.Logger
}

// NewTaskRunner 创建任务执行器
func NewTaskRunner(opts RunnerOptions) *TaskRunner {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	retryCfg := opts.Retry
	if retryCfg == nil {
		retryCfg = retry.DefaultConfig()
		retryCfg.Logger = logger
	}
	return &TaskRunner{
		analyzer:   opts.Analyzer,
		sink:       opts.Sink,
		taskRepo:   opts.TaskRepo,
		reportRepo: opts.ReportRepo,
		notifier:   opts.Notifier,
		metrics:    opts.Metrics,
		retry:      retryCfg,
		timeout:    opts.Timeout,
		logger:     logger,
	}
}

// Execute 执行任务
//
// 已取消的任务直接跳过；失败时按失败类型决定重试或标记失败，
// 可重试时返回 *RetryableError
func (r *TaskRunner) Execute(ctx context.Context, taskID, apkPath string) error {
	logger := r.logger.WithFields(logrus.Fields{"task_id": taskID, "apk_path": apkPath})

	task, err := r.taskRepo.FindByID(ctx, taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}
	if task.Status == domain.TaskStatusCancelled || task.Status == domain.TaskStatusCompleted {
		logger.WithField("status", task.Status).Info("Task already finished, skipping")
		return nil
	}

	if err := r.taskRepo.MarkRunning(ctx, taskID); err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	r.publish(taskID, domain.TaskStatusRunning, "Analyzing", 10, nil)
	if r.metrics != nil {
		r.metrics.RecordTaskStarted()
	}

	startTime := time.Now()
	analyzeCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		analyzeCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	result, err := r.analyzer.Analyze(analyzeCtx, apkPath)
	if err != nil {
		return r.failTask(ctx, taskID, apkPath, startTime, err)
	}

	r.updateProgress(ctx, taskID, "Saving report", 80)
	if err := r.saveResult(ctx, taskID, result); err != nil {
		return r.failTask(ctx, taskID, apkPath, startTime, fmt.Errorf("%w: %w", errStorage, err))
	}

	if err := r.completeTask(ctx, taskID, result); err != nil {
		return err
	}

	duration := time.Since(startTime)
	if r.metrics != nil {
		r.metrics.RecordTaskCompleted(duration, result)
	}
	logger.WithFields(logrus.Fields{
		"package_name": result.Manifest.PackageName,
		"trackers":     len(result.Trackers),
		"duration":     duration,
	}).Info("Task completed successfully")
	return nil
}

// saveResult 写 JSON 文件并入库，数据库写入带重试
func (r *TaskRunner) saveResult(ctx context.Context, taskID string, result *staticanalysis.AnalysisResult) error {
	output := ""
	if r.sink != nil {
		path, err := r.sink.Write(ctx, result)
		if err != nil {
			return err
		}
		output = path
	}

	data, err := json.Marshal(result)
	if err != nil {
		return retry.Permanent(fmt.Errorf("encode report: %w", err))
	}
	report := buildReport(taskID, result, string(data))

	trackers := make([]domain.TaskTracker, 0, len(result.Trackers))
	for _, t := range result.Trackers {
		trackers = append(trackers, domain.TaskTracker{TrackerID: t.ID, Name: t.Name})
	}

	err = retry.Do(ctx, r.retry, func(ctx context.Context) error {
		if err := r.reportRepo.Upsert(ctx, report); err != nil {
			r.recordRetry("report_upsert")
			return err
		}
		if err := r.reportRepo.SaveTrackers(ctx, taskID, trackers); err != nil {
			r.recordRetry("save_trackers")
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if output != "" {
		r.logger.WithFields(logrus.Fields{"task_id": taskID, "output": output}).Debug("Result written")
	}
	return nil
}

func (r *TaskRunner) recordRetry(operation string) {
	if r.metrics != nil {
		r.metrics.RecordRetryAttempt(operation)
	}
}

// buildReport 报告行，统计字段冗余存储方便查询
func buildReport(taskID string, result *staticanalysis.AnalysisResult, reportJSON string) *domain.TaskStaticReport {
	analyzedAt := result.AnalyzedAt
	m := result.Manifest
	return &domain.TaskStaticReport{
		TaskID:                  taskID,
		Status:                  domain.StaticStatusCompleted,
		PackageName:             m.PackageName,
		VersionName:             m.VersionName,
		VersionCode:             m.VersionCode,
		AppName:                 m.ApplicationName,
		MinSDK:                  m.MinSDKVersion,
		TargetSDK:               m.TargetSDKVersion,
		APILevel:                result.APILevel,
		FileSize:                result.File.Size,
		MD5:                     result.File.MD5,
		SHA256:                  result.File.SHA256,
		PermissionCount:         len(m.UsePermissions),
		APICallPermissionCount:  len(result.DexAPIPermissions.APICallPermissions),
		ProviderPermissionCount: len(result.DexAPIPermissions.ContentProviderPermissions),
		URLCount:                len(result.Strings.URIs),
		IPv4Count:               len(result.Strings.IPv4),
		TrackerCount:            len(result.Trackers),
		ClassCount:              result.Traversal.Classes,
		SkippedCount:            result.Traversal.Skipped,
		ReportJSON:              reportJSON,
		AnalysisDurationMs:      result.AnalysisDuration,
		AnalyzedAt:              &analyzedAt,
		CreatedAt:               time.Now().UTC(),
	}
}

func (r *TaskRunner) completeTask(ctx context.Context, taskID string, result *staticanalysis.AnalysisResult) error {
	if err := r.taskRepo.UpdateAppInfo(ctx, taskID, result.Manifest.PackageName, result.Manifest.ApplicationName); err != nil {
		r.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to update app info")
	}
	r.updateProgress(ctx, taskID, "Completed", 100)
	if err := r.taskRepo.UpdateStatus(ctx, taskID, domain.TaskStatusCompleted); err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	r.publish(taskID, domain.TaskStatusCompleted, "Completed", 100, nil)
	return nil
}

func (r *TaskRunner) updateProgress(ctx context.Context, taskID, step string, percent int) {
	if err := r.taskRepo.UpdateProgress(ctx, taskID, step, percent); err != nil {
		r.logger.WithError(err).WithField("task_id", taskID).Warn("Failed to update progress")
	}
	r.publish(taskID, domain.TaskStatusRunning, step, percent, nil)
}

func (r *TaskRunner) publish(taskID string, status domain.TaskStatus, step string, percent int, err error) {
	if r.notifier == nil {
		return
	}
	event := ProgressEvent{
		TaskID:  taskID,
		Status:  status,
		Step:    step,
		Percent: percent,
		Time:    time.Now().UTC(),
	}
	if err != nil {
		event.Error = err.Error()
	}
	r.notifier.Publish(event)
}

func (r *TaskRunner) failTask(ctx context.Context, taskID, apkPath string, startTime time.Time, err error) error {
	failureType := detectFailureType(err)
	if r.metrics != nil {
		r.metrics.RecordTaskFailed(time.Since(startTime), failureType)
	}

	retryCount, getErr := r.taskRepo.GetRetryCount(ctx, taskID)
	if getErr != nil {
		r.logger.WithError(getErr).WithField("task_id", taskID).Warn("Failed to get retry count, assuming 0")
		retryCount = 0
	}

	maxRetry := failureType.GetMaxRetryCount()
	canRetry := failureType.CanRetry() && retryCount < maxRetry

	if canRetry {
		newRetryCount, incErr := r.taskRepo.IncrementRetryCount(ctx, taskID)
		if incErr != nil {
			r.logger.WithError(incErr).WithField("task_id", taskID).Error("Failed to increment retry count")
		} else {
			retryCount = newRetryCount
		}

		if resetErr := r.taskRepo.ResetForRetry(ctx, taskID); resetErr != nil {
			r.logger.WithError(resetErr).WithField("task_id", taskID).Error("Failed to reset task for retry")
			canRetry = false
		}
	}

	if canRetry {
		r.logger.WithFields(logrus.Fields{
			"task_id":      taskID,
			"failure_type": failureType,
			"retry_count":  retryCount,
			"max_retry":    maxRetry,
			"error":        err.Error(),
		}).Warn("Task will be retried")
		r.publish(taskID, domain.TaskStatusQueued, "Waiting for retry", 0, err)

		return &RetryableError{
			TaskID:      taskID,
			APKPath:     apkPath,
			OriginalErr: err,
			RetryCount:  retryCount,
			MaxRetry:    maxRetry,
		}
	}

	if updateErr := r.taskRepo.UpdateFailure(ctx, taskID, failureType, err.Error()); updateErr != nil {
		r.logger.WithError(updateErr).WithField("task_id", taskID).Error("Failed to update task failure")
	}
	r.publish(taskID, domain.TaskStatusFailed, failureType.GetDisplayName(), 0, err)
	return err
}

// detectFailureType 根据错误链判断失败类型
func detectFailureType(err error) domain.FailureType {
	switch {
	case err == nil:
		return domain.FailureTypeNone
	case errors.Is(err, context.DeadlineExceeded):
		return domain.FailureTypeTimeout
	case staticanalysis.IsFatal(err):
		return domain.FailureTypeReferenceData
	case errors.Is(err, os.ErrNotExist), errors.Is(err, os.ErrPermission):
		return domain.FailureTypeFileMissing
	case errors.Is(err, errStorage):
		return domain.FailureTypeStorageError
	case errors.Is(err, apkres.ErrMissingManifestField),
		errors.Is(err, apkres.ErrNoResources),
		errors.Is(err, apkres.ErrResourceTable),
		errors.Is(err, dex.ErrFormat),
		errors.Is(err, zip.ErrFormat):
		return domain.FailureTypeInvalidAPK
	}

	// apkparser 的部分错误没有哨兵值
	msg := strings.ToLower(err.Error())
	if containsAny(msg, "manifest", "not a valid zip", "zip: ", "resources.arsc") {
		return domain.FailureTypeInvalidAPK
	}
	return domain.FailureTypeUnknown
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
