package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/apkres"
	"github.com/apk-analysis/apk-static-go/internal/dex"
	"github.com/apk-analysis/apk-static-go/internal/domain"
	"github.com/apk-analysis/apk-static-go/internal/refdata"
	"github.com/apk-analysis/apk-static-go/internal/repository"
	"github.com/apk-analysis/apk-static-go/internal/retry"
	"github.com/apk-analysis/apk-static-go/internal/staticanalysis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (n *recordingNotifier) Publish(event ProgressEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *recordingNotifier) last() ProgressEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[len(n.events)-1]
}

type recordingMetrics struct {
	mu        sync.Mutex
	started   int
	completed int
	failed    []domain.FailureType
	retries   []string
}

func (m *recordingMetrics) RecordTaskStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started++
}

func (m *recordingMetrics) RecordTaskCompleted(time.Duration, *staticanalysis.AnalysisResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *recordingMetrics) RecordTaskFailed(_ time.Duration, failureType domain.FailureType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed = append(m.failed, failureType)
}

func (m *recordingMetrics) RecordRetryAttempt(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries = append(m.retries, operation)
}

// failingReportRepo 报告写入总是失败
type failingReportRepo struct {
	repository.StaticReportRepository
}

func (r *failingReportRepo) Upsert(ctx context.Context, report *domain.TaskStaticReport) error {
	return errors.New("database is locked")
}

type runnerFixture struct {
	runner   *TaskRunner
	tasks    repository.TaskRepository
	reports  repository.StaticReportRepository
	notifier *recordingNotifier
	metrics  *recordingMetrics
	outDir   string
}

func setupRunner(t *testing.T, a Analyzer, wrapReports func(repository.StaticReportRepository) repository.StaticReportRepository) *runnerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, repository.AutoMigrate(db, testLogger()))

	f := &runnerFixture{
		tasks:    repository.NewTaskRepository(db, testLogger()),
		reports:  repository.NewStaticReportRepository(db),
		notifier: &recordingNotifier{},
		metrics:  &recordingMetrics{},
		outDir:   t.TempDir(),
	}
	reports := f.reports
	if wrapReports != nil {
		reports = wrapReports(reports)
	}
	f.runner = NewTaskRunner(RunnerOptions{
		Analyzer:   a,
		Sink:       &JSONSink{Dir: f.outDir},
		TaskRepo:   f.tasks,
		ReportRepo: reports,
		Notifier:   f.notifier,
		Metrics:    f.metrics,
		Retry: &retry.Config{
			MaxAttempts:     2,
			InitialInterval: time.Millisecond,
			Strategy:        retry.StrategyFixed,
			Logger:          testLogger(),
		},
		Timeout: time.Minute,
		Logger:  testLogger(),
	})
	return f
}

func (f *runnerFixture) createTask(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.tasks.Create(context.Background(), &domain.Task{
		ID:      id,
		APKName: id + ".apk",
		APKPath: "/inbox/" + id + ".apk",
		Status:  domain.TaskStatusQueued,
	}))
}

// TestTaskRunner_Success 测试成功任务的状态流转与报告入库
func TestTaskRunner_Success(t *testing.T) {
	f := setupRunner(t, analyzeFunc(func(ctx context.Context, apkPath string) (*staticanalysis.AnalysisResult, error) {
		return testResult("com.example.app", 42), nil
	}), nil)
	ctx := context.Background()
	f.createTask(t, "t1")

	require.NoError(t, f.runner.Execute(ctx, "t1", "/inbox/t1.apk"))

	task, err := f.tasks.FindByID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, task.Status)
	assert.Equal(t, 100, task.ProgressPercent)
	assert.Equal(t, "com.example.app", task.PackageName)
	assert.Equal(t, "Example", task.AppName)
	assert.NotNil(t, task.StartedAt)
	assert.NotNil(t, task.CompletedAt)

	report, err := f.reports.FindByTaskID(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 42, report.VersionCode)
	assert.Equal(t, 1, report.TrackerCount)
	assert.Equal(t, 1, report.IPv4Count)
	assert.Equal(t, 28, report.APILevel)

	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(report.ReportJSON), &doc))
	assert.Contains(t, doc, "dexAPIPermissions")

	trackers, err := f.reports.ListTrackers(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, trackers, 1)
	assert.Equal(t, "49", trackers[0].TrackerID)

	assert.FileExists(t, filepath.Join(f.outDir, "com.example.app-42.json"))
	assert.Equal(t, domain.TaskStatusCompleted, f.notifier.last().Status)
	assert.Equal(t, 1, f.metrics.started)
	assert.Equal(t, 1, f.metrics.completed)
}

// TestTaskRunner_InvalidAPK 测试 APK 问题不重试
func TestTaskRunner_InvalidAPK(t *testing.T) {
	f := setupRunner(t, analyzeFunc(func(ctx context.Context, apkPath string) (*staticanalysis.AnalysisResult, error) {
		return nil, fmt.Errorf("read resources: %w", apkres.ErrMissingManifestField)
	}), nil)
	ctx := context.Background()
	f.createTask(t, "t2")

	err := f.runner.Execute(ctx, "t2", "/inbox/t2.apk")
	assert.ErrorIs(t, err, apkres.ErrMissingManifestField)
	_, retryable := IsRetryableError(err)
	assert.False(t, retryable)

	task, err := f.tasks.FindByID(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, domain.FailureTypeInvalidAPK, task.FailureType)
	assert.Contains(t, task.ErrorMessage, "read resources")
	assert.Equal(t, []domain.FailureType{domain.FailureTypeInvalidAPK}, f.metrics.failed)

	last := f.notifier.last()
	assert.Equal(t, domain.TaskStatusFailed, last.Status)
	assert.NotEmpty(t, last.Error)
}

// TestTaskRunner_StorageRetry 测试存储失败时重置任务等待重试
func TestTaskRunner_StorageRetry(t *testing.T) {
	f := setupRunner(t, analyzeFunc(func(ctx context.Context, apkPath string) (*staticanalysis.AnalysisResult, error) {
		return testResult("com.example.app", 1), nil
	}), func(r repository.StaticReportRepository) repository.StaticReportRepository {
		return &failingReportRepo{StaticReportRepository: r}
	})
	ctx := context.Background()
	f.createTask(t, "t3")

	err := f.runner.Execute(ctx, "t3", "/inbox/t3.apk")
	retryErr, ok := IsRetryableError(err)
	require.True(t, ok)
	assert.Equal(t, 1, retryErr.RetryCount)
	assert.Equal(t, domain.FailureTypeStorageError.GetMaxRetryCount(), retryErr.MaxRetry)
	assert.ErrorIs(t, err, errStorage)

	task, err := f.tasks.FindByID(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.Equal(t, []string{"report_upsert", "report_upsert"}, f.metrics.retries)
}

// TestTaskRunner_RetryExhausted 测试重试次数用尽后标记失败
func TestTaskRunner_RetryExhausted(t *testing.T) {
	f := setupRunner(t, analyzeFunc(func(ctx context.Context, apkPath string) (*staticanalysis.AnalysisResult, error) {
		return testResult("com.example.app", 1), nil
	}), func(r repository.StaticReportRepository) repository.StaticReportRepository {
		return &failingReportRepo{StaticReportRepository: r}
	})
	ctx := context.Background()
	f.createTask(t, "t4")

	max := domain.FailureTypeStorageError.GetMaxRetryCount()
	for i := 0; i < max; i++ {
		_, ok := IsRetryableError(f.runner.Execute(ctx, "t4", "/inbox/t4.apk"))
		require.True(t, ok, "attempt %d", i+1)
	}
	err := f.runner.Execute(ctx, "t4", "/inbox/t4.apk")
	_, ok := IsRetryableError(err)
	assert.False(t, ok)

	task, err := f.tasks.FindByID(ctx, "t4")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, task.Status)
	assert.Equal(t, domain.FailureTypeStorageError, task.FailureType)
}

// TestTaskRunner_SkipsCancelled 测试已取消任务不执行
func TestTaskRunner_SkipsCancelled(t *testing.T) {
	called := false
	f := setupRunner(t, analyzeFunc(func(ctx context.Context, apkPath string) (*staticanalysis.AnalysisResult, error) {
		called = true
		return nil, nil
	}), nil)
	ctx := context.Background()
	f.createTask(t, "t5")
	require.NoError(t, f.tasks.UpdateStatus(ctx, "t5", domain.TaskStatusCancelled))

	require.NoError(t, f.runner.Execute(ctx, "t5", "/inbox/t5.apk"))
	assert.False(t, called)
}

// TestDetectFailureType 测试失败类型识别
func TestDetectFailureType(t *testing.T) {
	tests := map[string]struct {
		err  error
		want domain.FailureType
	}{
		"nil":            {nil, domain.FailureTypeNone},
		"timeout":        {fmt.Errorf("traverse: %w", context.DeadlineExceeded), domain.FailureTypeTimeout},
		"missing file":   {fmt.Errorf("open apk: %w", os.ErrNotExist), domain.FailureTypeFileMissing},
		"reference data": {fmt.Errorf("%w: levels: %w", staticanalysis.ErrReferenceData, os.ErrNotExist), domain.FailureTypeReferenceData},
		"no api level":   {refdata.ErrNoAPILevel, domain.FailureTypeReferenceData},
		"storage":        {fmt.Errorf("%w: locked", errStorage), domain.FailureTypeStorageError},
		"manifest":       {apkres.ErrMissingManifestField, domain.FailureTypeInvalidAPK},
		"dex":            {fmt.Errorf("open dex container: %w", dex.ErrFormat), domain.FailureTypeInvalidAPK},
		"zip message":    {errors.New("zip: not a valid zip file"), domain.FailureTypeInvalidAPK},
		"unknown":        {errors.New("something else"), domain.FailureTypeUnknown},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, detectFailureType(tt.err))
		})
	}
}
