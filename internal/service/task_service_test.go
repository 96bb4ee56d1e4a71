package service

import (
	"context"
	"errors"
	"testing"

	"github.com/apk-analysis/apk-static-go/internal/domain"
	"github.com/apk-analysis/apk-static-go/internal/repository"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// MockTaskRepository Mock Repository
type MockTaskRepository struct {
	mock.Mock
}

func (m *MockTaskRepository) Create(ctx context.Context, task *domain.Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *MockTaskRepository) Update(ctx context.Context, task *domain.Task) error {
	return m.Called(ctx, task).Error(0)
}

func (m *MockTaskRepository) FindByID(ctx context.Context, id string) (*domain.Task, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Task), args.Error(1)
}

func (m *MockTaskRepository) List(ctx context.Context, limit int) ([]*domain.Task, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Task), args.Error(1)
}

func (m *MockTaskRepository) ListWithSearch(ctx context.Context, page int, pageSize int, statusFilter string, search string) ([]*domain.Task, int64, error) {
	args := m.Called(ctx, page, pageSize, statusFilter, search)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]*domain.Task), args.Get(1).(int64), args.Error(2)
}

func (m *MockTaskRepository) Delete(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockTaskRepository) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	return m.Called(ctx, id, status).Error(0)
}

func (m *MockTaskRepository) UpdateProgress(ctx context.Context, id string, step string, percent int) error {
	return m.Called(ctx, id, step, percent).Error(0)
}

func (m *MockTaskRepository) MarkRunning(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockTaskRepository) UpdateAppInfo(ctx context.Context, id string, packageName string, appName string) error {
	return m.Called(ctx, id, packageName, appName).Error(0)
}

func (m *MockTaskRepository) HasRecentTaskForAPK(ctx context.Context, apkName string, withinSeconds int) (bool, error) {
	args := m.Called(ctx, apkName, withinSeconds)
	return args.Bool(0), args.Error(1)
}

func (m *MockTaskRepository) UpdateFailure(ctx context.Context, id string, failureType domain.FailureType, errorMessage string) error {
	return m.Called(ctx, id, failureType, errorMessage).Error(0)
}

func (m *MockTaskRepository) IncrementRetryCount(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockTaskRepository) ResetForRetry(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockTaskRepository) GetRetryCount(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockTaskRepository) GetStatusCounts(ctx context.Context) (map[string]int64, int64, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).(map[string]int64), args.Get(1).(int64), args.Error(2)
}

func (m *MockTaskRepository) ListQueuedTasks(ctx context.Context) ([]*domain.Task, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Task), args.Error(1)
}

func (m *MockTaskRepository) RequeueInterrupted(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

// MockStaticReportRepository Mock 报告 Repository
type MockStaticReportRepository struct {
	mock.Mock
}

func (m *MockStaticReportRepository) Create(ctx context.Context, report *domain.TaskStaticReport) error {
	return m.Called(ctx, report).Error(0)
}

func (m *MockStaticReportRepository) Upsert(ctx context.Context, report *domain.TaskStaticReport) error {
	return m.Called(ctx, report).Error(0)
}

func (m *MockStaticReportRepository) FindByTaskID(ctx context.Context, taskID string) (*domain.TaskStaticReport, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TaskStaticReport), args.Error(1)
}

func (m *MockStaticReportRepository) Delete(ctx context.Context, taskID string) error {
	return m.Called(ctx, taskID).Error(0)
}

func (m *MockStaticReportRepository) SaveTrackers(ctx context.Context, taskID string, trackers []domain.TaskTracker) error {
	return m.Called(ctx, taskID, trackers).Error(0)
}

func (m *MockStaticReportRepository) ListTrackers(ctx context.Context, taskID string) ([]domain.TaskTracker, error) {
	args := m.Called(ctx, taskID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.TaskTracker), args.Error(1)
}

func (m *MockStaticReportRepository) TopTrackers(ctx context.Context, limit int) ([]repository.TrackerCount, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]repository.TrackerCount), args.Error(1)
}

func newTestService() (TaskService, *MockTaskRepository, *MockStaticReportRepository) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	tasks := new(MockTaskRepository)
	reports := new(MockStaticReportRepository)
	return NewTaskService(tasks, reports, logger), tasks, reports
}

// TestTaskService_CreateTask 测试创建任务
func TestTaskService_CreateTask(t *testing.T) {
	svc, tasks, _ := newTestService()
	ctx := context.Background()

	tasks.On("HasRecentTaskForAPK", ctx, "app.apk", duplicateWindowSeconds).Return(false, nil)
	tasks.On("Create", ctx, mock.MatchedBy(func(task *domain.Task) bool {
		return task.APKName == "app.apk" && task.APKPath == "/inbox/app.apk" && task.Status == domain.TaskStatusQueued
	})).Return(nil)

	task, err := svc.CreateTask(ctx, "app.apk", "/inbox/app.apk")
	require.NoError(t, err)
	assert.Len(t, task.ID, 36)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)
	tasks.AssertExpectations(t)
}

// TestTaskService_CreateTask_Duplicate 测试防重复
func TestTaskService_CreateTask_Duplicate(t *testing.T) {
	svc, tasks, _ := newTestService()
	ctx := context.Background()

	tasks.On("HasRecentTaskForAPK", ctx, "app.apk", duplicateWindowSeconds).Return(true, nil)

	_, err := svc.CreateTask(ctx, "app.apk", "/inbox/app.apk")
	assert.ErrorIs(t, err, ErrDuplicateTask)
	tasks.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

// TestTaskService_CreateTask_CheckFails 测试重复检查失败时仍然创建
func TestTaskService_CreateTask_CheckFails(t *testing.T) {
	svc, tasks, _ := newTestService()
	ctx := context.Background()

	tasks.On("HasRecentTaskForAPK", ctx, "app.apk", duplicateWindowSeconds).Return(false, errors.New("db down"))
	tasks.On("Create", ctx, mock.Anything).Return(errors.New("db down"))

	_, err := svc.CreateTask(ctx, "app.apk", "/inbox/app.apk")
	assert.ErrorContains(t, err, "create task")
}

// TestTaskService_CancelTask 测试只允许取消排队任务
func TestTaskService_CancelTask(t *testing.T) {
	svc, tasks, _ := newTestService()
	ctx := context.Background()

	tasks.On("FindByID", ctx, "queued").Return(&domain.Task{ID: "queued", Status: domain.TaskStatusQueued}, nil)
	tasks.On("FindByID", ctx, "running").Return(&domain.Task{ID: "running", Status: domain.TaskStatusRunning}, nil)
	tasks.On("UpdateStatus", ctx, "queued", domain.TaskStatusCancelled).Return(nil)

	assert.NoError(t, svc.CancelTask(ctx, "queued"))
	assert.ErrorIs(t, svc.CancelTask(ctx, "running"), ErrInvalidState)
	tasks.AssertNumberOfCalls(t, "UpdateStatus", 1)
}

// TestTaskService_RetryTask 测试重试失败任务
func TestTaskService_RetryTask(t *testing.T) {
	svc, tasks, _ := newTestService()
	ctx := context.Background()

	tasks.On("FindByID", ctx, "failed").Return(&domain.Task{ID: "failed", Status: domain.TaskStatusFailed}, nil).Once()
	tasks.On("ResetForRetry", ctx, "failed").Return(nil)
	tasks.On("FindByID", ctx, "failed").Return(&domain.Task{ID: "failed", Status: domain.TaskStatusQueued}, nil).Once()
	tasks.On("FindByID", ctx, "done").Return(&domain.Task{ID: "done", Status: domain.TaskStatusCompleted}, nil)

	task, err := svc.RetryTask(ctx, "failed")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, task.Status)

	_, err = svc.RetryTask(ctx, "done")
	assert.ErrorIs(t, err, ErrInvalidState)
	tasks.AssertExpectations(t)
}

// TestTaskService_DeleteTask 测试删除
func TestTaskService_DeleteTask(t *testing.T) {
	svc, tasks, _ := newTestService()
	ctx := context.Background()

	tasks.On("FindByID", ctx, "missing").Return(nil, gorm.ErrRecordNotFound)
	tasks.On("FindByID", ctx, "running").Return(&domain.Task{ID: "running", Status: domain.TaskStatusRunning}, nil)
	tasks.On("FindByID", ctx, "done").Return(&domain.Task{ID: "done", Status: domain.TaskStatusCompleted}, nil)
	tasks.On("Delete", ctx, "done").Return(nil)

	assert.ErrorIs(t, svc.DeleteTask(ctx, "missing"), gorm.ErrRecordNotFound)
	assert.ErrorIs(t, svc.DeleteTask(ctx, "running"), ErrInvalidState)
	assert.NoError(t, svc.DeleteTask(ctx, "done"))
	tasks.AssertExpectations(t)
}

// TestTaskService_GetStatistics 测试统计
func TestTaskService_GetStatistics(t *testing.T) {
	svc, tasks, reports := newTestService()
	ctx := context.Background()

	tasks.On("GetStatusCounts", ctx).Return(map[string]int64{"completed": 3, "failed": 1}, int64(4), nil)
	reports.On("TopTrackers", ctx, 5).Return(nil, nil)

	stats, err := svc.GetStatistics(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(3), stats.StatusCounts["completed"])
	assert.NotNil(t, stats.TopTrackers)
	assert.Empty(t, stats.TopTrackers)
}

// TestTaskService_GetReport 测试获取报告
func TestTaskService_GetReport(t *testing.T) {
	svc, _, reports := newTestService()
	ctx := context.Background()

	reports.On("FindByTaskID", ctx, "t1").Return(&domain.TaskStaticReport{TaskID: "t1", TrackerCount: 2}, nil)
	reports.On("FindByTaskID", ctx, "t2").Return(nil, gorm.ErrRecordNotFound)

	report, err := svc.GetReport(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.TrackerCount)

	_, err = svc.GetReport(ctx, "t2")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
