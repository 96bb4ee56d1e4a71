package repository

import (
	"context"
	"testing"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/domain"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupTestDB 创建测试数据库
func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err, "Failed to open test database")

	// :memory: 每个连接是独立的库
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, AutoMigrate(db, testLogger()), "Failed to migrate test database")
	return db
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newTask(id, apkName string) *domain.Task {
	return &domain.Task{
		ID:      id,
		APKName: apkName,
		APKPath: "/data/inbox/" + apkName,
		Status:  domain.TaskStatusQueued,
	}
}

// TestTaskRepository_Create 测试创建任务
func TestTaskRepository_Create(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	task := newTask("test-task-001", "test.apk")
	require.NoError(t, repo.Create(ctx, task))
	assert.False(t, task.CreatedAt.IsZero())

	found, err := repo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.APKName, found.APKName)
	assert.Equal(t, domain.TaskStatusQueued, found.Status)
	assert.Nil(t, found.StaticReport)
}

// TestTaskRepository_Create_Duplicate 测试创建重复任务
func TestTaskRepository_Create_Duplicate(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("test-task-002", "test.apk")))
	assert.Error(t, repo.Create(ctx, newTask("test-task-002", "other.apk")), "Duplicate ID should fail")
}

// TestTaskRepository_FindByID_NotFound 测试查询不存在的任务
func TestTaskRepository_FindByID_NotFound(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())

	_, err := repo.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

// TestTaskRepository_Lifecycle 测试状态流转
func TestTaskRepository_Lifecycle(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	task := newTask("test-task-003", "app.apk")
	require.NoError(t, repo.Create(ctx, task))

	require.NoError(t, repo.MarkRunning(ctx, task.ID))
	found, err := repo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusRunning, found.Status)
	assert.NotNil(t, found.StartedAt)
	assert.Nil(t, found.CompletedAt)

	require.NoError(t, repo.UpdateProgress(ctx, task.ID, "Traversing bytecode", 40))
	require.NoError(t, repo.UpdateAppInfo(ctx, task.ID, "com.example.app", "Example"))
	require.NoError(t, repo.UpdateStatus(ctx, task.ID, domain.TaskStatusCompleted))

	found, err = repo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, found.Status)
	assert.Equal(t, "Traversing bytecode", found.CurrentStep)
	assert.Equal(t, 40, found.ProgressPercent)
	assert.Equal(t, "com.example.app", found.PackageName)
	assert.Equal(t, "Example", found.AppName)
	assert.NotNil(t, found.CompletedAt)
}

// TestTaskRepository_FailureAndRetry 测试失败与重试
func TestTaskRepository_FailureAndRetry(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	task := newTask("test-task-004", "app.apk")
	require.NoError(t, repo.Create(ctx, task))

	require.NoError(t, repo.UpdateFailure(ctx, task.ID, domain.FailureTypeStorageError, "disk full"))
	found, err := repo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, found.Status)
	assert.Equal(t, domain.FailureTypeStorageError, found.FailureType)
	assert.Equal(t, "disk full", found.ErrorMessage)

	count, err := repo.IncrementRetryCount(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	count, err = repo.IncrementRetryCount(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, repo.ResetForRetry(ctx, task.ID))
	found, err = repo.FindByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, found.Status)
	assert.Equal(t, domain.FailureTypeNone, found.FailureType)
	assert.Empty(t, found.ErrorMessage)
	assert.Equal(t, 2, found.RetryCount, "Retry count survives reset")
	assert.Nil(t, found.CompletedAt)
}

// TestTaskRepository_ListWithSearch 测试分页、过滤与搜索
func TestTaskRepository_ListWithSearch(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	for i, name := range []string{"alpha.apk", "beta.apk", "gamma.apk"} {
		task := newTask(name, name)
		require.NoError(t, repo.Create(ctx, task))
		if i == 1 {
			require.NoError(t, repo.UpdateAppInfo(ctx, task.ID, "com.beta.app", "Beta"))
			require.NoError(t, repo.UpdateStatus(ctx, task.ID, domain.TaskStatusCompleted))
		}
	}

	tasks, total, err := repo.ListWithSearch(ctx, 1, 2, "", "")
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, tasks, 2)

	tasks, total, err = repo.ListWithSearch(ctx, 1, 10, string(domain.TaskStatusCompleted), "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, tasks, 1)
	assert.Equal(t, "beta.apk", tasks[0].ID)

	tasks, total, err = repo.ListWithSearch(ctx, 1, 10, "", "com.beta")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, tasks, 1)

	tasks, total, err = repo.ListWithSearch(ctx, 1, 10, string(domain.TaskStatusQueued), "beta")
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, tasks)
}

// TestTaskRepository_Delete 测试删除任务及关联数据
func TestTaskRepository_Delete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTaskRepository(db, testLogger())
	reports := NewStaticReportRepository(db)
	ctx := context.Background()

	task := newTask("test-task-005", "app.apk")
	require.NoError(t, repo.Create(ctx, task))
	require.NoError(t, reports.Upsert(ctx, &domain.TaskStaticReport{TaskID: task.ID, Status: domain.StaticStatusCompleted}))
	require.NoError(t, reports.SaveTrackers(ctx, task.ID, []domain.TaskTracker{{TrackerID: "49", Name: "Google Firebase Analytics"}}))

	require.NoError(t, repo.Delete(ctx, task.ID))

	_, err := repo.FindByID(ctx, task.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	_, err = reports.FindByTaskID(ctx, task.ID)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
	trackers, err := reports.ListTrackers(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, trackers)
}

// TestTaskRepository_HasRecentTaskForAPK 测试重复任务检查
func TestTaskRepository_HasRecentTaskForAPK(t *testing.T) {
	db := setupTestDB(t)
	repo := NewTaskRepository(db, testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("test-task-006", "dup.apk")))

	recent, err := repo.HasRecentTaskForAPK(ctx, "dup.apk", 60)
	require.NoError(t, err)
	assert.True(t, recent)

	recent, err = repo.HasRecentTaskForAPK(ctx, "other.apk", 60)
	require.NoError(t, err)
	assert.False(t, recent)

	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, db.Model(&domain.Task{}).Where("id = ?", "test-task-006").Update("created_at", old).Error)
	recent, err = repo.HasRecentTaskForAPK(ctx, "dup.apk", 60)
	require.NoError(t, err)
	assert.False(t, recent)
}

// TestTaskRepository_StatusCounts 测试状态统计
func TestTaskRepository_StatusCounts(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("a", "a.apk")))
	require.NoError(t, repo.Create(ctx, newTask("b", "b.apk")))
	require.NoError(t, repo.Create(ctx, newTask("c", "c.apk")))
	require.NoError(t, repo.UpdateStatus(ctx, "c", domain.TaskStatusFailed))

	counts, total, err := repo.GetStatusCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Equal(t, int64(2), counts["queued"])
	assert.Equal(t, int64(1), counts["failed"])
	assert.Equal(t, int64(0), counts["running"])

	queued, err := repo.ListQueuedTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, queued, 2)
}

func TestTaskRepository_RequeueInterrupted(t *testing.T) {
	repo := NewTaskRepository(setupTestDB(t), testLogger())
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newTask("a", "a.apk")))
	require.NoError(t, repo.Create(ctx, newTask("b", "b.apk")))
	require.NoError(t, repo.Create(ctx, newTask("c", "c.apk")))
	require.NoError(t, repo.MarkRunning(ctx, "a"))
	require.NoError(t, repo.UpdateStatus(ctx, "c", domain.TaskStatusCompleted))

	n, err := repo.RequeueInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	found, err := repo.FindByID(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusQueued, found.Status)
	assert.Nil(t, found.StartedAt)

	found, err = repo.FindByID(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, found.Status)
}
