package watcher

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/domain"
	"github.com/apk-analysis/apk-static-go/internal/service"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func fastOptions() Options {
	return Options{
		Debounce:      20 * time.Millisecond,
		ReadyInterval: 10 * time.Millisecond,
		ReadyAttempts: 20,
	}
}

// collector 记录处理过的文件
type collector struct {
	mu    sync.Mutex
	files []string
}

func (c *collector) handle(ctx context.Context, filePath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.files = append(c.files, filepath.Base(filePath))
	return nil
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.files...)
}

func TestFileWatcher_Match(t *testing.T) {
	fw, err := NewFileWatcher(t.TempDir(), Options{}, func(context.Context, string) error { return nil }, testLogger())
	require.NoError(t, err)
	defer fw.Stop()

	assert.True(t, fw.Match("demo.apk"))
	assert.True(t, fw.Match("Demo.APK"))
	assert.False(t, fw.Match("demo.apk.part"))
	assert.False(t, fw.Match("notes.txt"))

	_, err = NewFileWatcher(t.TempDir(), Options{Pattern: "[a-"}, nil, testLogger())
	assert.Error(t, err)
}

// TestFileWatcher_NewFile 多次写入只触发一次处理
func TestFileWatcher_NewFile(t *testing.T) {
	dir := t.TempDir()
	c := &collector{}
	fw, err := NewFileWatcher(dir, fastOptions(), c.handle, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, fw.Start(ctx))

	path := filepath.Join(dir, "app.apk")
	f, err := os.Create(path)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = f.Write([]byte("PK\x03\x04"))
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "skip.txt"), []byte("x"), 0644))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, fw.Stop())
	assert.Equal(t, []string{"app.apk"}, c.snapshot())
	assert.NoError(t, fw.Stop())
}

func TestFileWatcher_ScanExisting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "old.apk"), []byte("PK"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.apk"), nil, 0644))

	opts := fastOptions()
	opts.ScanExisting = true
	opts.ReadyAttempts = 3
	c := &collector{}
	fw, err := NewFileWatcher(dir, opts, c.handle, testLogger())
	require.NoError(t, err)
	require.NoError(t, fw.Start(context.Background()))

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, fw.Stop())
	assert.Equal(t, []string{"old.apk"}, c.snapshot())
}

// stubTaskService 只实现 CreateTask
type stubTaskService struct {
	service.TaskService
	err error
}

func (s *stubTaskService) CreateTask(ctx context.Context, apkName, apkPath string) (*domain.Task, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Task{ID: "task-" + apkName, APKName: apkName, APKPath: apkPath}, nil
}

type dispatchRecorder struct {
	ids []string
	err error
}

func (d *dispatchRecorder) Dispatch(ctx context.Context, taskID, apkPath string) error {
	d.ids = append(d.ids, taskID)
	return d.err
}

func TestTaskFileHandler(t *testing.T) {
	ctx := context.Background()

	d := &dispatchRecorder{}
	handle := TaskFileHandler(&stubTaskService{}, d, testLogger())
	require.NoError(t, handle(ctx, "/inbox/a.apk"))
	assert.Equal(t, []string{"task-a.apk"}, d.ids)

	d = &dispatchRecorder{}
	handle = TaskFileHandler(&stubTaskService{err: service.ErrDuplicateTask}, d, testLogger())
	assert.NoError(t, handle(ctx, "/inbox/a.apk"))
	assert.Empty(t, d.ids)

	handle = TaskFileHandler(&stubTaskService{err: errors.New("db down")}, d, testLogger())
	assert.Error(t, handle(ctx, "/inbox/a.apk"))

	d = &dispatchRecorder{err: errors.New("queue full")}
	handle = TaskFileHandler(&stubTaskService{}, d, testLogger())
	assert.ErrorContains(t, handle(ctx, "/inbox/b.apk"), "task-b.apk")
}
