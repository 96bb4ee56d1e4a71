package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type executorFunc func(ctx context.Context, taskID, apkPath string) error

func (f executorFunc) Execute(ctx context.Context, taskID, apkPath string) error {
	return f(ctx, taskID, apkPath)
}

type statsObserver struct {
	mu        sync.Mutex
	maxActive int
	calls     int
}

func (o *statsObserver) UpdateWorkerPoolStats(size, active, queueSize int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if active > o.maxActive {
		o.maxActive = active
	}
}

// TestPool_SubmitAndWait 测试同步提交返回执行结果
func TestPool_SubmitAndWait(t *testing.T) {
	wantErr := errors.New("analysis failed")
	pool := NewPool(executorFunc(func(ctx context.Context, taskID, apkPath string) error {
		if taskID == "bad" {
			return wantErr
		}
		return nil
	}), PoolOptions{Workers: 2, QueueSize: 4, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	assert.NoError(t, pool.SubmitAndWait(ctx, &Task{ID: "good", APKPath: "a.apk"}))
	assert.ErrorIs(t, pool.SubmitAndWait(ctx, &Task{ID: "bad", APKPath: "b.apk"}), wantErr)
}

// TestPool_PanicIsolation 测试任务 panic 不影响 Worker
func TestPool_PanicIsolation(t *testing.T) {
	pool := NewPool(executorFunc(func(ctx context.Context, taskID, apkPath string) error {
		if taskID == "panic" {
			panic("boom")
		}
		return nil
	}), PoolOptions{Workers: 1, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	assert.ErrorIs(t, pool.SubmitAndWait(ctx, &Task{ID: "panic"}), ErrPanic)
	assert.NoError(t, pool.SubmitAndWait(ctx, &Task{ID: "after"}))
}

// TestPool_QueueFull 测试队列满时拒绝提交
func TestPool_QueueFull(t *testing.T) {
	// 未启动的池不消费队列
	pool := NewPool(executorFunc(func(ctx context.Context, taskID, apkPath string) error {
		return nil
	}), PoolOptions{Workers: 1, QueueSize: 2, Logger: testLogger()})

	require.NoError(t, pool.Submit(&Task{ID: "1"}))
	require.NoError(t, pool.Submit(&Task{ID: "2"}))
	assert.ErrorIs(t, pool.Submit(&Task{ID: "3"}), ErrQueueFull)
	assert.Equal(t, 2, pool.GetQueueSize())
}

// TestPool_RequeueRetryable 测试可重试错误延迟后重新入队
func TestPool_RequeueRetryable(t *testing.T) {
	var attempts atomic.Int32
	done := make(chan struct{})
	pool := NewPool(executorFunc(func(ctx context.Context, taskID, apkPath string) error {
		n := attempts.Add(1)
		if n < 3 {
			return &RetryableError{TaskID: taskID, APKPath: apkPath, OriginalErr: errStorage, RetryCount: int(n), MaxRetry: 3}
		}
		close(done)
		return nil
	}), PoolOptions{Workers: 1, RetryDelay: time.Millisecond, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	require.NoError(t, pool.Submit(&Task{ID: "t1", APKPath: "a.apk"}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task was not retried")
	}
	assert.Equal(t, int32(3), attempts.Load())
}

// TestPool_Stop 测试停止后拒绝提交
func TestPool_Stop(t *testing.T) {
	observer := &statsObserver{}
	pool := NewPool(executorFunc(func(ctx context.Context, taskID, apkPath string) error {
		return nil
	}), PoolOptions{Workers: 2, Observer: observer, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	require.NoError(t, pool.SubmitAndWait(ctx, &Task{ID: "t1"}))
	pool.Stop()
	pool.Stop()

	assert.ErrorIs(t, pool.Submit(&Task{ID: "t2"}), ErrPoolStopped)
	assert.ErrorIs(t, pool.SubmitAndWait(ctx, &Task{ID: "t3"}), ErrPoolStopped)
	assert.Equal(t, 0, pool.ActiveWorkers())

	observer.mu.Lock()
	defer observer.mu.Unlock()
	assert.Equal(t, 1, observer.maxActive)
	assert.Positive(t, observer.calls)
}
