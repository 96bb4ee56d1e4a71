package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrQueueFull 任务队列已满
var ErrQueueFull = errors.New("task queue is full")

// ErrPoolStopped Worker 池已停止
var ErrPoolStopped = errors.New("worker pool is stopped")

// Executor 执行单个任务
type Executor interface {
	Execute(ctx context.Context, taskID, apkPath string) error
}

// PoolObserver Worker 池状态上报
type PoolObserver interface {
	UpdateWorkerPoolStats(size, active, queueSize int)
}

// Pool Worker 池
type Pool struct {
	workers    int
	taskChan   chan *Task
	executor   Executor
	observer   PoolObserver
	retryDelay time.Duration
	logger     *logrus.Logger
	wg         sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
	active  atomic.Int32
}

// Task 任务
type Task struct {
	ID       string
	APKPath  string
	resultCh chan error // 用于同步等待任务完成
}

// PoolOptions Worker 池配置
type PoolOptions struct {
	Workers    int
	QueueSize  int
	RetryDelay time.Duration // 可重试失败后重新入队前的等待
	Observer   PoolObserver
	Logger     *logrus.Logger
}

// NewPool 创建 Worker 池
func NewPool(executor Executor, opts PoolOptions) *Pool {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 100
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Pool{
		workers:    opts.Workers,
		taskChan:   make(chan *Task, opts.QueueSize),
		executor:   executor,
		observer:   opts.Observer,
		retryDelay: opts.RetryDelay,
		logger:     opts.Logger,
	}
}

// Start 启动 Worker 池
func (p *Pool) Start(ctx context.Context) {
	p.logger.WithField("workers", p.workers).Info("Starting worker pool")

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.reportStats()
}

// worker Worker 协程
func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			p.logger.WithField("worker_id", id).Info("Worker shutting down")
			return

		case task, ok := <-p.taskChan:
			if !ok {
				return
			}
			p.run(ctx, id, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, id int, task *Task) {
	p.active.Add(1)
	p.reportStats()
	defer func() {
		p.active.Add(-1)
		p.reportStats()
	}()

	logger := p.logger.WithFields(logrus.Fields{
		"worker_id": id,
		"task_id":   task.ID,
	})
	logger.WithField("apk_path", task.APKPath).Info("Processing task")

	err := p.execute(ctx, task)

	if retryErr, ok := IsRetryableError(err); ok {
		logger.WithFields(logrus.Fields{
			"retry_count": retryErr.RetryCount,
			"max_retry":   retryErr.MaxRetry,
		}).Warn("Task failed and reset for retry")
		if task.resultCh == nil {
			p.requeue(ctx, task)
			return
		}
	} else if err != nil {
		logger.WithError(err).Error("Task execution failed")
	}

	// 如果有结果通道，发送结果
	if task.resultCh != nil {
		task.resultCh <- err
		close(task.resultCh)
	}
}

// execute 隔离单个任务的 panic
func (p *Pool) execute(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithFields(logrus.Fields{"task_id": task.ID, "panic": r}).Error("Task panicked")
			err = ErrPanic
		}
	}()
	return p.executor.Execute(ctx, task.ID, task.APKPath)
}

// requeue 延迟后重新入队
func (p *Pool) requeue(ctx context.Context, task *Task) {
	go func() {
		timer := time.NewTimer(p.retryDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if err := p.Submit(&Task{ID: task.ID, APKPath: task.APKPath}); err != nil {
			p.logger.WithError(err).WithField("task_id", task.ID).Error("Failed to requeue task")
		}
	}()
}

// Submit 提交任务（异步，不等待结果）
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskChan <- task:
		p.logger.WithField("task_id", task.ID).Debug("Task submitted to pool")
		p.reportStats()
		return nil
	default:
		return ErrQueueFull
	}
}

// SubmitAndWait 提交任务并等待完成
func (p *Pool) SubmitAndWait(ctx context.Context, task *Task) error {
	task.resultCh = make(chan error, 1)

	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		return ErrPoolStopped
	}
	select {
	case p.taskChan <- task:
		p.mu.RUnlock()
	case <-ctx.Done():
		p.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-task.resultCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop 停止 Worker 池，等待执行中的任务结束
func (p *Pool) Stop() {
	p.logger.Info("Stopping worker pool")
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.taskChan)
	}
	p.mu.Unlock()
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

// GetQueueSize 获取队列中任务数
func (p *Pool) GetQueueSize() int {
	return len(p.taskChan)
}

// ActiveWorkers 正在执行任务的 Worker 数
func (p *Pool) ActiveWorkers() int {
	return int(p.active.Load())
}

func (p *Pool) reportStats() {
	if p.observer != nil {
		p.observer.UpdateWorkerPoolStats(p.workers, p.ActiveWorkers(), p.GetQueueSize())
	}
}

// Dispatcher 把已入库的任务交给执行端
type Dispatcher interface {
	Dispatch(ctx context.Context, taskID, apkPath string) error
}

// Dispatch 异步提交到本地 Worker 池
func (p *Pool) Dispatch(ctx context.Context, taskID, apkPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.Submit(&Task{ID: taskID, APKPath: apkPath})
}
