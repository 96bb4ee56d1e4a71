package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/worker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrRequeue 处理函数要求消息重新入队
var ErrRequeue = errors.New("message should be requeued")

// TaskHandler 任务处理函数
//
// 返回包装了 ErrRequeue 的错误时消息重新入队；其他错误视为任务已自行记录失败，
// 消息照常确认
type TaskHandler func(ctx context.Context, msg *TaskMessage) error

// PoolHandler 把消息交给本地 Worker 池并等待执行结束
//
// 可重试失败和池不可用时要求重新入队，由 broker 负责再次投递
func PoolHandler(pool *worker.Pool) TaskHandler {
	return func(ctx context.Context, msg *TaskMessage) error {
		err := pool.SubmitAndWait(ctx, &worker.Task{ID: msg.TaskID, APKPath: msg.APKPath})
		if err == nil {
			return nil
		}
		if _, ok := worker.IsRetryableError(err); ok ||
			errors.Is(err, worker.ErrPoolStopped) ||
			errors.Is(err, worker.ErrQueueFull) {
			return fmt.Errorf("%w: %w", ErrRequeue, err)
		}
		return err
	}
}

// Consumer 消息消费者
type Consumer struct {
	broker        Broker
	logger        *logrus.Logger
	handler       TaskHandler
	workerPool    int
	workerWg      sync.WaitGroup
	activeWorkers atomic.Int32

	mu         sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
}

// NewConsumer 创建消费者
func NewConsumer(broker Broker, handler TaskHandler, workerPool int, logger *logrus.Logger) *Consumer {
	if workerPool <= 0 {
		workerPool = 1
	}
	return &Consumer{
		broker:     broker,
		logger:     logger,
		handler:    handler,
		workerPool: workerPool,
	}
}

// Start 启动消费者和重连处理
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.startWorkers(ctx); err != nil {
		return err
	}
	c.broker.StartConnectionWatcher()
	go c.handleReconnect(ctx)
	return nil
}

func (c *Consumer) startWorkers(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		c.logger.Warn("Consumer already running, skipping start")
		return nil
	}

	msgs, err := c.broker.Consume()
	if err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}

	workerCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel
	c.running = true

	c.logger.Infof("Starting consumer with %d workers", c.workerPool)
	for i := 0; i < c.workerPool; i++ {
		c.workerWg.Add(1)
		go c.worker(workerCtx, i, msgs)
	}
	return nil
}

// worker 工作协程
func (c *Consumer) worker(ctx context.Context, id int, msgs <-chan amqp.Delivery) {
	defer c.workerWg.Done()
	c.activeWorkers.Add(1)
	defer c.activeWorkers.Add(-1)

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Warnf("Worker %d: message channel closed", id)
				return
			}
			c.processMessage(ctx, id, msg)
		}
	}
}

// processMessage 处理单条消息
func (c *Consumer) processMessage(ctx context.Context, workerID int, delivery amqp.Delivery) {
	startTime := time.Now()

	var msg TaskMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		c.logger.WithError(err).Error("Failed to unmarshal message")
		delivery.Nack(false, false)
		return
	}
	if err := msg.Validate(); err != nil {
		c.logger.WithError(err).Error("Invalid task message")
		delivery.Nack(false, false)
		return
	}

	logger := c.logger.WithFields(logrus.Fields{
		"worker_id": workerID,
		"task_id":   msg.TaskID,
	})
	logger.WithField("apk_name", msg.APKName).Info("Processing task")

	err := c.handler(ctx, &msg)
	switch {
	case err == nil:
	case errors.Is(err, ErrRequeue) || ctx.Err() != nil:
		logger.WithError(err).Warn("Task requeued")
		if nackErr := delivery.Nack(false, true); nackErr != nil {
			logger.WithError(nackErr).Error("Failed to requeue message")
		}
		return
	default:
		logger.WithError(err).Error("Task processing failed")
	}

	if err := delivery.Ack(false); err != nil {
		logger.WithError(err).Error("Failed to acknowledge message")
		return
	}
	logger.WithField("duration", time.Since(startTime).Seconds()).Info("Message acknowledged")
}

// handleReconnect 收到重连信号后停止 worker、重连并重新消费
func (c *Consumer) handleReconnect(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-c.broker.GetReconnectChan():
			if !ok {
				return
			}
			c.logger.Warn("Connection lost, attempting to reconnect...")
			c.stopWorkers()

			if err := c.broker.Reconnect(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to reconnect, will retry on next signal")
				continue
			}
			if err := c.startWorkers(ctx); err != nil {
				c.logger.WithError(err).Error("Failed to restart consumer")
			}
		}
	}
}

// stopWorkers 停止所有 worker，最多等待 30 秒
func (c *Consumer) stopWorkers() {
	c.mu.Lock()
	if c.cancelFunc != nil {
		c.cancelFunc()
		c.cancelFunc = nil
	}
	c.running = false
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.workerWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		c.logger.Warn("Timeout waiting for workers to stop")
	}
}

// Stop 停止消费者
func (c *Consumer) Stop() {
	c.logger.Info("Stopping consumer...")
	c.stopWorkers()
	c.logger.Info("Consumer stopped")
}

// GetActiveWorkers 获取活跃 worker 数量
func (c *Consumer) GetActiveWorkers() int {
	return int(c.activeWorkers.Load())
}

// IsRunning 检查消费者是否正在运行
func (c *Consumer) IsRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}
