package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/config"
	"github.com/apk-analysis/apk-static-go/internal/worker"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBroker 内存中的 Broker
type fakeBroker struct {
	mu         sync.Mutex
	published  [][]byte
	publishErr error
	deliveries chan amqp.Delivery
	reconnect  chan bool
	reconnects int
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		deliveries: make(chan amqp.Delivery, 16),
		reconnect:  make(chan bool, 1),
	}
}

func (b *fakeBroker) Publish(ctx context.Context, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, body)
	return nil
}

func (b *fakeBroker) Consume() (<-chan amqp.Delivery, error) { return b.deliveries, nil }
func (b *fakeBroker) StartConnectionWatcher() {}
func (b *fakeBroker) GetReconnectChan() <-chan bool { return b.reconnect }

func (b *fakeBroker) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reconnects++
	return nil
}

// ackRecorder 记录确认结果
type ackRecorder struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
	done    chan struct{}
}

func newAckRecorder() *ackRecorder {
	return &ackRecorder{done: make(chan struct{}, 16)}
}

func (a *ackRecorder) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	a.acked = append(a.acked, tag)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *ackRecorder) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	a.nacked = append(a.nacked, tag)
	a.requeue = append(a.requeue, requeue)
	a.mu.Unlock()
	a.done <- struct{}{}
	return nil
}

func (a *ackRecorder) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *ackRecorder) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for acknowledgement %d/%d", i+1, n)
		}
	}
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

// TestProducer_Dispatch 测试消息格式
func TestProducer_Dispatch(t *testing.T) {
	broker := newFakeBroker()
	p := NewProducer(broker, testLogger())

	require.NoError(t, p.Dispatch(context.Background(), "task-1", "/inbox/demo.apk"))
	require.Len(t, broker.published, 1)

	var msg TaskMessage
	require.NoError(t, json.Unmarshal(broker.published[0], &msg))
	assert.Equal(t, TaskMessage{TaskID: "task-1", APKName: "demo.apk", APKPath: "/inbox/demo.apk"}, msg)

	assert.Error(t, p.Dispatch(context.Background(), "", "/inbox/demo.apk"))

	broker.publishErr = ErrChannelClosed
	assert.ErrorIs(t, p.Dispatch(context.Background(), "task-2", "/inbox/b.apk"), ErrChannelClosed)
}

// TestConsumer_Acknowledgement 测试确认与重新入队
func TestConsumer_Acknowledgement(t *testing.T) {
	broker := newFakeBroker()
	ack := newAckRecorder()

	handler := func(ctx context.Context, msg *TaskMessage) error {
		switch msg.TaskID {
		case "retry":
			return fmt.Errorf("%w: storage", ErrRequeue)
		case "failed":
			return errors.New("invalid apk")
		}
		return nil
	}
	c := NewConsumer(broker, handler, 1, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))
	assert.True(t, c.IsRunning())

	broker.deliveries <- delivery(ack, 1, `{"task_id":"ok","apk_path":"/a.apk"}`)
	broker.deliveries <- delivery(ack, 2, `{"task_id":"retry","apk_path":"/b.apk"}`)
	broker.deliveries <- delivery(ack, 3, `{"task_id":"failed","apk_path":"/c.apk"}`)
	broker.deliveries <- delivery(ack, 4, `not json`)
	broker.deliveries <- delivery(ack, 5, `{"task_id":"no-path"}`)
	ack.wait(t, 5)

	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Equal(t, []uint64{1, 3}, ack.acked)
	assert.Equal(t, []uint64{2, 4, 5}, ack.nacked)
	assert.Equal(t, []bool{true, false, false}, ack.requeue)
}

// TestConsumer_Reconnect 测试重连后重新消费
func TestConsumer_Reconnect(t *testing.T) {
	broker := newFakeBroker()
	ack := newAckRecorder()
	c := NewConsumer(broker, func(ctx context.Context, msg *TaskMessage) error { return nil }, 2, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Start(ctx))

	broker.reconnect <- true
	require.Eventually(t, func() bool {
		broker.mu.Lock()
		defer broker.mu.Unlock()
		return broker.reconnects == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, c.IsRunning, 2*time.Second, 10*time.Millisecond)

	broker.deliveries <- delivery(ack, 7, `{"task_id":"after","apk_path":"/a.apk"}`)
	ack.wait(t, 1)

	c.Stop()
	assert.False(t, c.IsRunning())
	assert.Equal(t, 0, c.GetActiveWorkers())
}

type executorFunc func(ctx context.Context, taskID, apkPath string) error

func (f executorFunc) Execute(ctx context.Context, taskID, apkPath string) error {
	return f(ctx, taskID, apkPath)
}

// TestPoolHandler 测试 Worker 池结果到确认策略的映射
func TestPoolHandler(t *testing.T) {
	pool := worker.NewPool(executorFunc(func(ctx context.Context, taskID, apkPath string) error {
		switch taskID {
		case "retry":
			return &worker.RetryableError{TaskID: taskID, OriginalErr: errors.New("locked"), RetryCount: 1, MaxRetry: 3}
		case "failed":
			return errors.New("invalid apk")
		}
		return nil
	}), worker.PoolOptions{Workers: 1, Logger: testLogger()})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)

	handle := PoolHandler(pool)
	assert.NoError(t, handle(ctx, &TaskMessage{TaskID: "ok", APKPath: "/a.apk"}))
	assert.ErrorIs(t, handle(ctx, &TaskMessage{TaskID: "retry", APKPath: "/a.apk"}), ErrRequeue)

	err := handle(ctx, &TaskMessage{TaskID: "failed", APKPath: "/a.apk"})
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrRequeue)

	pool.Stop()
	assert.ErrorIs(t, handle(ctx, &TaskMessage{TaskID: "ok", APKPath: "/a.apk"}), ErrRequeue)
}

// TestURL 测试连接地址转义
func TestURL(t *testing.T) {
	raw := URL(config.RabbitMQConfig{Host: "mq.local", Port: 5673, User: "apk", Password: "p@ss/word"})
	uri, err := amqp.ParseURI(raw)
	require.NoError(t, err)
	assert.Equal(t, "mq.local", uri.Host)
	assert.Equal(t, 5673, uri.Port)
	assert.Equal(t, "apk", uri.Username)
	assert.Equal(t, "p@ss/word", uri.Password)
	assert.Equal(t, "/", uri.Vhost)
}
