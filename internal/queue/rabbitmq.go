package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/config"
	"github.com/apk-analysis/apk-static-go/internal/retry"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

// ErrChannelClosed 当前没有可用的 Channel
var ErrChannelClosed = errors.New("rabbitmq channel is not open")

// defaultHeartbeat 心跳间隔
const defaultHeartbeat = 10 * time.Second

// Broker 生产者和消费者依赖的队列操作
type Broker interface {
	Publish(ctx context.Context, body []byte) error
	Consume() (<-chan amqp.Delivery, error)
	StartConnectionWatcher()
	GetReconnectChan() <-chan bool
	Reconnect(ctx context.Context) error
}

// RabbitMQ RabbitMQ 客户端
type RabbitMQ struct {
	cfg           config.RabbitMQConfig
	logger        *logrus.Logger
	prefetchCount int // 预取数量，应与 worker 数量匹配
	reconnect     chan bool
	retry         *retry.Config

	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	closed        bool
	watching      bool
	connNotify    chan *amqp.Error
	channelNotify chan *amqp.Error
}

// NewRabbitMQ 连接 RabbitMQ 并声明持久化队列
func NewRabbitMQ(cfg config.RabbitMQConfig, prefetchCount int, logger *logrus.Logger) (*RabbitMQ, error) {
	if prefetchCount <= 0 {
		prefetchCount = 1
	}
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}

	mq := &RabbitMQ{
		cfg:           cfg,
		logger:        logger,
		prefetchCount: prefetchCount,
		reconnect:     make(chan bool, 10),
		retry: &retry.Config{
			MaxAttempts:     10,
			InitialInterval: time.Second,
			MaxInterval:     30 * time.Second,
			Strategy:        retry.StrategyLinear,
			Logger:          logger,
		},
	}

	if err := mq.connect(); err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	return mq, nil
}

// URL 连接地址，用户名和密码会被转义
func URL(cfg config.RabbitMQConfig) string {
	vhost := cfg.VHost
	if vhost == "" {
		vhost = "/"
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.User,
		Password: cfg.Password,
		Vhost:    vhost,
	}.String()
}

// connect 建立连接、设置 QoS 并声明队列
func (mq *RabbitMQ) connect() error {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	conn, err := amqp.DialConfig(URL(mq.cfg), amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
	})
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open channel: %w", err)
	}

	if err := ch.Qos(mq.prefetchCount, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("set qos: %w", err)
	}

	if _, err := ch.QueueDeclare(
		mq.cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		conn.Close()
		return fmt.Errorf("declare queue %s: %w", mq.cfg.Queue, err)
	}

	mq.conn = conn
	mq.channel = ch
	mq.connNotify = conn.NotifyClose(make(chan *amqp.Error, 1))
	mq.channelNotify = ch.NotifyClose(make(chan *amqp.Error, 1))

	mq.logger.WithFields(logrus.Fields{
		"host":           mq.cfg.Host,
		"port":           mq.cfg.Port,
		"queue":          mq.cfg.Queue,
		"prefetch_count": mq.prefetchCount,
	}).Info("Connected to RabbitMQ")
	return nil
}

// StartConnectionWatcher 监听 Connection 和 Channel 关闭事件，只启动一次
func (mq *RabbitMQ) StartConnectionWatcher() {
	mq.mu.Lock()
	if mq.watching {
		mq.mu.Unlock()
		return
	}
	mq.watching = true
	mq.mu.Unlock()

	go func() {
		for {
			mq.mu.RLock()
			if mq.closed {
				mq.mu.RUnlock()
				return
			}
			connNotify := mq.connNotify
			channelNotify := mq.channelNotify
			mq.mu.RUnlock()

			var amqpErr *amqp.Error
			select {
			case amqpErr = <-connNotify:
			case amqpErr = <-channelNotify:
			}

			if mq.isClosed() {
				mq.logger.Info("Connection watcher stopped: RabbitMQ client closed")
				return
			}
			if amqpErr != nil {
				mq.logger.WithError(amqpErr).Error("RabbitMQ connection closed unexpectedly")
			} else {
				mq.logger.Warn("RabbitMQ connection closed")
			}
			mq.triggerReconnect()

			// 等待重连完成后再监听新的通知通道
			for !mq.isClosed() {
				mq.mu.RLock()
				reconnected := mq.connNotify != connNotify
				mq.mu.RUnlock()
				if reconnected {
					break
				}
				time.Sleep(time.Second)
			}
		}
	}()
}

func (mq *RabbitMQ) isClosed() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.closed
}

// triggerReconnect 非阻塞发送重连信号
func (mq *RabbitMQ) triggerReconnect() {
	select {
	case mq.reconnect <- true:
	default:
		mq.logger.Debug("Reconnect signal already pending")
	}
}

// Reconnect 关闭旧连接后按线性退避重连
func (mq *RabbitMQ) Reconnect(ctx context.Context) error {
	mq.closeConnections()

	attempt := 0
	return retry.Do(ctx, mq.retry, func(ctx context.Context) error {
		attempt++
		if mq.isClosed() {
			return retry.Permanent(ErrChannelClosed)
		}
		mq.logger.Infof("Attempting to reconnect to RabbitMQ (attempt %d/%d)", attempt, mq.retry.MaxAttempts)
		if err := mq.connect(); err != nil {
			return err
		}
		mq.logger.Info("Successfully reconnected to RabbitMQ")
		return nil
	})
}

// closeConnections 关闭现有连接，不设置 closed 标志
func (mq *RabbitMQ) closeConnections() {
	mq.mu.Lock()
	defer mq.mu.Unlock()

	if mq.channel != nil {
		mq.channel.Close()
		mq.channel = nil
	}
	if mq.conn != nil {
		mq.conn.Close()
		mq.conn = nil
	}
}

// Publish 发布持久化消息
func (mq *RabbitMQ) Publish(ctx context.Context, body []byte) error {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return ErrChannelClosed
	}

	return ch.PublishWithContext(
		ctx,
		"",           // exchange
		mq.cfg.Queue, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			DeliveryMode: amqp.Persistent,
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}

// Consume 手动确认模式消费
func (mq *RabbitMQ) Consume() (<-chan amqp.Delivery, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return nil, ErrChannelClosed
	}

	msgs, err := ch.Consume(
		mq.cfg.Queue,
		"",    // consumer
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", mq.cfg.Queue, err)
	}
	return msgs, nil
}

// QueueDepth 队列中等待的消息数
func (mq *RabbitMQ) QueueDepth() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrChannelClosed
	}

	queue, err := ch.QueueInspect(mq.cfg.Queue)
	if err != nil {
		return 0, fmt.Errorf("inspect %s: %w", mq.cfg.Queue, err)
	}
	return queue.Messages, nil
}

// Purge 清空队列，返回被删除的消息数
func (mq *RabbitMQ) Purge() (int, error) {
	mq.mu.RLock()
	ch := mq.channel
	mq.mu.RUnlock()
	if ch == nil {
		return 0, ErrChannelClosed
	}

	n, err := ch.QueuePurge(mq.cfg.Queue, false)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", mq.cfg.Queue, err)
	}
	return n, nil
}

// GetReconnectChan 获取重连信号通道
func (mq *RabbitMQ) GetReconnectChan() <-chan bool {
	return mq.reconnect
}

// IsConnected 检查连接状态
func (mq *RabbitMQ) IsConnected() bool {
	mq.mu.RLock()
	defer mq.mu.RUnlock()
	return mq.conn != nil && !mq.conn.IsClosed()
}

// Close 关闭连接
func (mq *RabbitMQ) Close() error {
	mq.mu.Lock()
	mq.closed = true
	mq.mu.Unlock()

	mq.closeConnections()
	mq.logger.Info("RabbitMQ connection closed")
	return nil
}
