package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// TaskMessage 任务消息
type TaskMessage struct {
	TaskID  string `json:"task_id"`
	APKName string `json:"apk_name"`
	APKPath string `json:"apk_path"`
}

// Validate 检查必填字段
func (m *TaskMessage) Validate() error {
	if m.TaskID == "" {
		return fmt.Errorf("task message: missing task_id")
	}
	if m.APKPath == "" {
		return fmt.Errorf("task message %s: missing apk_path", m.TaskID)
	}
	return nil
}

// Producer 消息生产者，实现 worker.Dispatcher
type Producer struct {
	broker Broker
	logger *logrus.Logger
}

// NewProducer 创建生产者
func NewProducer(broker Broker, logger *logrus.Logger) *Producer {
	return &Producer{
		broker: broker,
		logger: logger,
	}
}

// PublishTask 发布任务消息
func (p *Producer) PublishTask(ctx context.Context, msg *TaskMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal task message: %w", err)
	}

	if err := p.broker.Publish(ctx, body); err != nil {
		p.logger.WithError(err).WithField("task_id", msg.TaskID).Error("Failed to publish task")
		return fmt.Errorf("publish task %s: %w", msg.TaskID, err)
	}

	p.logger.WithFields(logrus.Fields{
		"task_id":  msg.TaskID,
		"apk_name": msg.APKName,
	}).Info("Task published to queue")
	return nil
}

// Dispatch 把任务发布到队列
func (p *Producer) Dispatch(ctx context.Context, taskID, apkPath string) error {
	return p.PublishTask(ctx, &TaskMessage{
		TaskID:  taskID,
		APKName: filepath.Base(apkPath),
		APKPath: apkPath,
	})
}
