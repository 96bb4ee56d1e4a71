// Package retry 报告持久化等可恢复操作的重试
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Strategy 退避策略
type Strategy string

const (
	StrategyFixed       Strategy = "fixed"       // 固定间隔
	StrategyLinear      Strategy = "linear"      // 线性递增
	StrategyExponential Strategy = "exponential" // 指数退避
)

// Config 重试配置
type Config struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Strategy        Strategy
	Timeout         time.Duration // 总超时，0 表示不限
	Logger          *logrus.Logger

	// Retryable 额外的错误分类，返回 false 立即终止
	// 优先级低于 Permanent 标记
	Retryable func(error) bool
}

// DefaultConfig 数据库写入的默认重试配置
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Strategy:        StrategyExponential,
		Timeout:         time.Minute,
		Logger:          logrus.StandardLogger(),
	}
}

// permanentError 标记为不可重试的错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent 将错误标记为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 错误链中是否带有不可重试标记
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

func (c *Config) retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case IsPermanent(err):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case c.Retryable != nil:
		return c.Retryable(err)
	default:
		return true
	}
}

// Backoff 第 attempt 次失败后的等待时间
func (c *Config) Backoff(attempt int) time.Duration {
	var next time.Duration
	switch c.Strategy {
	case StrategyLinear:
		next = c.InitialInterval * time.Duration(attempt)
	case StrategyExponential:
		next = c.InitialInterval * time.Duration(1<<(attempt-1))
	default:
		next = c.InitialInterval
	}
	if c.MaxInterval > 0 && next > c.MaxInterval {
		next = c.MaxInterval
	}
	return next
}

// Func 可重试的操作
type Func func(ctx context.Context) error

// Do 执行带重试的操作
func Do(ctx context.Context, config *Config, fn Func) error {
	if config == nil {
		config = DefaultConfig()
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, config.Timeout)
		defer cancel()
	}

	var lastErr error
	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry canceled: %w", err)
		}

		startTime := time.Now()
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				logger.WithField("attempt", attempt).Info("Operation succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if !config.retryable(err) {
			return err
		}

		logger.WithFields(logrus.Fields{
			"attempt":  attempt,
			"max":      config.MaxAttempts,
			"duration": time.Since(startTime),
			"error":    err.Error(),
		}).Warn("Operation failed")

		if attempt >= config.MaxAttempts {
			break
		}

		wait := config.Backoff(attempt)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry canceled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("max attempts (%d) reached: %w", config.MaxAttempts, lastErr)
}

// DoWithResult 执行带重试的操作（返回结果）
func DoWithResult[T any](ctx context.Context, config *Config, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := Do(ctx, config, func(ctx context.Context) error {
		res, err := fn(ctx)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}
