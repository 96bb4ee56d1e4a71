package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/service"
	"github.com/apk-analysis/apk-static-go/internal/worker"
	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"
)

// FileHandler 文件处理函数
type FileHandler func(ctx context.Context, filePath string) error

// Options 监控参数，零值使用默认值
type Options struct {
	Pattern       string        // 文件名 glob，不区分大小写，默认 "*.apk"
	Debounce      time.Duration // 同一文件多次事件的合并窗口
	ReadyInterval time.Duration // 检查文件大小是否稳定的间隔
	ReadyAttempts int
	ScanExisting  bool // 启动时处理目录中已有的文件
}

func (o *Options) setDefaults() {
	if o.Pattern == "" {
		o.Pattern = "*.apk"
	}
	if o.Debounce <= 0 {
		o.Debounce = 2 * time.Second
	}
	if o.ReadyInterval <= 0 {
		o.ReadyInterval = 500 * time.Millisecond
	}
	if o.ReadyAttempts <= 0 {
		o.ReadyAttempts = 10
	}
}

// FileWatcher 监控收件目录，新 APK 写入完成后交给处理函数
type FileWatcher struct {
	watcher  *fsnotify.Watcher
	watchDir string
	matcher  glob.Glob
	opts     Options
	handler  FileHandler
	logger   *logrus.Logger

	mu         sync.Mutex
	processing map[string]bool
	wg         sync.WaitGroup
	stopOnce   sync.Once
	stopChan   chan struct{}
}

// NewFileWatcher 创建文件监控器
func NewFileWatcher(watchDir string, opts Options, handler FileHandler, logger *logrus.Logger) (*FileWatcher, error) {
	opts.setDefaults()
	matcher, err := glob.Compile(strings.ToLower(opts.Pattern))
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", opts.Pattern, err)
	}

	if err := os.MkdirAll(watchDir, 0755); err != nil {
		return nil, fmt.Errorf("create watch directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(watchDir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", watchDir, err)
	}

	logger.WithFields(logrus.Fields{
		"watch_dir": watchDir,
		"pattern":   opts.Pattern,
	}).Info("File watcher created")

	return &FileWatcher{
		watcher:    watcher,
		watchDir:   watchDir,
		matcher:    matcher,
		opts:       opts,
		handler:    handler,
		logger:     logger,
		processing: make(map[string]bool),
		stopChan:   make(chan struct{}),
	}, nil
}

// Start 启动事件循环
func (fw *FileWatcher) Start(ctx context.Context) error {
	if fw.opts.ScanExisting {
		if err := fw.scanExistingFiles(ctx); err != nil {
			fw.logger.WithError(err).Warn("Failed to scan existing files")
		}
	}

	fw.wg.Add(1)
	go fw.eventLoop(ctx)
	fw.logger.Info("File watcher started successfully")
	return nil
}

// scanExistingFiles 处理目录中已有的文件
func (fw *FileWatcher) scanExistingFiles(ctx context.Context) error {
	entries, err := os.ReadDir(fw.watchDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !fw.Match(entry.Name()) {
			continue
		}
		filePath := filepath.Join(fw.watchDir, entry.Name())
		fw.logger.WithField("file", entry.Name()).Info("Found existing file")
		fw.wg.Add(1)
		go func() {
			defer fw.wg.Done()
			fw.handleFile(ctx, filePath)
		}()
	}
	return nil
}

// eventLoop 事件循环，防抖计时器只在本协程内访问
func (fw *FileWatcher) eventLoop(ctx context.Context) {
	defer fw.wg.Done()

	timers := make(map[string]*time.Timer)
	fired := make(chan string)
	defer func() {
		for _, timer := range timers {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopChan:
			return

		case event, ok := <-fw.watcher.Events:
			if !ok {
				fw.logger.Warn("Watcher events channel closed")
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fw.Match(filepath.Base(event.Name)) {
				continue
			}

			fw.logger.WithFields(logrus.Fields{
				"event": event.Op.String(),
				"file":  event.Name,
			}).Debug("File event detected")

			if timer, exists := timers[event.Name]; exists {
				timer.Stop()
			}
			name := event.Name
			timers[name] = time.AfterFunc(fw.opts.Debounce, func() {
				select {
				case fired <- name:
				case <-ctx.Done():
				case <-fw.stopChan:
				}
			})

		case name := <-fired:
			delete(timers, name)
			fw.wg.Add(1)
			go func() {
				defer fw.wg.Done()
				fw.handleFile(ctx, name)
			}()

		case err, ok := <-fw.watcher.Errors:
			if !ok {
				fw.logger.Warn("Watcher errors channel closed")
				return
			}
			fw.logger.WithError(err).Error("Watcher error")
		}
	}
}

// handleFile 同一文件同时只处理一次
func (fw *FileWatcher) handleFile(ctx context.Context, filePath string) {
	fw.mu.Lock()
	if fw.processing[filePath] {
		fw.mu.Unlock()
		fw.logger.WithField("file", filePath).Debug("File is already being processed")
		return
	}
	fw.processing[filePath] = true
	fw.mu.Unlock()
	defer func() {
		fw.mu.Lock()
		delete(fw.processing, filePath)
		fw.mu.Unlock()
	}()

	if err := fw.waitForFileReady(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("File not ready")
		return
	}

	if err := fw.handler(ctx, filePath); err != nil {
		fw.logger.WithError(err).WithField("file", filePath).Error("Failed to process file")
		return
	}
	fw.logger.WithField("file", filePath).Info("File processed successfully")
}

// waitForFileReady 文件非空且大小在一个间隔内不变时视为写入完成
func (fw *FileWatcher) waitForFileReady(ctx context.Context, filePath string) error {
	var lastSize int64 = -1
	for i := 0; i < fw.opts.ReadyAttempts; i++ {
		info, err := os.Stat(filePath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("file does not exist: %w", err)
			}
		} else {
			if info.Size() > 0 && info.Size() == lastSize {
				return nil
			}
			lastSize = info.Size()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(fw.opts.ReadyInterval):
		}
	}
	return fmt.Errorf("file not ready after %d attempts", fw.opts.ReadyAttempts)
}

// Match 文件名是否匹配，不区分大小写
func (fw *FileWatcher) Match(fileName string) bool {
	return fw.matcher.Match(strings.ToLower(fileName))
}

// Stop 停止监控并等待处理中的文件结束
func (fw *FileWatcher) Stop() error {
	var err error
	fw.stopOnce.Do(func() {
		fw.logger.Info("Stopping file watcher")
		close(fw.stopChan)
		err = fw.watcher.Close()
		fw.wg.Wait()
	})
	return err
}

// GetWatchDir 获取监控目录
func (fw *FileWatcher) GetWatchDir() string {
	return fw.watchDir
}

// TaskFileHandler 为新文件创建任务并派发
func TaskFileHandler(svc service.TaskService, dispatcher worker.Dispatcher, logger *logrus.Logger) FileHandler {
	return func(ctx context.Context, filePath string) error {
		task, err := svc.CreateTask(ctx, filepath.Base(filePath), filePath)
		if errors.Is(err, service.ErrDuplicateTask) {
			logger.WithField("file", filePath).Info("Task already created recently, skipping")
			return nil
		}
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := dispatcher.Dispatch(ctx, task.ID, task.APKPath); err != nil {
			return fmt.Errorf("dispatch task %s: %w", task.ID, err)
		}
		logger.WithFields(logrus.Fields{
			"task_id": task.ID,
			"file":    filePath,
		}).Info("Task created from watched file")
		return nil
	}
}
