package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/api"
	"github.com/apk-analysis/apk-static-go/internal/api/handlers"
	"github.com/apk-analysis/apk-static-go/internal/config"
	"github.com/apk-analysis/apk-static-go/internal/middleware"
	"github.com/apk-analysis/apk-static-go/internal/queue"
	"github.com/apk-analysis/apk-static-go/internal/repository"
	"github.com/apk-analysis/apk-static-go/internal/service"
	"github.com/apk-analysis/apk-static-go/internal/staticanalysis"
	"github.com/apk-analysis/apk-static-go/internal/tracing"
	"github.com/apk-analysis/apk-static-go/internal/watcher"
	"github.com/apk-analysis/apk-static-go/internal/worker"
	"github.com/sirupsen/logrus"
)

var (
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "配置文件路径")
	flag.Parse()

	fmt.Printf("APK Static Analysis Server\n")
	fmt.Printf("Version: %s\n", api.Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Git Commit: %s\n\n", GitCommit)

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. 初始化日志
	logger := config.InitLogger(&cfg.Log)
	logger.Infof("Starting APK Static Analysis Server %s", api.Version)
	logger.Infof("Config loaded from: %s", *configPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 链路追踪
	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing, api.Version, logger)
	if err != nil {
		logger.Fatalf("Failed to init tracing: %v", err)
	}

	// 4. 初始化数据库（含表结构迁移）
	db, err := repository.InitDB(&cfg.Database, logger)
	if err != nil {
		logger.Fatalf("Failed to init database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatalf("Failed to get sql.DB: %v", err)
	}
	logger.Info("Database connected successfully")

	// 5. 监控指标
	metrics := middleware.NewPrometheusMetrics(logger, "")
	memMonitor := middleware.NewMemoryMonitor(logger, metrics, sqlDB, 0)
	go memMonitor.Run(ctx)

	// 6. Repository 与 Service
	taskRepo := repository.NewTaskRepository(db, logger)
	reportRepo := repository.NewStaticReportRepository(db)
	taskService := service.NewTaskService(taskRepo, reportRepo, logger)

	if _, err := taskRepo.RequeueInterrupted(ctx); err != nil {
		logger.WithError(err).Warn("Failed to requeue interrupted tasks")
	}

	// 7. 分析器，参考数据缺失时无法提供服务
	analyzer, err := staticanalysis.Setup(ctx, cfg.Analysis, logger)
	if err != nil {
		logger.Fatalf("Failed to init static analyzer: %v", err)
	}

	// 8. 进度推送与 Worker 池
	hub := handlers.NewProgressHub(logger)
	go hub.Run(ctx)

	runner := worker.NewTaskRunner(worker.RunnerOptions{
		Analyzer:   analyzer,
		Sink:       &worker.JSONSink{Dir: cfg.Analysis.OutputDir, Pretty: cfg.Analysis.Pretty},
		TaskRepo:   taskRepo,
		ReportRepo: reportRepo,
		Notifier:   hub,
		Metrics:    metrics,
		Timeout:    time.Duration(cfg.Analysis.TaskTimeout) * time.Second,
		Logger:     logger,
	})
	pool := worker.NewPool(runner, worker.PoolOptions{
		Workers:    cfg.Worker.Concurrency,
		QueueSize:  cfg.Worker.QueueSize,
		RetryDelay: 5 * time.Second,
		Observer:   metrics,
		Logger:     logger,
	})
	pool.Start(ctx)

	// 9. 任务派发：启用 RabbitMQ 时经队列，否则直接进入本地 Worker 池
	var dispatcher worker.Dispatcher = pool
	var consumer *queue.Consumer
	var mq *queue.RabbitMQ
	if cfg.RabbitMQ.Enabled {
		mq, err = queue.NewRabbitMQ(cfg.RabbitMQ, cfg.Worker.Concurrency, logger)
		if err != nil {
			logger.Fatalf("Failed to init RabbitMQ: %v", err)
		}
		dispatcher = queue.NewProducer(mq, logger)

		// 数据库是唯一数据源，重新投递前清空残留消息
		if purged, err := mq.Purge(); err != nil {
			logger.WithError(err).Warn("Failed to purge queue, continuing with republish")
		} else if purged > 0 {
			logger.WithField("purged_count", purged).Info("Cleared stale messages from queue")
		}

		consumer = queue.NewConsumer(mq, queue.PoolHandler(pool), cfg.Worker.Concurrency, logger)
		if err := consumer.Start(ctx); err != nil {
			logger.Fatalf("Failed to start consumer: %v", err)
		}
	}

	redispatchQueued(ctx, taskRepo, dispatcher, logger)

	// 10. 收件目录监控
	var fileWatcher *watcher.FileWatcher
	if cfg.Watcher.Enabled {
		dir := cfg.Watcher.Dir
		if dir == "" {
			dir = cfg.APKDir
		}
		fileWatcher, err = watcher.NewFileWatcher(dir, watcher.Options{
			Pattern:      cfg.Watcher.Pattern,
			ScanExisting: cfg.Watcher.ScanExisting,
		}, watcher.TaskFileHandler(taskService, dispatcher, logger), logger)
		if err != nil {
			logger.Fatalf("Failed to create file watcher: %v", err)
		}
		if err := fileWatcher.Start(ctx); err != nil {
			logger.Fatalf("Failed to start file watcher: %v", err)
		}
	}

	// 11. HTTP 路由
	taskHandler := handlers.NewTaskHandler(handlers.TaskHandlerOptions{
		TaskService: taskService,
		Dispatcher:  dispatcher,
		Counter:     metrics,
		InboundPath: cfg.APKDir,
		Logger:      logger,
	})
	router := api.SetupRouter(api.RouterDeps{
		Config:      cfg,
		Logger:      logger,
		TaskHandler: taskHandler,
		ProgressHub: hub,
		Metrics:     metrics,
		MemMonitor:  memMonitor,
		RateLimiter: middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, metrics),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute, // 大文件上传
		WriteTimeout:      time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Infof("HTTP server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	// 优雅关闭 (30秒超时)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("HTTP server shutdown error: %v", err)
	}
	if fileWatcher != nil {
		fileWatcher.Stop()
	}
	if consumer != nil {
		consumer.Stop()
	}
	pool.Stop()
	if mq != nil {
		mq.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Failed to flush traces")
	}
	sqlDB.Close()

	logger.Info("Server stopped")
}

// redispatchQueued 重新派发数据库中排队的任务
//
// 派发失败的任务保持 queued，下次启动时再次派发
func redispatchQueued(ctx context.Context, repo repository.TaskRepository, dispatcher worker.Dispatcher, logger *logrus.Logger) {
	tasks, err := repo.ListQueuedTasks(ctx)
	if err != nil {
		logger.WithError(err).Error("Failed to list queued tasks")
		return
	}
	if len(tasks) == 0 {
		logger.Info("No queued tasks to dispatch")
		return
	}

	success := 0
	for _, task := range tasks {
		if err := dispatcher.Dispatch(ctx, task.ID, task.APKPath); err != nil {
			logger.WithError(err).WithField("task_id", task.ID).Error("Failed to redispatch task")
			continue
		}
		success++
	}

	logger.WithFields(logrus.Fields{
		"total":   len(tasks),
		"success": success,
		"failed":  len(tasks) - success,
	}).Info("Queued tasks redispatched")
}
