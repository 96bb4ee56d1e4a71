package config

import (
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	RabbitMQ  RabbitMQConfig  `mapstructure:"rabbitmq"`
	Analysis  AnalysisConfig  `mapstructure:"analysis"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Watcher   WatcherConfig   `mapstructure:"watcher"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	APKDir    string          `mapstructure:"apk_dir"` // 上传的 APK 存放目录
}

type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`      // debug, release
	APIToken string `mapstructure:"api_token"` // 为空时不校验
}

type DatabaseConfig struct {
	Type     string `mapstructure:"type"` // mysql, sqlite
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Path     string `mapstructure:"path"` // sqlite 文件路径
}

type RabbitMQConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	VHost    string `mapstructure:"vhost"`
	Queue    string `mapstructure:"queue"`
}

// AnalysisConfig 静态分析配置
type AnalysisConfig struct {
	FilterPath           string `mapstructure:"filter_path"`           // 过滤规则 JSON，为空时使用内置规则
	DatasetsDir          string `mapstructure:"datasets_dir"`          // 参考数据目录
	TraversalConcurrency int    `mapstructure:"traversal_concurrency"` // 单个 APK 的类遍历并发数
	OutputDir            string `mapstructure:"output_dir"`            // JSON 结果目录
	Pretty               bool   `mapstructure:"pretty"`
	ExactAPILevel        bool   `mapstructure:"exact_api_level"`
	TaskTimeout          int    `mapstructure:"task_timeout"` // seconds
}

type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"` // Worker 数量
	QueueSize   int `mapstructure:"queue_size"`  // 任务队列大小
}

// WatcherConfig 收件目录监控
type WatcherConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Dir          string `mapstructure:"dir"`
	Pattern      string `mapstructure:"pattern"` // glob，匹配文件名
	ScanExisting bool   `mapstructure:"scan_existing"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// TracingConfig OTLP 导出配置，Endpoint 为空时关闭
type TracingConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// RateLimitConfig 任务提交限流
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.type", "sqlite")
	v.SetDefault("database.path", "./data/tasks.db")
	v.SetDefault("rabbitmq.queue", "apk_static_tasks")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("analysis.datasets_dir", "./datasets")
	v.SetDefault("analysis.output_dir", "./results")
	v.SetDefault("analysis.task_timeout", 600)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.queue_size", 100)
	v.SetDefault("watcher.pattern", "*.apk")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("tracing.service_name", "apk-static-go")
	v.SetDefault("ratelimit.rps", 5)
	v.SetDefault("ratelimit.burst", 10)
	v.SetDefault("apk_dir", "./data/apks")
}

// Load 读取 YAML 配置，path 为空时只使用默认值与环境变量
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// 环境变量覆盖（支持嵌套配置），如 ANALYSIS_OUTPUT_DIR
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// RabbitMQ
	v.BindEnv("rabbitmq.host", "RABBITMQ_HOST")
	v.BindEnv("rabbitmq.port", "RABBITMQ_PORT")
	v.BindEnv("rabbitmq.user", "RABBITMQ_USER")
	v.BindEnv("rabbitmq.password", "RABBITMQ_PASS")

	// Database
	v.BindEnv("database.host", "MYSQL_HOST")
	v.BindEnv("database.port", "MYSQL_PORT")
	v.BindEnv("database.user", "MYSQL_USER")
	v.BindEnv("database.password", "MYSQL_PASS")
	v.BindEnv("database.db_name", "MYSQL_DB")

	// Tracing
	v.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
