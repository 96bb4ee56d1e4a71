package domain

import (
	"time"
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal 任务已结束
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// FailureType 失败类型
type FailureType string

const (
	FailureTypeNone          FailureType = ""               // 无失败（成功或进行中）
	FailureTypeInvalidAPK    FailureType = "invalid_apk"    // 清单、资源或 DEX 无法解析（警告-APK问题）
	FailureTypeFileMissing   FailureType = "file_missing"   // APK 文件不存在或不可读（警告）
	FailureTypeReferenceData FailureType = "reference_data" // 参考数据缺失或 API 级别无法匹配（异常-部署问题）
	FailureTypeStorageError  FailureType = "storage_error"  // 报告写入失败（异常-系统问题）
	FailureTypeTimeout       FailureType = "timeout"        // 任务执行超时（警告）
	FailureTypeUnknown       FailureType = "unknown"        // 未知错误（异常）
)

// FailureSeverity 失败严重程度
type FailureSeverity string

const (
	FailureSeverityNormal  FailureSeverity = "normal"  // 正常
	FailureSeverityWarning FailureSeverity = "warning" // 警告（需要关注）
	FailureSeverityError   FailureSeverity = "error"   // 错误（需要排查）
)

// GetSeverity 获取失败类型对应的严重程度
func (ft FailureType) GetSeverity() FailureSeverity {
	switch ft {
	case FailureTypeNone:
		return FailureSeverityNormal
	case FailureTypeInvalidAPK, FailureTypeFileMissing, FailureTypeTimeout:
		return FailureSeverityWarning
	default:
		return FailureSeverityError
	}
}

// GetDisplayName 获取失败类型的中文显示名称
func (ft FailureType) GetDisplayName() string {
	switch ft {
	case FailureTypeNone:
		return ""
	case FailureTypeInvalidAPK:
		return "APK 解析失败"
	case FailureTypeFileMissing:
		return "文件不存在"
	case FailureTypeReferenceData:
		return "参考数据错误"
	case FailureTypeStorageError:
		return "存储错误"
	case FailureTypeTimeout:
		return "执行超时"
	default:
		return "未知错误"
	}
}

// GetMaxRetryCount 获取失败类型对应的最大重试次数
// 返回 0 表示不重试
func (ft FailureType) GetMaxRetryCount() int {
	switch ft {
	case FailureTypeNone, FailureTypeInvalidAPK, FailureTypeFileMissing, FailureTypeReferenceData:
		return 0 // 输入或部署问题，重试无意义
	case FailureTypeStorageError, FailureTypeTimeout:
		return 3
	default:
		return 1
	}
}

// CanRetry 检查失败类型是否可以重试
func (ft FailureType) CanRetry() bool {
	return ft.GetMaxRetryCount() > 0
}

// Task 分析任务表
type Task struct {
	ID              string      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	APKName         string      `gorm:"type:varchar(255);not null" json:"apk_name"`
	APKPath         string      `gorm:"type:varchar(1024);not null" json:"apk_path"`
	AppName         string      `gorm:"type:varchar(255)" json:"app_name,omitempty"`
	PackageName     string      `gorm:"type:varchar(255);index:idx_package_name" json:"package_name,omitempty"`
	Status          TaskStatus  `gorm:"type:varchar(20);not null;default:'queued';index:idx_status" json:"status"`
	FailureType     FailureType `gorm:"type:varchar(30);default:''" json:"failure_type,omitempty"`
	ErrorMessage    string      `gorm:"type:text" json:"error_message,omitempty"`
	RetryCount      int         `gorm:"type:tinyint;default:0" json:"retry_count"`
	CreatedAt       time.Time   `gorm:"not null" json:"created_at"`
	StartedAt       *time.Time  `json:"started_at,omitempty"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	CurrentStep     string      `gorm:"type:varchar(255)" json:"current_step,omitempty"`
	ProgressPercent int         `gorm:"type:tinyint;default:0" json:"progress_percent"`

	StaticReport *TaskStaticReport `gorm:"foreignKey:TaskID;references:ID" json:"static_report,omitempty"`
}

func (Task) TableName() string {
	return "apk_tasks"
}
