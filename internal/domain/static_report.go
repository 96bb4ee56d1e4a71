package domain

import "time"

// StaticAnalysisStatus 静态分析状态
type StaticAnalysisStatus string

const (
	StaticStatusAnalyzing StaticAnalysisStatus = "analyzing"
	StaticStatusCompleted StaticAnalysisStatus = "completed"
	StaticStatusFailed    StaticAnalysisStatus = "failed"
)

// TaskStaticReport 静态分析报告表
type TaskStaticReport struct {
	ID     uint   `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID string `gorm:"type:varchar(36);uniqueIndex:uk_task_id;not null" json:"task_id"`

	Status StaticAnalysisStatus `gorm:"type:varchar(30);default:'analyzing'" json:"status"`

	// 基础信息（冗余存储，方便查询）
	PackageName string `gorm:"type:varchar(255);index:idx_report_package" json:"package_name,omitempty"`
	VersionName string `gorm:"type:varchar(50)" json:"version_name,omitempty"`
	VersionCode int    `json:"version_code"`
	AppName     string `gorm:"type:varchar(255)" json:"app_name,omitempty"`
	MinSDK      int    `json:"min_sdk"`
	TargetSDK   int    `json:"target_sdk"`
	APILevel    int    `json:"api_level"`
	FileSize    int64  `json:"file_size,omitempty"`
	MD5         string `gorm:"type:varchar(32)" json:"md5,omitempty"`
	SHA256      string `gorm:"type:varchar(64);index:idx_sha256" json:"sha256,omitempty"`

	// 统计
	PermissionCount         int   `gorm:"default:0" json:"permission_count"`
	APICallPermissionCount  int   `gorm:"default:0" json:"api_call_permission_count"`
	ProviderPermissionCount int   `gorm:"default:0" json:"provider_permission_count"`
	URLCount                int   `gorm:"default:0" json:"url_count"`
	IPv4Count               int   `gorm:"default:0" json:"ipv4_count"`
	TrackerCount            int   `gorm:"default:0" json:"tracker_count"`
	ClassCount              int64 `gorm:"default:0" json:"class_count"`
	SkippedCount            int64 `gorm:"default:0" json:"skipped_count"`

	// 完整 JSON 报告
	ReportJSON string `gorm:"type:mediumtext" json:"report_json,omitempty"`

	AnalysisDurationMs int64      `json:"analysis_duration_ms,omitempty"`
	AnalyzedAt         *time.Time `json:"analyzed_at,omitempty"`
	CreatedAt          time.Time  `gorm:"not null" json:"created_at"`
}

func (TaskStaticReport) TableName() string {
	return "task_static_reports"
}

// TaskTracker 任务中匹配到的追踪器，便于跨任务查询
type TaskTracker struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    string    `gorm:"type:varchar(36);index:idx_tracker_task;not null" json:"task_id"`
	TrackerID string    `gorm:"type:varchar(20);index:idx_tracker_id;not null" json:"tracker_id"`
	Name      string    `gorm:"type:varchar(255)" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

func (TaskTracker) TableName() string {
	return "task_trackers"
}
