package repository

import (
	"context"
	"time"

	"github.com/apk-analysis/apk-static-go/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TrackerCount 追踪器命中统计
type TrackerCount struct {
	TrackerID string `json:"tracker_id"`
	Name      string `json:"name"`
	Count     int64  `json:"count"`
}

// StaticReportRepository 静态分析报告 Repository
type StaticReportRepository interface {
	Create(ctx context.Context, report *domain.TaskStaticReport) error
	Upsert(ctx context.Context, report *domain.TaskStaticReport) error
	FindByTaskID(ctx context.Context, taskID string) (*domain.TaskStaticReport, error)
	Delete(ctx context.Context, taskID string) error
	// 替换任务的追踪器列表
	SaveTrackers(ctx context.Context, taskID string, trackers []domain.TaskTracker) error
	ListTrackers(ctx context.Context, taskID string) ([]domain.TaskTracker, error)
	// 按命中任务数统计追踪器
	TopTrackers(ctx context.Context, limit int) ([]TrackerCount, error)
}

// staticReportRepo 静态分析报告 Repository 实现
type staticReportRepo struct {
	db *gorm.DB
}

// NewStaticReportRepository 创建静态分析报告 Repository
func NewStaticReportRepository(db *gorm.DB) StaticReportRepository {
	return &staticReportRepo{db: db}
}

// Create 创建静态分析报告
func (r *staticReportRepo) Create(ctx context.Context, report *domain.TaskStaticReport) error {
	return r.db.WithContext(ctx).Create(report).Error
}

// Upsert 插入或更新静态分析报告（task_id 冲突时更新）
func (r *staticReportRepo) Upsert(ctx context.Context, report *domain.TaskStaticReport) error {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "task_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"status", "package_name", "version_name", "version_code", "app_name",
				"min_sdk", "target_sdk", "api_level", "file_size", "md5", "sha256",
				"permission_count", "api_call_permission_count", "provider_permission_count",
				"url_count", "ipv4_count", "tracker_count", "class_count", "skipped_count",
				"report_json", "analysis_duration_ms", "analyzed_at",
			}),
		}).
		Create(report).Error
}

// FindByTaskID 根据任务 ID 查询静态分析报告
func (r *staticReportRepo) FindByTaskID(ctx context.Context, taskID string) (*domain.TaskStaticReport, error) {
	var report domain.TaskStaticReport
	err := r.db.WithContext(ctx).Where("task_id = ?", taskID).First(&report).Error
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Delete 删除静态分析报告
func (r *staticReportRepo) Delete(ctx context.Context, taskID string) error {
	return r.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&domain.TaskStaticReport{}).Error
}

// SaveTrackers 在事务中替换任务的追踪器列表
func (r *staticReportRepo) SaveTrackers(ctx context.Context, taskID string, trackers []domain.TaskTracker) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("task_id = ?", taskID).Delete(&domain.TaskTracker{}).Error; err != nil {
			return err
		}
		if len(trackers) == 0 {
			return nil
		}
		now := time.Now().UTC()
		for i := range trackers {
			trackers[i].TaskID = taskID
			trackers[i].CreatedAt = now
		}
		return tx.CreateInBatches(trackers, 100).Error
	})
}

// ListTrackers 查询任务的追踪器
func (r *staticReportRepo) ListTrackers(ctx context.Context, taskID string) ([]domain.TaskTracker, error) {
	var trackers []domain.TaskTracker
	err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("tracker_id ASC").
		Find(&trackers).Error
	return trackers, err
}

// TopTrackers 按命中任务数倒序
func (r *staticReportRepo) TopTrackers(ctx context.Context, limit int) ([]TrackerCount, error) {
	var results []TrackerCount
	err := r.db.WithContext(ctx).
		Model(&domain.TaskTracker{}).
		Select("tracker_id, MAX(name) as name, COUNT(DISTINCT task_id) as count").
		Group("tracker_id").
		Order("count DESC, tracker_id ASC").
		Limit(limit).
		Scan(&results).Error
	return results, err
}
