package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"edge-cd/internal/model"
	pkgErrors "edge-cd/pkg/responses"
)

// EnforcementRepository Durable Object 用量记录仓储
type EnforcementRepository interface {
	Find(ctx context.Context, projectID string) (*model.EnforcementRecord, error)
	LastCheckedAt(ctx context.Context) (*time.Time, error)
	UpsertUsage(ctx context.Context, projectID string, wallTimeMs, requests int64, checkedAt time.Time) error
	StageRemovedBindings(ctx context.Context, projectID string, removed datatypes.JSON, at time.Time) error
	MarkEnforced(ctx context.Context, projectID, reason string, at time.Time) (bool, error)
}

type enforcementRepository struct {
	db *gorm.DB
}

func NewEnforcementRepository(db *gorm.DB) EnforcementRepository {
	return &enforcementRepository{db: db}
}

func (r *enforcementRepository) Find(ctx context.Context, projectID string) (*model.EnforcementRecord, error) {
	var record model.EnforcementRecord
	err := r.db.WithContext(ctx).Where("project_id = ?", projectID).First(&record).Error
	if err != nil {
		return nil, wrapQueryErr(err, "查询用量记录失败")
	}
	return &record, nil
}

// LastCheckedAt 所有项目中最近一次检查时间, 无记录返回 nil
func (r *enforcementRepository) LastCheckedAt(ctx context.Context) (*time.Time, error) {
	var record model.EnforcementRecord
	err := r.db.WithContext(ctx).Order("last_checked_at DESC").First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询用量记录失败", err)
	}
	return &record.LastCheckedAt, nil
}

// UpsertUsage 只更新计数与检查时间, 不触碰 enforced_at
func (r *enforcementRepository) UpsertUsage(ctx context.Context, projectID string, wallTimeMs, requests int64, checkedAt time.Time) error {
	record := &model.EnforcementRecord{
		ProjectID:     projectID,
		WallTimeMs:    wallTimeMs,
		RequestCount:  requests,
		LastCheckedAt: checkedAt,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"wall_time_ms", "request_count", "last_checked_at", "updated_at"}),
	}).Create(record).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新用量记录失败", err)
	}
	return nil
}

// ensureRecord 全局熔断路径可能命中还没有用量记录的项目
func ensureRecord(tx *gorm.DB, projectID string, at time.Time) error {
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.EnforcementRecord{
		ProjectID:     projectID,
		LastCheckedAt: at,
	}).Error
}

// StageRemovedBindings 修改平台绑定之前先落库待移除的绑定, 已限流的记录不再改写
func (r *enforcementRepository) StageRemovedBindings(ctx context.Context, projectID string, removed datatypes.JSON, at time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureRecord(tx, projectID, at); err != nil {
			return err
		}
		return tx.Model(&model.EnforcementRecord{}).
			Where("project_id = ? AND enforced_at IS NULL", projectID).
			Update("removed_bindings", removed).Error
	})
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "保存待移除绑定失败", err)
	}
	return nil
}

// MarkEnforced 仅在 enforced_at 为空时写入, 返回是否本次写入
// removed_bindings 由 StageRemovedBindings 预先写好, 这里不触碰
func (r *enforcementRepository) MarkEnforced(ctx context.Context, projectID, reason string, at time.Time) (bool, error) {
	var applied bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := ensureRecord(tx, projectID, at); err != nil {
			return err
		}

		res := tx.Model(&model.EnforcementRecord{}).
			Where("project_id = ? AND enforced_at IS NULL", projectID).
			Updates(map[string]interface{}{
				"enforced_at": at,
				"reason":      reason,
			})
		if res.Error != nil {
			return res.Error
		}
		applied = res.RowsAffected > 0
		return nil
	})
	if err != nil {
		return false, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新限流状态失败", err)
	}
	return applied, nil
}
