package model

import (
	"time"

	"gorm.io/datatypes"
)

const EnforcementTableName = "do_enforcement"

// EnforcementRecord 每项目 Durable Object 用量与限流状态
type EnforcementRecord struct {
	ProjectID string `gorm:"column:project_id;primaryKey;size:36" json:"project_id"`

	// 滚动 24 小时窗口
	WallTimeMs    int64     `gorm:"column:wall_time_ms;not null;default:0" json:"wall_time_ms"`
	RequestCount  int64     `gorm:"column:request_count;not null;default:0" json:"request_count"`
	LastCheckedAt time.Time `gorm:"column:last_checked_at;not null;index" json:"last_checked_at"`

	// EnforcedAt 非空表示已限流, 只能由显式恢复操作清除
	EnforcedAt      *time.Time     `gorm:"column:enforced_at" json:"enforced_at"`
	Reason          *string        `gorm:"column:reason;size:500" json:"reason"`
	RemovedBindings datatypes.JSON `gorm:"column:removed_bindings;type:json" json:"removed_bindings"`

	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (EnforcementRecord) TableName() string {
	return EnforcementTableName
}

// IsEnforced 是否已限流
func (r *EnforcementRecord) IsEnforced() bool {
	return r != nil && r.EnforcedAt != nil
}
