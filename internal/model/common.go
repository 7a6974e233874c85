package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel 主键为 UUID 字符串, 短 ID 取前缀
type BaseModel struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;autoUpdateTime" json:"updated_at"`
}

// BeforeCreate 未指定 ID 时生成 UUIDv4
func (m *BaseModel) BeforeCreate(_ *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}

// ShortID 8 位短 ID, 用于日志与展示
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// AllModels 需要建表的模型
func AllModels() []interface{} {
	return []interface{}{
		&Project{},
		&Deployment{},
		&Resource{},
		&EnforcementRecord{},
	}
}
