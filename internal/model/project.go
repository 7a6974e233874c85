package model

const ProjectTableName = "projects"

// Project 租户项目
type Project struct {
	BaseModel
	Name       string `gorm:"size:100;not null;uniqueIndex" json:"name"`
	OrgID      string `gorm:"column:org_id;size:64;not null;index" json:"org_id"`
	WorkerName string `gorm:"column:worker_name;size:63;not null;uniqueIndex" json:"worker_name"`
	Tier       string `gorm:"size:20;not null;default:free" json:"tier"`
	Status     string `gorm:"size:20;not null;default:active" json:"status"`

	// DOMigrationTag 平台侧最近一次已应用的 Durable Object 迁移 tag, 空表示从未迁移
	DOMigrationTag string `gorm:"column:do_migration_tag;size:100;not null;default:''" json:"do_migration_tag"`
}

func (Project) TableName() string {
	return ProjectTableName
}

// HasDurableObjects 是否已有 Durable Object 类
func (p *Project) HasDurableObjects() bool {
	return p.DOMigrationTag != ""
}
