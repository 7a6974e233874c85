package model

import (
	"strings"

	"gorm.io/datatypes"
)

const ResourceTableName = "resources"

// Resource 租户基础设施 (D1/R2/KV/Vectorize/DO 类/Worker 脚本)
// (project_id, resource_type, binding_name) 在未删除的记录中唯一, 由 active_key 唯一索引保证
// 已删除和没有 binding_name 的老记录 active_key 为 NULL, 不参与唯一约束
type Resource struct {
	BaseModel

	ProjectID    string            `gorm:"column:project_id;size:36;not null;index:idx_resources_lookup,priority:1" json:"project_id"`
	ResourceType string            `gorm:"column:resource_type;size:32;not null;index:idx_resources_lookup,priority:2" json:"resource_type"`
	BindingName  string            `gorm:"column:binding_name;size:100;index:idx_resources_lookup,priority:3" json:"binding_name"`
	ResourceName string            `gorm:"column:resource_name;size:255;not null" json:"resource_name"`
	ProviderID   string            `gorm:"column:provider_id;size:255" json:"provider_id"`
	Status       string            `gorm:"size:20;not null;default:active" json:"status"`
	Metadata     datatypes.JSONMap `gorm:"type:json" json:"metadata"`
	ActiveKey    *string           `gorm:"column:active_key;size:200;uniqueIndex:uk_resources_active" json:"-"`
}

func (Resource) TableName() string {
	return ResourceTableName
}

// ResourceActiveKey project_id|resource_type|binding_name, 绑定名为空返回 nil
func ResourceActiveKey(projectID, resourceType, bindingName string) *string {
	if bindingName == "" {
		return nil
	}
	key := strings.Join([]string{projectID, resourceType, bindingName}, "|")
	return &key
}

// MetadataInt 读取数字型元数据, JSON 反序列化后为 float64
func (r *Resource) MetadataInt(key string) (int, bool) {
	if r.Metadata == nil {
		return 0, false
	}
	switch v := r.Metadata[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
