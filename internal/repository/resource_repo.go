package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"edge-cd/internal/model"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

// ResourceRepository 租户资源仓储
type ResourceRepository interface {
	Create(ctx context.Context, resource *model.Resource) error
	CreateIfAbsent(ctx context.Context, resource *model.Resource) (bool, error)
	FindActive(ctx context.Context, projectID, resourceType, bindingName string) (*model.Resource, error)
	FindOldestActive(ctx context.Context, projectID, resourceType string) (*model.Resource, error)
	ListByProject(ctx context.Context, projectID string) ([]*model.Resource, error)
	UpdateBindingName(ctx context.Context, id, bindingName string) error
	UpdateMetadata(ctx context.Context, resource *model.Resource) error
	SoftDelete(ctx context.Context, id string) error
}

type resourceRepository struct {
	db *gorm.DB
}

func NewResourceRepository(db *gorm.DB) ResourceRepository {
	return &resourceRepository{db: db}
}

func prepareResource(resource *model.Resource) {
	if resource.Status == "" {
		resource.Status = constants.ResourceStatusActive
	}
	resource.ActiveKey = nil
	if resource.Status != constants.ResourceStatusDeleted {
		resource.ActiveKey = model.ResourceActiveKey(resource.ProjectID, resource.ResourceType, resource.BindingName)
	}
}

func (r *resourceRepository) Create(ctx context.Context, resource *model.Resource) error {
	prepareResource(resource)
	if err := r.db.WithContext(ctx).Create(resource).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建资源记录失败", err)
	}
	return nil
}

// CreateIfAbsent 同一 (project, type, binding_name) 已有未删除记录时不写入, 返回 false
func (r *resourceRepository) CreateIfAbsent(ctx context.Context, resource *model.Resource) (bool, error) {
	prepareResource(resource)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(resource)
	if result.Error != nil {
		return false, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建资源记录失败", result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FindActive 按 (project, type, binding_name) 查未删除资源
func (r *resourceRepository) FindActive(ctx context.Context, projectID, resourceType, bindingName string) (*model.Resource, error) {
	var resource model.Resource
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND resource_type = ? AND binding_name = ? AND status <> ?",
			projectID, resourceType, bindingName, constants.ResourceStatusDeleted).
		Order("created_at ASC").
		First(&resource).Error
	if err != nil {
		return nil, wrapQueryErr(err, "查询资源失败")
	}
	return &resource, nil
}

// FindOldestActive 同类型最早创建的未删除资源, 兼容没有 binding_name 的老项目
func (r *resourceRepository) FindOldestActive(ctx context.Context, projectID, resourceType string) (*model.Resource, error) {
	var resource model.Resource
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND resource_type = ? AND status <> ?",
			projectID, resourceType, constants.ResourceStatusDeleted).
		Order("created_at ASC").
		First(&resource).Error
	if err != nil {
		return nil, wrapQueryErr(err, "查询资源失败")
	}
	return &resource, nil
}

func (r *resourceRepository) ListByProject(ctx context.Context, projectID string) ([]*model.Resource, error) {
	var resources []*model.Resource
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND status <> ?", projectID, constants.ResourceStatusDeleted).
		Order("created_at ASC").
		Find(&resources).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询资源列表失败", err)
	}
	return resources, nil
}

func (r *resourceRepository) UpdateBindingName(ctx context.Context, id, bindingName string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var resource model.Resource
		if err := tx.Where("id = ?", id).First(&resource).Error; err != nil {
			return err
		}
		updates := map[string]any{"binding_name": bindingName}
		if resource.Status != constants.ResourceStatusDeleted {
			updates["active_key"] = model.ResourceActiveKey(resource.ProjectID, resource.ResourceType, bindingName)
		}
		return tx.Model(&model.Resource{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新资源失败", err)
	}
	return nil
}

func (r *resourceRepository) UpdateMetadata(ctx context.Context, resource *model.Resource) error {
	err := r.db.WithContext(ctx).Model(&model.Resource{}).
		Where("id = ?", resource.ID).
		Update("metadata", resource.Metadata).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新资源失败", err)
	}
	return nil
}

// SoftDelete 只标记状态, 不物理删除; 释放 active_key 以便同名绑定重新开通
func (r *resourceRepository) SoftDelete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Model(&model.Resource{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":     constants.ResourceStatusDeleted,
			"active_key": nil,
		}).Error
	if err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "删除资源失败", err)
	}
	return nil
}
