package repository

import (
	"context"

	"gorm.io/gorm"

	"edge-cd/internal/model"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

type ProjectRepository interface {
	Create(ctx context.Context, project *model.Project) error
	FindByID(ctx context.Context, id string) (*model.Project, error)
	FindByName(ctx context.Context, name string) (*model.Project, error)
	ListWithMigrationTag(ctx context.Context) ([]*model.Project, error)
	ListByTierWithMigrationTag(ctx context.Context, tier string) ([]*model.Project, error)
	AnyWithMigrationTag(ctx context.Context) (bool, error)
	UpdateMigrationTag(ctx context.Context, id, tag string) error
}

type projectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) ProjectRepository {
	return &projectRepository{db: db}
}

func (r *projectRepository) Create(ctx context.Context, project *model.Project) error {
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建项目失败", err)
	}
	return nil
}

func (r *projectRepository) FindByID(ctx context.Context, id string) (*model.Project, error) {
	var project model.Project
	err := r.db.WithContext(ctx).
		Where("id = ? AND status <> ?", id, constants.ProjectStatusDeleted).
		First(&project).Error
	if err != nil {
		return nil, wrapQueryErr(err, "查询项目失败")
	}
	return &project, nil
}

func (r *projectRepository) FindByName(ctx context.Context, name string) (*model.Project, error) {
	var project model.Project
	err := r.db.WithContext(ctx).
		Where("name = ? AND status <> ?", name, constants.ProjectStatusDeleted).
		First(&project).Error
	if err != nil {
		return nil, wrapQueryErr(err, "查询项目失败")
	}
	return &project, nil
}

// ListWithMigrationTag 已有 Durable Object 迁移 tag 的项目
func (r *projectRepository) ListWithMigrationTag(ctx context.Context) ([]*model.Project, error) {
	var projects []*model.Project
	err := r.db.WithContext(ctx).
		Where("do_migration_tag <> '' AND status <> ?", constants.ProjectStatusDeleted).
		Order("created_at ASC").
		Find(&projects).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询项目列表失败", err)
	}
	return projects, nil
}

func (r *projectRepository) ListByTierWithMigrationTag(ctx context.Context, tier string) ([]*model.Project, error) {
	var projects []*model.Project
	err := r.db.WithContext(ctx).
		Where("do_migration_tag <> '' AND tier = ? AND status <> ?", tier, constants.ProjectStatusDeleted).
		Order("created_at ASC").
		Find(&projects).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询项目列表失败", err)
	}
	return projects, nil
}

func (r *projectRepository) AnyWithMigrationTag(ctx context.Context) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&model.Project{}).
		Where("do_migration_tag <> '' AND status <> ?", constants.ProjectStatusDeleted).
		Limit(1).
		Count(&count).Error
	if err != nil {
		return false, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "统计项目失败", err)
	}
	return count > 0, nil
}

func (r *projectRepository) UpdateMigrationTag(ctx context.Context, id, tag string) error {
	// MySQL 在值未变化时 RowsAffected 为 0, 这里不据此判断
	res := r.db.WithContext(ctx).Model(&model.Project{}).
		Where("id = ?", id).
		Update("do_migration_tag", tag)
	if res.Error != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新迁移 tag 失败", res.Error)
	}
	return nil
}
