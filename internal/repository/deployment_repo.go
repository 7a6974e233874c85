package repository

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"gorm.io/gorm"

	"edge-cd/internal/model"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

// MinShortIDLength 短 ID 最小长度
const MinShortIDLength = 4

var shortIDPattern = regexp.MustCompile(`^[0-9a-fA-F-]+$`)

// ErrStatusConflict 乐观更新失败, 记录状态已被其他流程改变
var ErrStatusConflict = pkgErrors.New(pkgErrors.CodeConflict, "部署状态已变更")

// DeploymentRepository 部署记录仓储, 所有按 ID 的查询都带 project_id 作用域
type DeploymentRepository interface {
	Create(ctx context.Context, deployment *model.Deployment) error
	FindByID(ctx context.Context, projectID, id string) (*model.Deployment, error)
	FindByIDPrefix(ctx context.Context, projectID, prefix string) (*model.Deployment, error)
	ListByProject(ctx context.Context, projectID string, opts ...QueryOption) ([]*model.Deployment, error)
	FindLatestLive(ctx context.Context, projectID string) (*model.Deployment, error)
	FindPreviousLive(ctx context.Context, projectID string, current *model.Deployment) (*model.Deployment, error)
	Transition(ctx context.Context, deployment *model.Deployment, to string, fields map[string]interface{}) error
}

type deploymentRepository struct {
	db *gorm.DB
}

// NewDeploymentRepository 创建部署记录仓储实例
func NewDeploymentRepository(db *gorm.DB) DeploymentRepository {
	return &deploymentRepository{db: db}
}

// Create 写入 queued 记录
func (r *deploymentRepository) Create(ctx context.Context, deployment *model.Deployment) error {
	if deployment.Status == "" {
		deployment.Status = constants.DeploymentStatusQueued
	}
	if err := r.db.WithContext(ctx).Create(deployment).Error; err != nil {
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "创建部署记录失败", err)
	}
	return nil
}

func (r *deploymentRepository) FindByID(ctx context.Context, projectID, id string) (*model.Deployment, error) {
	var deployment model.Deployment
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND id = ?", projectID, id).
		First(&deployment).Error
	if err != nil {
		return nil, wrapQueryErr(err, "查询部署记录失败")
	}
	return &deployment, nil
}

// FindByIDPrefix 完整 ID 或短 ID, 前缀匹配且仅限本项目
func (r *deploymentRepository) FindByIDPrefix(ctx context.Context, projectID, prefix string) (*model.Deployment, error) {
	if len(prefix) < MinShortIDLength {
		return nil, pkgErrors.Validation([]string{"deployment id must be at least 4 characters"})
	}
	if !shortIDPattern.MatchString(prefix) {
		return nil, pkgErrors.Validation([]string{"deployment id must be hexadecimal"})
	}

	var deployments []*model.Deployment
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND id LIKE ?", projectID, strings.ToLower(prefix)+"%").
		Order("created_at DESC").
		Limit(2).
		Find(&deployments).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询部署记录失败", err)
	}

	switch len(deployments) {
	case 0:
		return nil, pkgErrors.ErrRecordNotFound
	case 1:
		return deployments[0], nil
	default:
		return nil, pkgErrors.Validation([]string{"deployment id prefix '" + prefix + "' is ambiguous"})
	}
}

// ListByProject 按创建时间倒序
func (r *deploymentRepository) ListByProject(ctx context.Context, projectID string, opts ...QueryOption) ([]*model.Deployment, error) {
	var deployments []*model.Deployment
	query := r.db.WithContext(ctx).Model(&model.Deployment{}).Where("project_id = ?", projectID)
	query = applyOptions(query, opts)
	if err := query.Order("created_at DESC").Order("id DESC").Find(&deployments).Error; err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询部署记录失败", err)
	}
	return deployments, nil
}

// FindLatestLive 最近一条 live 记录即当前线上版本
func (r *deploymentRepository) FindLatestLive(ctx context.Context, projectID string) (*model.Deployment, error) {
	var deployment model.Deployment
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND status = ?", projectID, constants.DeploymentStatusLive).
		Order("created_at DESC").
		Order("id DESC").
		First(&deployment).Error
	if err != nil {
		return nil, wrapQueryErr(err, "查询线上部署失败")
	}
	return &deployment, nil
}

// FindPreviousLive 按 (created_at, id) 排在 current 之前的最近一条可回滚 live 记录
func (r *deploymentRepository) FindPreviousLive(ctx context.Context, projectID string, current *model.Deployment) (*model.Deployment, error) {
	var candidates []*model.Deployment
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND status = ?", projectID, constants.DeploymentStatusLive).
		Where("created_at < ? OR (created_at = ? AND id < ?)", current.CreatedAt, current.CreatedAt, current.ID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&candidates).Error
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "查询历史部署失败", err)
	}

	prev, ok := lo.Find(candidates, func(d *model.Deployment) bool {
		return constants.IsRollbackEligibleSource(d.Source)
	})
	if !ok {
		return nil, pkgErrors.ErrRecordNotFound
	}
	return prev, nil
}

// Transition 乐观更新状态, WHERE status = 当前状态, 失败返回 ErrStatusConflict
func (r *deploymentRepository) Transition(ctx context.Context, deployment *model.Deployment, to string, fields map[string]interface{}) error {
	from := deployment.Status
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Deployment{}).
			Where("id = ? AND status = ?", deployment.ID, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrStatusConflict
		}
		return tx.Where("id = ?", deployment.ID).First(deployment).Error
	})
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return err
		}
		return pkgErrors.Wrap(pkgErrors.CodeDatabaseError, "更新部署状态失败", err)
	}
	return nil
}
