package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/dto"
	"edge-cd/internal/model"
	"edge-cd/internal/repository"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

type ProjectService interface {
	Create(ctx context.Context, req *dto.CreateProjectRequest) (*dto.ProjectResponse, error)
	Get(ctx context.Context, id string) (*dto.ProjectResponse, error)
	ProvisionDatabase(ctx context.Context, id string) (*dto.ResourceResponse, error)
}

type projectService struct {
	projects         repository.ProjectRepository
	resources        repository.ResourceRepository
	client           platform.Client
	workerNamePrefix string
	logger           *zap.Logger
}

func NewProjectService(projects repository.ProjectRepository, resources repository.ResourceRepository, client platform.Client, workerNamePrefix string, logger *zap.Logger) ProjectService {
	return &projectService{
		projects:         projects,
		resources:        resources,
		client:           client,
		workerNamePrefix: workerNamePrefix,
		logger:           logger,
	}
}

// Create 创建项目并开通主数据库 (binding DB)
// 数据库开通失败时项目仍保留, 可通过 ProvisionDatabase 重试
func (s *projectService) Create(ctx context.Context, req *dto.CreateProjectRequest) (*dto.ProjectResponse, error) {
	existing, err := s.projects.FindByName(ctx, req.Name)
	if err != nil && !errors.Is(err, pkgErrors.ErrRecordNotFound) {
		return nil, err
	}
	if existing != nil {
		return nil, pkgErrors.New(pkgErrors.CodeConflict, fmt.Sprintf("项目 %s 已存在", req.Name))
	}

	tier := req.Tier
	if tier == "" {
		tier = constants.TierFree
	}
	id := uuid.NewString()
	project := &model.Project{
		BaseModel:  model.BaseModel{ID: id},
		Name:       req.Name,
		OrgID:      req.OrgID,
		WorkerName: workerName(s.workerNamePrefix, id),
		Tier:       tier,
		Status:     constants.ProjectStatusActive,
	}
	if err := s.projects.Create(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("项目已创建", zap.String("project_id", project.ID), zap.String("worker", project.WorkerName))

	db, err := s.provisionDatabase(ctx, project)
	if err != nil {
		return dto.ToProjectResponse(project, nil), err
	}
	return dto.ToProjectResponse(project, []*model.Resource{db}), nil
}

func (s *projectService) Get(ctx context.Context, id string) (*dto.ProjectResponse, error) {
	project, err := findProject(ctx, s.projects, id)
	if err != nil {
		return nil, err
	}
	resources, err := s.resources.ListByProject(ctx, project.ID)
	if err != nil {
		return nil, err
	}
	return dto.ToProjectResponse(project, resources), nil
}

// ProvisionDatabase 已存在时直接返回
func (s *projectService) ProvisionDatabase(ctx context.Context, id string) (*dto.ResourceResponse, error) {
	project, err := findProject(ctx, s.projects, id)
	if err != nil {
		return nil, err
	}
	db, err := s.provisionDatabase(ctx, project)
	if err != nil {
		return nil, err
	}
	return dto.ToResourceResponse(db), nil
}

func (s *projectService) provisionDatabase(ctx context.Context, project *model.Project) (*model.Resource, error) {
	log := s.logger.With(zap.String("project_id", project.ID)).Sugar()

	existing, err := s.resources.FindActive(ctx, project.ID, constants.ResourceTypeD1, constants.DefaultDatabaseBinding)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pkgErrors.ErrRecordNotFound) {
		return nil, err
	}

	// CreateD1Database 内部对临时错误做有限次退避重试
	db, err := s.client.CreateD1Database(ctx, project.WorkerName+"-db")
	if err != nil {
		log.Errorf("开通数据库失败: %v", err)
		return nil, pkgErrors.Wrap(pkgErrors.CodeUpstreamError,
			fmt.Sprintf("开通数据库失败, 可稍后调用 POST /api/v1/projects/%s/database 重试", project.ID), err)
	}

	resource := &model.Resource{
		ProjectID:    project.ID,
		ResourceType: constants.ResourceTypeD1,
		BindingName:  constants.DefaultDatabaseBinding,
		ResourceName: db.Name,
		ProviderID:   db.UUID,
		Status:       constants.ResourceStatusActive,
	}
	created, err := s.resources.CreateIfAbsent(ctx, resource)
	if err != nil || !created {
		// 记录未写入时清理平台侧数据库, 避免孤儿资源
		if derr := s.client.DeleteD1Database(context.WithoutCancel(ctx), db.UUID); derr != nil {
			log.Warnf("清理数据库 %s 失败: %v", db.UUID, derr)
		}
	}
	if err != nil {
		return nil, err
	}
	if !created {
		log.Warnf("数据库已被并发请求开通, 沿用已有记录")
		return s.resources.FindActive(ctx, project.ID, constants.ResourceTypeD1, constants.DefaultDatabaseBinding)
	}
	log.Infof("数据库已开通: %s (%s)", db.Name, db.UUID)
	return resource, nil
}

// workerName 前缀 + 去掉连字符的 ID 前 12 位, 满足平台脚本命名规则
func workerName(prefix, id string) string {
	compact := strings.ReplaceAll(id, "-", "")
	if len(compact) > 12 {
		compact = compact[:12]
	}
	return strings.ToLower(prefix + compact)
}

func findProject(ctx context.Context, projects repository.ProjectRepository, id string) (*model.Project, error) {
	project, err := projects.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, pkgErrors.New(pkgErrors.CodeNotFound, "项目不存在")
		}
		return nil, err
	}
	if project.Status == constants.ProjectStatusDeleted {
		return nil, pkgErrors.New(pkgErrors.CodeNotFound, "项目不存在")
	}
	return project, nil
}
