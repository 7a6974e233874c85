package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edge-cd/internal/adapter/artifact"
	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/deployment"
	"edge-cd/internal/dto"
	"edge-cd/internal/model"
	"edge-cd/internal/repository"
	"edge-cd/internal/template"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

type DeploymentService interface {
	Deploy(ctx context.Context, projectID string, in *deployment.CodeDeployment) (*dto.DeploymentResponse, error)
	DeployPrebuilt(ctx context.Context, projectID string, req *dto.PrebuiltDeployRequest) (*dto.DeploymentResponse, error)
	Rollback(ctx context.Context, projectID string, req *dto.RollbackRequest) (*dto.DeploymentResponse, error)
	List(ctx context.Context, projectID string, query *dto.DeploymentListQuery) ([]*dto.DeploymentResponse, error)
	Live(ctx context.Context, projectID string) (*dto.DeploymentResponse, error)
	Templates() []*template.Template
}

type deploymentService struct {
	projects  repository.ProjectRepository
	engine    *deployment.Engine
	store     artifact.Store
	templates template.Registry
	logger    *zap.Logger
}

func NewDeploymentService(projects repository.ProjectRepository, engine *deployment.Engine, store artifact.Store, templates template.Registry, logger *zap.Logger) DeploymentService {
	return &deploymentService{
		projects:  projects,
		engine:    engine,
		store:     store,
		templates: templates,
		logger:    logger,
	}
}

// Deploy 返回的记录在失败时也不为空 (状态为 failed)
func (s *deploymentService) Deploy(ctx context.Context, projectID string, in *deployment.CodeDeployment) (*dto.DeploymentResponse, error) {
	project, err := s.deployableProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	dep, err := s.engine.CreateCodeDeployment(ctx, project, in)
	return dto.ToDeploymentResponse(dep), err
}

// DeployPrebuilt 从模板目录读取制品, 走与代码部署相同的流程
func (s *deploymentService) DeployPrebuilt(ctx context.Context, projectID string, req *dto.PrebuiltDeployRequest) (*dto.DeploymentResponse, error) {
	project, err := s.deployableProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	tpl, err := s.templates.Get(req.TemplateID, req.Version)
	if err != nil {
		return nil, err
	}

	in, err := s.loadTemplate(ctx, tpl)
	if err != nil {
		return nil, err
	}
	in.Secrets = req.Secrets
	in.Message = req.Message
	if in.Message == "" {
		in.Message = fmt.Sprintf("deploy template %s v%s", tpl.ID, tpl.Version)
	}

	s.logger.Info("部署预构建模板",
		zap.String("project_id", project.ID),
		zap.String("template", tpl.ID),
		zap.String("version", tpl.Version))

	dep, err := s.engine.CreateCodeDeployment(ctx, project, in)
	return dto.ToDeploymentResponse(dep), err
}

// loadTemplate 并发读取模板制品; bundle 与 manifest 必须存在
func (s *deploymentService) loadTemplate(ctx context.Context, tpl *template.Template) (*deployment.CodeDeployment, error) {
	prefix := tpl.Prefix()
	in := &deployment.CodeDeployment{SourceTag: tpl.Source()}

	var (
		schema        []byte
		assetManifest []byte
	)
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(file string, dst *[]byte, required bool) {
		g.Go(func() error {
			data, err := s.store.Get(gctx, artifact.Key(prefix, file))
			if err != nil {
				if errors.Is(err, artifact.ErrNotFound) && !required {
					return nil
				}
				if errors.Is(err, artifact.ErrNotFound) {
					return pkgErrors.New(pkgErrors.CodeDeployFatal,
						fmt.Sprintf("模板 %s v%s 缺少制品 %s", tpl.ID, tpl.Version, file))
				}
				return err
			}
			*dst = data
			return nil
		})
	}
	fetch(artifact.BundleFile, &in.Bundle, true)
	fetch(artifact.ManifestFile, &in.Manifest, true)
	if tpl.HasSchema {
		fetch(artifact.SchemaFile, &schema, true)
	}
	if tpl.HasAssets {
		fetch(artifact.AssetsFile, &in.Assets, true)
		fetch(artifact.AssetManifestFile, &assetManifest, false)
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	in.SchemaSQL = string(schema)
	if len(assetManifest) > 0 {
		var hint map[string]platform.AssetFile
		if err := json.Unmarshal(assetManifest, &hint); err != nil {
			return nil, pkgErrors.Wrap(pkgErrors.CodeDeployFatal, "模板资源清单格式错误", err)
		}
		in.AssetManifest = hint
	}
	return in, nil
}

func (s *deploymentService) Rollback(ctx context.Context, projectID string, req *dto.RollbackRequest) (*dto.DeploymentResponse, error) {
	project, err := s.deployableProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	dep, err := s.engine.RollbackDeployment(ctx, project, req.DeploymentID)
	return dto.ToDeploymentResponse(dep), err
}

func (s *deploymentService) List(ctx context.Context, projectID string, query *dto.DeploymentListQuery) ([]*dto.DeploymentResponse, error) {
	project, err := findProject(ctx, s.projects, projectID)
	if err != nil {
		return nil, err
	}
	limit := query.Limit
	if limit == 0 {
		limit = 20
	}
	list, err := s.engine.ListDeployments(ctx, project.ID, repository.WithStatus(query.Status), repository.WithLimit(limit))
	if err != nil {
		return nil, err
	}
	return dto.ToDeploymentResponses(list), nil
}

func (s *deploymentService) Live(ctx context.Context, projectID string) (*dto.DeploymentResponse, error) {
	project, err := findProject(ctx, s.projects, projectID)
	if err != nil {
		return nil, err
	}
	dep, err := s.engine.GetLatestLiveDeployment(ctx, project.ID)
	if err != nil {
		if errors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, pkgErrors.New(pkgErrors.CodeNotFound, "项目还没有线上部署")
		}
		return nil, err
	}
	return dto.ToDeploymentResponse(dep), nil
}

func (s *deploymentService) Templates() []*template.Template {
	return s.templates.List()
}

// deployableProject 仅 active 项目可以部署
func (s *deploymentService) deployableProject(ctx context.Context, projectID string) (*model.Project, error) {
	project, err := findProject(ctx, s.projects, projectID)
	if err != nil {
		return nil, err
	}
	if project.Status != constants.ProjectStatusActive {
		return nil, pkgErrors.New(pkgErrors.CodeConflict, fmt.Sprintf("项目状态为 %s, 不允许部署", project.Status))
	}
	return project, nil
}
