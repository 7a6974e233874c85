package deployment

import (
	"context"
	"encoding/json"
	"errors"

	"golang.org/x/sync/errgroup"

	"edge-cd/internal/adapter/artifact"
	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/manifest"
	"edge-cd/internal/model"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

// 回滚目标解析错误, 均不会写入新记录
var (
	ErrNoLiveDeployment     = pkgErrors.New(pkgErrors.CodeNotFound, "项目没有线上部署, 无法回滚")
	ErrNoPreviousDeployment = pkgErrors.New(pkgErrors.CodeNotFound, "no previous deployment to roll back to")
	ErrTargetNotLive        = pkgErrors.New(pkgErrors.CodeBadRequest, "只能回滚到 live 状态的部署")
	ErrTargetNotEligible    = pkgErrors.New(pkgErrors.CodeBadRequest, "该部署来源不支持回滚")
	ErrDeploymentNotFound   = pkgErrors.New(pkgErrors.CodeNotFound, "部署不存在")
)

// RollbackDeployment 复用目标部署的制品重新发布, 生成新的 rollback:<id> 记录, 目标记录不变
// 回滚不执行迁移/schema/secret
func (e *Engine) RollbackDeployment(ctx context.Context, project *model.Project, targetID string) (*model.Deployment, error) {
	target, err := e.resolveRollbackTarget(ctx, project.ID, targetID)
	if err != nil {
		return nil, err
	}
	if target.ArtifactBucketKey == nil || *target.ArtifactBucketKey == "" {
		return nil, pkgErrors.Newf(pkgErrors.CodeDeployFatal, "部署 %s 没有制品, 不能作为回滚目标", model.ShortID(target.ID))
	}
	prefix := *target.ArtifactBucketKey

	input, m, err := e.fetchArtifacts(ctx, prefix)
	if err != nil {
		return nil, err
	}

	msg := "rollback to " + model.ShortID(target.ID)
	dep := &model.Deployment{
		ProjectID: project.ID,
		Source:    constants.SourcePrefixRollback + target.ID,
		Message:   &msg,
	}
	return e.execute(ctx, &run{
		project:  project,
		dep:      dep,
		manifest: m,
		input:    input,
		rollback: true,
		prefix:   prefix,
	})
}

// resolveRollbackTarget 显式 id 支持短 id, 只在本项目内匹配; 否则取当前线上版本之前的一条
func (e *Engine) resolveRollbackTarget(ctx context.Context, projectID, targetID string) (*model.Deployment, error) {
	if targetID == "" {
		current, err := e.Deployments.FindLatestLive(ctx, projectID)
		if errors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, ErrNoLiveDeployment
		}
		if err != nil {
			return nil, err
		}
		prev, err := e.Deployments.FindPreviousLive(ctx, projectID, current)
		if errors.Is(err, pkgErrors.ErrRecordNotFound) {
			return nil, ErrNoPreviousDeployment
		}
		return prev, err
	}

	target, err := e.Deployments.FindByIDPrefix(ctx, projectID, targetID)
	if errors.Is(err, pkgErrors.ErrRecordNotFound) {
		return nil, ErrDeploymentNotFound
	}
	if err != nil {
		return nil, err
	}
	if target.Status != constants.DeploymentStatusLive {
		return nil, ErrTargetNotLive
	}
	if !constants.IsRollbackEligibleSource(target.Source) {
		return nil, ErrTargetNotEligible
	}
	return target, nil
}

// fetchArtifacts 并发读取; bundle 与 manifest 缺失为致命错误, 资源包可选
func (e *Engine) fetchArtifacts(ctx context.Context, prefix string) (*CodeDeployment, *manifest.Manifest, error) {
	var (
		in       CodeDeployment
		rawMan   []byte
		rawIndex []byte
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data, err := e.Store.Get(gctx, artifact.Key(prefix, artifact.BundleFile))
		if err != nil {
			return missingArtifact(artifact.BundleFile, err)
		}
		in.Bundle = data
		return nil
	})
	g.Go(func() error {
		data, err := e.Store.Get(gctx, artifact.Key(prefix, artifact.ManifestFile))
		if err != nil {
			return missingArtifact(artifact.ManifestFile, err)
		}
		rawMan = data
		return nil
	})
	g.Go(func() error {
		data, err := e.optional(gctx, artifact.Key(prefix, artifact.AssetsFile))
		in.Assets = data
		return err
	})
	g.Go(func() error {
		data, err := e.optional(gctx, artifact.Key(prefix, artifact.AssetManifestFile))
		rawIndex = data
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	m, err := manifest.Parse(rawMan)
	if err != nil {
		return nil, nil, pkgErrors.Wrap(pkgErrors.CodeDeployFatal, "回滚目标的 manifest 无法解析", err)
	}
	if len(rawIndex) > 0 {
		var hint map[string]platform.AssetFile
		if err := json.Unmarshal(rawIndex, &hint); err == nil {
			in.AssetManifest = hint
		}
	}
	return &in, m, nil
}

func (e *Engine) optional(ctx context.Context, key string) ([]byte, error) {
	data, err := e.Store.Get(ctx, key)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func missingArtifact(file string, err error) error {
	if errors.Is(err, artifact.ErrNotFound) {
		return pkgErrors.Newf(pkgErrors.CodeDeployFatal, "回滚目标缺少 %s", file)
	}
	return err
}
