package deployment

import (
	"context"
	"time"

	"go.uber.org/zap"

	"edge-cd/internal/adapter/artifact"
	"edge-cd/internal/adapter/cache"
	"edge-cd/internal/adapter/mq"
	"edge-cd/internal/adapter/notification"
	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/assets"
	"edge-cd/internal/core/binding"
	"edge-cd/internal/core/manifest"
	"edge-cd/internal/model"
	"edge-cd/internal/repository"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

// ErrProjectBusy 启用项目锁时, 同项目已有部署在进行
var ErrProjectBusy = pkgErrors.New(pkgErrors.CodeConflict, "项目正在部署中, 请稍后重试")

// CodeDeployment 一次代码部署的全部输入
type CodeDeployment struct {
	Manifest      []byte
	Bundle        []byte
	Source        []byte
	SchemaSQL     string
	Secrets       map[string]string
	Assets        []byte
	AssetManifest map[string]platform.AssetFile
	Message       string
	// SourceTag 为空时使用 code:v1
	SourceTag string
}

type Options struct {
	ProjectLock    bool
	ProjectLockTTL time.Duration
	Timeout        time.Duration
}

// Deps 引擎依赖
type Deps struct {
	Deployments repository.DeploymentRepository
	Projects    repository.ProjectRepository
	Store       artifact.Store
	Client      platform.Client
	Resolver    *binding.Resolver
	Assets      *assets.Coordinator
	Cache       cache.TenantCache
	Publisher   mq.Publisher
	Locker      cache.Locker
	Notifier    notification.Notifier
}

// Engine 部署生命周期: queued -> building -> live / failed
type Engine struct {
	Deps
	opts     Options
	logger   *zap.Logger
	handlers map[string]handler
}

func NewEngine(deps Deps, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Cache == nil {
		deps.Cache = cache.NopCache{}
	}
	if deps.Publisher == nil {
		deps.Publisher = mq.NopPublisher{}
	}
	if deps.Locker == nil {
		deps.Locker = cache.NopLocker{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier(logger)
	}
	if opts.ProjectLockTTL <= 0 {
		opts.ProjectLockTTL = 10 * time.Minute
	}
	e := &Engine{Deps: deps, opts: opts, logger: logger, handlers: make(map[string]handler)}
	e.registerHandlers()
	return e
}

// CreateCodeDeployment 清单校验失败时不写任何记录; 写入记录后任何失败都会把记录置为 failed 并返回
func (e *Engine) CreateCodeDeployment(ctx context.Context, project *model.Project, in *CodeDeployment) (*model.Deployment, error) {
	m, err := manifest.Parse(in.Manifest)
	if err != nil {
		return nil, err
	}
	if problems := manifest.Validate(m); len(problems) > 0 {
		return nil, pkgErrors.Validation(problems)
	}

	source := in.SourceTag
	if source == "" {
		source = constants.SourceCodeV1
	}
	dep := &model.Deployment{ProjectID: project.ID, Source: source}
	if in.Message != "" {
		dep.Message = &in.Message
	}

	return e.execute(ctx, &run{project: project, dep: dep, manifest: m, input: in})
}

// ListDeployments 按创建时间倒序
func (e *Engine) ListDeployments(ctx context.Context, projectID string, opts ...repository.QueryOption) ([]*model.Deployment, error) {
	return e.Deployments.ListByProject(ctx, projectID, opts...)
}

// GetLatestLiveDeployment 最近一条 live 即当前线上版本
func (e *Engine) GetLatestLiveDeployment(ctx context.Context, projectID string) (*model.Deployment, error) {
	return e.Deployments.FindLatestLive(ctx, projectID)
}

// execute 写入 queued 记录后驱动状态机直到终态
func (e *Engine) execute(ctx context.Context, r *run) (*model.Deployment, error) {
	if e.opts.ProjectLock {
		release, ok, err := e.Locker.Acquire(ctx, "deploy:"+r.project.ID, e.opts.ProjectLockTTL)
		if err != nil {
			return nil, pkgErrors.Wrap(pkgErrors.CodeInternalError, "获取项目部署锁失败", err)
		}
		if !ok {
			return nil, ErrProjectBusy
		}
		defer release()
	}

	if e.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.Timeout)
		defer cancel()
	}

	if err := e.Deployments.Create(ctx, r.dep); err != nil {
		return nil, err
	}
	r.log = e.logger.With(
		zap.String("project_id", r.project.ID),
		zap.String("deployment_id", r.dep.ID),
		zap.String("source", r.dep.Source)).Sugar()
	r.log.Info("部署已创建")

	if err := e.process(ctx, r); err != nil {
		return r.dep, err
	}
	e.afterLive(ctx, r)
	return r.dep, nil
}

// afterLive 刷新租户缓存并投递索引消息, 失败只记录日志
func (e *Engine) afterLive(ctx context.Context, r *run) {
	info := &cache.TenantInfo{
		ProjectID:    r.project.ID,
		OrgID:        r.project.OrgID,
		WorkerName:   r.project.WorkerName,
		Tier:         r.project.Tier,
		Status:       r.project.Status,
		DeploymentID: r.dep.ID,
		RefreshedAt:  time.Now().UTC(),
	}
	for _, b := range r.bindings {
		switch {
		case b.Type == platform.BindingTypeD1 && info.DatabaseID == "":
			info.DatabaseID = b.ID
		case b.Type == platform.BindingTypeR2 && info.BucketName == "":
			info.BucketName = b.BucketName
		}
	}
	if err := e.Cache.Refresh(ctx, info); err != nil {
		r.log.Warnf("刷新租户缓存失败: %v", err)
	}

	reason := constants.QueueReasonDeploy
	if r.rollback {
		reason = constants.QueueReasonRollback
	}
	msg := &mq.DeploymentMessage{
		Version:      1,
		ProjectID:    r.project.ID,
		DeploymentID: r.dep.ID,
		EnqueuedAt:   time.Now().UTC(),
		Reason:       reason,
	}
	if err := e.Publisher.PublishDeployment(ctx, msg); err != nil {
		r.log.Warnf("投递部署消息失败: %v", err)
	}

	notifyType := notification.NotifyDeploySuccess
	if r.rollback {
		notifyType = notification.NotifyRollbackSuccess
	}
	e.notify(ctx, r, notifyType)
}

// notify 通知失败不影响部署结果
func (e *Engine) notify(ctx context.Context, r *run, notifyType notification.NotificationType) {
	if err := e.Notifier.Send(ctx, notification.DeploymentMessage(r.project, r.dep, notifyType)); err != nil {
		r.log.Warnf("发送部署通知失败: %v", err)
	}
}
