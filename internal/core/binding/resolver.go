package binding

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/manifest"
	"edge-cd/internal/model"
	"edge-cd/internal/repository"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

// 计量代理服务的入口
const (
	AIProxyEntrypoint        = "AIProxy"
	VectorizeProxyEntrypoint = "VectorizeProxy"
)

var invalidNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// Target 绑定归属的项目
type Target struct {
	ProjectID  string
	OrgID      string
	WorkerName string
}

// Intent 单个绑定意图, 对应 ResolveOrProvision 的输入
type Intent struct {
	Type        string
	BindingName string
	// r2 bucket 名 / kv 标题, 为空时按 worker 名生成
	ProviderName string
	Dimensions   int
	Metric       string
	ClassName    string
}

type Options struct {
	ProxyService     string
	AnalyticsDataset string
}

// Resolver 将清单中的绑定意图解析为具体绑定, 缺失的基础设施按需创建
type Resolver struct {
	client    platform.Client
	resources repository.ResourceRepository
	opts      Options
	logger    *zap.Logger
}

func NewResolver(client platform.Client, resources repository.ResourceRepository, opts Options, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{client: client, resources: resources, opts: opts, logger: logger}
}

// Resolve 按固定顺序输出绑定: 身份, d1, ai, r2, kv, vectorize, durable objects, vars
func (r *Resolver) Resolve(ctx context.Context, t Target, b *manifest.Bindings) ([]platform.Binding, error) {
	out := []platform.Binding{
		{Type: platform.BindingTypePlainText, Name: constants.BindingProjectID, Text: t.ProjectID},
		{Type: platform.BindingTypePlainText, Name: constants.BindingOrgID, Text: t.OrgID},
	}
	if b == nil {
		return out, nil
	}

	if b.D1 != nil {
		res, err := r.ResolveOrProvision(ctx, t, Intent{Type: constants.ResourceTypeD1, BindingName: b.D1.Binding})
		if err != nil {
			return nil, err
		}
		out = append(out, platform.Binding{Type: platform.BindingTypeD1, Name: b.D1.Binding, ID: res.ProviderID})
	}

	if b.AI != nil {
		out = append(out,
			platform.Binding{Type: platform.BindingTypeAI, Name: b.AI.Binding},
			r.proxyBinding(t, constants.BindingAIProxy, AIProxyEntrypoint))
	}

	for _, bucket := range b.R2 {
		res, err := r.ResolveOrProvision(ctx, t, Intent{Type: constants.ResourceTypeR2, BindingName: bucket.Binding, ProviderName: bucket.BucketName})
		if err != nil {
			return nil, err
		}
		out = append(out, platform.Binding{Type: platform.BindingTypeR2, Name: bucket.Binding, BucketName: res.ResourceName})
	}

	for _, ns := range b.KV {
		res, err := r.ResolveOrProvision(ctx, t, Intent{Type: constants.ResourceTypeKV, BindingName: ns.Binding, ProviderName: ns.BucketName})
		if err != nil {
			return nil, err
		}
		out = append(out, platform.Binding{Type: platform.BindingTypeKV, Name: ns.Binding, NamespaceID: res.ProviderID})
	}

	for _, vec := range b.Vectorize {
		dims, metric, _ := vec.Shape()
		res, err := r.ResolveOrProvision(ctx, t, Intent{
			Type:        constants.ResourceTypeVectorize,
			BindingName: vec.Binding,
			Dimensions:  dims,
			Metric:      metric,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, platform.Binding{Type: platform.BindingTypeVectorize, Name: vec.Binding, IndexName: res.ResourceName})
	}
	if len(b.Vectorize) > 0 {
		out = append(out, r.proxyBinding(t, constants.BindingVectorizeProxy, VectorizeProxyEntrypoint))
	}

	for _, do := range b.DurableObjects {
		res, err := r.ResolveOrProvision(ctx, t, Intent{Type: constants.ResourceTypeDurableObject, BindingName: do.Binding, ClassName: do.ClassName})
		if err != nil {
			return nil, err
		}
		out = append(out, platform.Binding{Type: platform.BindingTypeDurableObject, Name: do.Binding, ClassName: res.ResourceName})
	}
	if len(b.DurableObjects) > 0 {
		out = append(out, platform.Binding{Type: platform.BindingTypeAnalytics, Name: constants.BindingDOMetrics, Dataset: r.opts.AnalyticsDataset})
	}

	keys := make([]string, 0, len(b.Vars))
	for k := range b.Vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, platform.Binding{Type: platform.BindingTypePlainText, Name: k, Text: b.Vars[k]})
	}
	return out, nil
}

// proxyBinding 身份通过部署期 props 注入, 租户代码无法伪造
func (r *Resolver) proxyBinding(t Target, name, entrypoint string) platform.Binding {
	return platform.Binding{
		Type:       platform.BindingTypeService,
		Name:       name,
		Service:    r.opts.ProxyService,
		Entrypoint: entrypoint,
		Props: map[string]any{
			"projectId": t.ProjectID,
			"orgId":     t.OrgID,
		},
	}
}

// ResolveOrProvision 先按 (project, type, binding_name) 查找, 找不到再创建并记录
func (r *Resolver) ResolveOrProvision(ctx context.Context, t Target, in Intent) (*model.Resource, error) {
	existing, err := r.resources.FindActive(ctx, t.ProjectID, in.Type, in.BindingName)
	switch {
	case err == nil:
		if in.Type == constants.ResourceTypeVectorize {
			if err := checkDimensions(existing, in); err != nil {
				return nil, err
			}
		}
		return existing, nil
	case !errors.Is(err, pkgErrors.ErrRecordNotFound):
		return nil, err
	}

	log := r.logger.With(
		zap.String("project_id", t.ProjectID),
		zap.String("type", in.Type),
		zap.String("binding", in.BindingName)).Sugar()

	var res *model.Resource
	switch in.Type {
	case constants.ResourceTypeD1:
		// 数据库只在项目创建时开通, 这里不会新建
		return r.resolveLegacyDatabase(ctx, t, in)
	case constants.ResourceTypeR2:
		res, err = r.provisionBucket(ctx, t, in)
	case constants.ResourceTypeKV:
		res, err = r.provisionKV(ctx, t, in)
	case constants.ResourceTypeVectorize:
		res, err = r.provisionVectorIndex(ctx, t, in)
	case constants.ResourceTypeDurableObject:
		res = &model.Resource{ResourceName: in.ClassName}
	default:
		return nil, pkgErrors.Newf(pkgErrors.CodeDeployFatal, "不支持的资源类型 %s", in.Type)
	}
	if err != nil {
		return nil, err
	}

	res.ProjectID = t.ProjectID
	res.ResourceType = in.Type
	res.BindingName = in.BindingName
	created, err := r.resources.CreateIfAbsent(ctx, res)
	if err != nil {
		r.release(ctx, res, log)
		return nil, err
	}
	if !created {
		return r.adoptWinner(ctx, t, in, res, log)
	}
	log.Infof("资源已创建: %s", res.ResourceName)
	return res, nil
}

// adoptWinner 并发部署已先写入同一绑定的记录, 沿用对方的资源并回收本次新建的
func (r *Resolver) adoptWinner(ctx context.Context, t Target, in Intent, mine *model.Resource, log *zap.SugaredLogger) (*model.Resource, error) {
	winner, err := r.resources.FindActive(ctx, t.ProjectID, in.Type, in.BindingName)
	if err != nil {
		r.release(ctx, mine, log)
		return nil, err
	}
	if winner.ProviderID != mine.ProviderID {
		r.release(ctx, mine, log)
	}
	log.Warnf("绑定已被并发部署记录, 沿用资源 %s", winner.ResourceName)
	return winner, nil
}

// release 回收未记录的平台资源
// 只处理 KV: R2 桶和向量索引按名称确定, 可能与已记录的资源同名, 不能删
func (r *Resolver) release(ctx context.Context, res *model.Resource, log *zap.SugaredLogger) {
	if res.ResourceType != constants.ResourceTypeKV || res.ProviderID == "" {
		return
	}
	if err := r.client.DeleteKVNamespace(context.WithoutCancel(ctx), res.ProviderID); err != nil {
		log.Warnf("回收 KV 命名空间 %s 失败: %v", res.ProviderID, err)
	}
}

// resolveLegacyDatabase 老项目的数据库记录没有 binding_name, 取最早的一条并补写
func (r *Resolver) resolveLegacyDatabase(ctx context.Context, t Target, in Intent) (*model.Resource, error) {
	res, err := r.resources.FindOldestActive(ctx, t.ProjectID, constants.ResourceTypeD1)
	if errors.Is(err, pkgErrors.ErrRecordNotFound) {
		return nil, pkgErrors.Newf(pkgErrors.CodeDeployFatal,
			"项目没有可用于绑定 %s 的数据库, 请先执行 POST /api/v1/projects/%s/database 开通",
			in.BindingName, t.ProjectID)
	}
	if err != nil {
		return nil, err
	}

	if res.BindingName == "" {
		if err := r.resources.UpdateBindingName(ctx, res.ID, in.BindingName); err != nil {
			return nil, err
		}
		res.BindingName = in.BindingName
		r.logger.Info("旧数据库记录已补写 binding_name",
			zap.String("project_id", t.ProjectID),
			zap.String("resource_id", res.ID),
			zap.String("binding", in.BindingName))
	}
	return res, nil
}

func (r *Resolver) provisionBucket(ctx context.Context, t Target, in Intent) (*model.Resource, error) {
	name := in.ProviderName
	if name == "" {
		name = providerName(t.WorkerName, in.BindingName)
	}
	if err := r.client.CreateR2Bucket(ctx, name); err != nil {
		return nil, err
	}
	return &model.Resource{ResourceName: name, ProviderID: name}, nil
}

func (r *Resolver) provisionKV(ctx context.Context, t Target, in Intent) (*model.Resource, error) {
	title := in.ProviderName
	if title == "" {
		title = providerName(t.WorkerName, in.BindingName)
	}
	ns, err := r.client.CreateKVNamespace(ctx, title)
	if err != nil {
		return nil, err
	}
	return &model.Resource{ResourceName: ns.Title, ProviderID: ns.ID}, nil
}

// provisionVectorIndex 平台上同名索引已存在时维度必须一致
func (r *Resolver) provisionVectorIndex(ctx context.Context, t Target, in Intent) (*model.Resource, error) {
	name := providerName(t.WorkerName, in.BindingName)

	index, err := r.client.GetVectorIndex(ctx, name)
	switch {
	case err == nil:
		if index.Dimensions != in.Dimensions {
			return nil, dimensionMismatch(in.BindingName, index.Dimensions, in.Dimensions)
		}
	case platform.IsNotFound(err):
		index, err = r.client.CreateVectorIndex(ctx, name, in.Dimensions, in.Metric)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	return &model.Resource{
		ResourceName: index.Name,
		ProviderID:   index.Name,
		Metadata: datatypes.JSONMap{
			"dimensions": index.Dimensions,
			"metric":     index.Metric,
		},
	}, nil
}

func checkDimensions(res *model.Resource, in Intent) error {
	dims, ok := res.MetadataInt("dimensions")
	if !ok || in.Dimensions == 0 || dims == in.Dimensions {
		return nil
	}
	return dimensionMismatch(in.BindingName, dims, in.Dimensions)
}

func dimensionMismatch(binding string, have, want int) error {
	return pkgErrors.Newf(pkgErrors.CodeDeployFatal,
		"向量索引 %s 已存在且维度为 %d, 清单声明为 %d, 维度不可修改", binding, have, want)
}

// providerName worker 名 + 绑定名, 转为平台允许的小写短横线格式
func providerName(workerName, binding string) string {
	name := strings.ToLower(workerName + "-" + strings.ReplaceAll(binding, "_", "-"))
	name = strings.Trim(invalidNameChars.ReplaceAllString(name, "-"), "-")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}
