package deployment

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"

	"github.com/samber/lo"

	"edge-cd/internal/adapter/artifact"
	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/assets"
	"edge-cd/internal/core/binding"
	"edge-cd/internal/core/bundle"
	"edge-cd/internal/core/manifest"
	"edge-cd/internal/core/migration"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

// step 构建阶段的一个步骤; optional 步骤失败只记录日志
type step struct {
	name           string
	optional       bool
	skipOnRollback bool
	run            func(ctx context.Context, r *run) error
}

func (e *Engine) buildSteps() []step {
	return []step{
		{name: "schema", skipOnRollback: true, run: e.applySchema},
		{name: "bindings", run: e.resolveBindings},
		{name: "modules", run: e.loadModules},
		{name: "durable_objects", run: e.prepareDurableObjects},
		{name: "assets", run: e.uploadAssets},
		{name: "publish", run: e.publish},
		{name: "observability", optional: true, run: e.enableObservability},
		{name: "migration_tag", run: e.advanceMigrationTag},
		{name: "secrets", skipOnRollback: true, run: e.applySecrets},
	}
}

// handleQueued queued -> building: 保存制品
func (e *Engine) handleQueued(ctx context.Context, r *run) (string, map[string]interface{}, error) {
	if !r.rollback {
		r.prefix = artifact.DeploymentPrefix(r.project.ID, r.dep.ID)
		if err := e.storeArtifacts(ctx, r); err != nil {
			return "", nil, err
		}
	}
	return constants.DeploymentStatusBuilding, map[string]interface{}{
		"artifact_bucket_key": r.prefix,
	}, nil
}

// handleBuilding building -> live: 依次执行构建步骤并发布
func (e *Engine) handleBuilding(ctx context.Context, r *run) (string, map[string]interface{}, error) {
	for _, s := range e.buildSteps() {
		if s.skipOnRollback && r.rollback {
			continue
		}
		if err := s.run(ctx, r); err != nil {
			if s.optional {
				r.log.Warnf("可选步骤 %s 失败, 忽略: %v", s.name, err)
				continue
			}
			r.log.Errorf("步骤 %s 失败: %v", s.name, err)
			return "", nil, err
		}
	}

	versionID := r.result.VersionID
	if versionID == "" {
		versionID = r.result.ID
	}
	return constants.DeploymentStatusLive, map[string]interface{}{
		"worker_version_id": versionID,
	}, nil
}

func (e *Engine) storeArtifacts(ctx context.Context, r *run) error {
	in := r.input
	put := func(file string, data []byte) error {
		return e.Store.Put(ctx, artifact.Key(r.prefix, file), data, artifact.ContentTypeFor(file))
	}

	if err := put(artifact.BundleFile, in.Bundle); err != nil {
		return err
	}
	if err := put(artifact.ManifestFile, r.manifest.JSON()); err != nil {
		return err
	}
	if len(in.Source) > 0 {
		if err := put(artifact.SourceFile, in.Source); err != nil {
			return err
		}
	}
	if len(in.Assets) > 0 {
		if err := put(artifact.AssetsFile, in.Assets); err != nil {
			return err
		}
	}
	if len(in.AssetManifest) > 0 {
		data, err := json.Marshal(in.AssetManifest)
		if err != nil {
			return err
		}
		if err := put(artifact.AssetManifestFile, data); err != nil {
			return err
		}
	}
	r.log.Infof("制品已保存: %s", r.prefix)
	return nil
}

func (e *Engine) target(r *run) binding.Target {
	return binding.Target{ProjectID: r.project.ID, OrgID: r.project.OrgID, WorkerName: r.project.WorkerName}
}

// applySchema 在主数据库执行 schema, 表/索引等对象已存在视为成功
func (e *Engine) applySchema(ctx context.Context, r *run) error {
	sql := strings.TrimSpace(r.input.SchemaSQL)
	if sql == "" {
		return nil
	}

	name := constants.DefaultDatabaseBinding
	if b := r.manifest.Bindings; b != nil && b.D1 != nil {
		name = b.D1.Binding
	}
	db, err := e.Resolver.ResolveOrProvision(ctx, e.target(r), binding.Intent{Type: constants.ResourceTypeD1, BindingName: name})
	if err != nil {
		return err
	}

	if err := e.Client.QueryD1(ctx, db.ProviderID, sql); err != nil {
		if platform.IsSchemaObjectExists(err) {
			r.log.Warnf("schema 对象已存在, 跳过: %v", err)
			return nil
		}
		return err
	}
	r.log.Info("schema 已执行")
	return nil
}

func (e *Engine) resolveBindings(ctx context.Context, r *run) error {
	bindings, err := e.Resolver.Resolve(ctx, e.target(r), r.manifest.Bindings)
	if err != nil {
		return err
	}
	r.bindings = bindings
	return nil
}

func (e *Engine) loadModules(_ context.Context, r *run) error {
	b, err := bundle.Open(r.input.Bundle)
	if err != nil {
		return err
	}
	main, modules, err := b.Modules(r.manifest.Entrypoint)
	if err != nil {
		return err
	}
	r.mainModule, r.modules = main, modules
	return nil
}

// prepareDurableObjects 包装入口模块; 回滚不计算迁移, 平台上的类已存在
func (e *Engine) prepareDurableObjects(_ context.Context, r *run) error {
	if !r.manifest.HasDurableObjects() {
		return nil
	}

	classes := lo.Uniq(lo.Map(r.manifest.Bindings.DurableObjects, func(d manifest.DurableObjectBinding, _ int) string {
		return d.ClassName
	}))
	wrapper, err := bundle.MeteringWrapper(r.mainModule, classes)
	if err != nil {
		return err
	}
	r.modules = append([]platform.Module{wrapper}, r.modules...)
	r.mainModule = wrapper.Name

	if r.rollback {
		return nil
	}
	r.migrations = migration.Compute(r.project.DOMigrationTag, r.manifest.Migrations)
	if r.migrations != nil {
		r.log.Infof("待应用迁移: %q -> %q, %d 步", r.migrations.OldTag, r.migrations.NewTag, len(r.migrations.Steps))
	}
	return nil
}

// uploadAssets 资源包与 assets 绑定必须同时存在
func (e *Engine) uploadAssets(ctx context.Context, r *run) error {
	hasBundle := len(r.input.Assets) > 0
	declared := r.manifest.HasAssets()
	switch {
	case declared && !hasBundle:
		return pkgErrors.New(pkgErrors.CodeDeployFatal, "清单声明了 assets 绑定但没有上传资源包")
	case hasBundle && !declared:
		return pkgErrors.New(pkgErrors.CodeDeployFatal, "上传了资源包但清单没有声明 assets 绑定")
	case !declared:
		return nil
	}

	files, err := assets.Unpack(r.input.Assets)
	if err != nil {
		return err
	}
	pub, err := e.Assets.Run(ctx, r.project.WorkerName, files, r.input.AssetManifest, r.manifest.Bindings.Assets)
	if err != nil {
		return err
	}
	r.assets = pub
	r.bindings = append(r.bindings, pub.Binding)
	return nil
}

// publish 只发布一次; 迁移 tag 不一致以 CodePreconditionFailed 返回
func (e *Engine) publish(ctx context.Context, r *run) error {
	upload := &platform.ScriptUpload{
		ScriptName:         r.project.WorkerName,
		MainModule:         r.mainModule,
		Modules:            r.modules,
		Bindings:           r.bindings,
		CompatibilityDate:  r.manifest.CompatibilityDate,
		CompatibilityFlags: r.manifest.CompatibilityFlags,
		Migrations:         r.migrations,
	}
	if r.assets != nil {
		upload.Assets = r.assets.Assets
	}

	result, err := e.Client.UploadScript(ctx, upload)
	if err != nil {
		if errors.Is(err, platform.ErrPreconditionFailed) {
			return pkgErrors.Wrap(pkgErrors.CodePreconditionFailed, "迁移 tag 与平台记录不一致, 可能有并发部署", err)
		}
		return err
	}
	r.result = result
	r.log.Infof("脚本已发布: %s version=%s", result.ID, result.VersionID)
	return nil
}

func (e *Engine) enableObservability(ctx context.Context, r *run) error {
	return e.Client.PatchScriptSettings(ctx, r.project.WorkerName, &platform.ScriptSettingsPatch{
		Observability: &platform.Observability{Enabled: true},
	})
}

func (e *Engine) advanceMigrationTag(ctx context.Context, r *run) error {
	if r.migrations == nil {
		return nil
	}
	if err := e.Projects.UpdateMigrationTag(ctx, r.project.ID, r.migrations.NewTag); err != nil {
		return err
	}
	r.project.DOMigrationTag = r.migrations.NewTag
	return nil
}

// applySecrets 必须在发布之后, 避免被后续部署覆盖
func (e *Engine) applySecrets(ctx context.Context, r *run) error {
	names := make([]string, 0, len(r.input.Secrets))
	for name := range r.input.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := e.Client.PutSecret(ctx, r.project.WorkerName, name, r.input.Secrets[name]); err != nil {
			return err
		}
	}
	if len(names) > 0 {
		r.log.Infof("已写入 %d 个 secret", len(names))
	}
	return nil
}
