package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edge-cd/internal/adapter/artifact"
	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/assets"
	"edge-cd/internal/core/binding"
	"edge-cd/internal/core/bundle"
	"edge-cd/internal/core/deployment"
	"edge-cd/internal/dto"
	"edge-cd/internal/pkg/database/dbtest"
	"edge-cd/internal/repository"
	"edge-cd/internal/template"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

const templateManifest = `{
	// 预构建模板
	"version": 1,
	"entrypoint": "index.js",
	"compatibility_date": "2025-01-01",
	"module_format": "esm",
	"bindings": {"d1": {"binding": "DB"}},
}`

type testEnv struct {
	fake        *platform.FakeClient
	store       *artifact.MemoryStore
	projects    repository.ProjectRepository
	resources   repository.ResourceRepository
	projectSvc  ProjectService
	deployments DeploymentService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := dbtest.New(t)
	env := &testEnv{
		fake:      platform.NewFakeClient(),
		store:     artifact.NewMemoryStore(),
		projects:  repository.NewProjectRepository(db),
		resources: repository.NewResourceRepository(db),
	}
	engine := deployment.NewEngine(deployment.Deps{
		Deployments: repository.NewDeploymentRepository(db),
		Projects:    env.projects,
		Store:       env.store,
		Client:      env.fake,
		Resolver:    binding.NewResolver(env.fake, env.resources, binding.Options{ProxyService: "proxy", AnalyticsDataset: "do_metrics"}, zap.NewNop()),
		Assets:      assets.NewCoordinator(env.fake, 3, zap.NewNop()),
	}, deployment.Options{}, zap.NewNop())

	registry, err := template.NewStaticRegistry([]*template.Template{
		{ID: "todo", Version: "1", HasSchema: true},
		{ID: "broken", Version: "1"},
	}, "official")
	require.NoError(t, err)

	env.projectSvc = NewProjectService(env.projects, env.resources, env.fake, "p-", zap.NewNop())
	env.deployments = NewDeploymentService(env.projects, engine, env.store, registry, zap.NewNop())
	return env
}

func (e *testEnv) createProject(t *testing.T, name string) *dto.ProjectResponse {
	t.Helper()
	p, err := e.projectSvc.Create(context.Background(), &dto.CreateProjectRequest{Name: name, OrgID: "org-1"})
	require.NoError(t, err)
	return p
}

func (e *testEnv) putTemplate(t *testing.T, prefix string, files map[string][]byte) {
	t.Helper()
	for name, data := range files {
		require.NoError(t, e.store.Put(context.Background(), artifact.Key(prefix, name), data, artifact.ContentTypeFor(name)))
	}
}

func codeOf(err error) int {
	return pkgErrors.CodeOf(err)
}

func TestProjectService_CreateProvisionsDatabase(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "demo")

	assert.Equal(t, constants.TierFree, p.Tier)
	assert.Regexp(t, `^p-[0-9a-f]{12}$`, p.WorkerName)
	require.Len(t, p.Resources, 1)
	assert.Equal(t, constants.ResourceTypeD1, p.Resources[0].ResourceType)
	assert.Equal(t, constants.DefaultDatabaseBinding, p.Resources[0].BindingName)
	assert.Len(t, env.fake.D1Databases, 1)

	got, err := env.projectSvc.Get(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Len(t, got.Resources, 1)

	_, err = env.projectSvc.Create(context.Background(), &dto.CreateProjectRequest{Name: "demo", OrgID: "org-1"})
	assert.Equal(t, pkgErrors.CodeConflict, codeOf(err))
}

func TestProjectService_ProvisionRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.Fail("CreateD1Database", &platform.APIError{Op: "create d1", StatusCode: 400, Message: "quota"})

	p, err := env.projectSvc.Create(ctx, &dto.CreateProjectRequest{Name: "demo", OrgID: "org-1"})
	require.Error(t, err)
	assert.Equal(t, pkgErrors.CodeUpstreamError, codeOf(err))
	assert.Contains(t, err.Error(), "/database")
	require.NotNil(t, p)
	assert.Empty(t, p.Resources)

	env.fake.Fail("CreateD1Database", nil)
	db, err := env.projectSvc.ProvisionDatabase(ctx, p.ID)
	require.NoError(t, err)
	again, err := env.projectSvc.ProvisionDatabase(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, db.ID, again.ID)
	assert.Equal(t, 2, env.fake.Calls("CreateD1Database"))
}

func TestProjectService_GetUnknown(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.projectSvc.Get(context.Background(), "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, pkgErrors.CodeNotFound, codeOf(err))
}

func TestDeploymentService_DeployPrebuilt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	p := env.createProject(t, "demo")

	code, err := bundle.Build(map[string][]byte{"index.js": []byte("export default {}")})
	require.NoError(t, err)
	env.putTemplate(t, "bundles/official/todo-v1", map[string][]byte{
		artifact.BundleFile:   code,
		artifact.ManifestFile: []byte(templateManifest),
		artifact.SchemaFile:   []byte("CREATE TABLE todos (id INTEGER PRIMARY KEY);"),
	})

	dep, err := env.deployments.DeployPrebuilt(ctx, p.ID, &dto.PrebuiltDeployRequest{TemplateID: "todo", Secrets: map[string]string{"TOKEN": "x"}})
	require.NoError(t, err)
	assert.Equal(t, constants.DeploymentStatusLive, dep.Status)
	assert.Equal(t, "prebuilt:todo-v1", dep.Source)
	require.NotNil(t, dep.Message)
	assert.Equal(t, "deploy template todo v1", *dep.Message)

	dbID := p.Resources[0].ProviderID
	assert.Equal(t, []string{"CREATE TABLE todos (id INTEGER PRIMARY KEY);"}, env.fake.D1Queries[dbID])
	assert.Equal(t, "x", env.fake.Secrets[p.WorkerName]["TOKEN"])

	live, err := env.deployments.Live(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, dep.ID, live.ID)

	list, err := env.deployments.List(ctx, p.ID, &dto.DeploymentListQuery{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeploymentService_PrebuiltMissingArtifacts(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "demo")

	_, err := env.deployments.DeployPrebuilt(context.Background(), p.ID, &dto.PrebuiltDeployRequest{TemplateID: "broken"})
	require.Error(t, err)
	assert.Equal(t, pkgErrors.CodeDeployFatal, codeOf(err))

	list, err := env.deployments.List(context.Background(), p.ID, &dto.DeploymentListQuery{})
	require.NoError(t, err)
	assert.Empty(t, list, "no row is written when template artifacts are missing")

	_, err = env.deployments.DeployPrebuilt(context.Background(), p.ID, &dto.PrebuiltDeployRequest{TemplateID: "nope"})
	assert.Equal(t, pkgErrors.CodeNotFound, codeOf(err))
}

func TestDeploymentService_LiveWithoutDeployments(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "demo")

	_, err := env.deployments.Live(context.Background(), p.ID)
	assert.Equal(t, pkgErrors.CodeNotFound, codeOf(err))
}

func TestDeploymentService_FailedDeployReturnsRow(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "demo")
	env.fake.Fail("UploadScript", errors.New("boom"))

	code, err := bundle.Build(map[string][]byte{"index.js": []byte("export default {}")})
	require.NoError(t, err)
	dep, err := env.deployments.Deploy(context.Background(), p.ID, &deployment.CodeDeployment{Manifest: []byte(templateManifest), Bundle: code})
	require.Error(t, err)
	require.NotNil(t, dep)
	assert.Equal(t, constants.DeploymentStatusFailed, dep.Status)
	require.NotNil(t, dep.ErrorMessage)
	assert.Contains(t, *dep.ErrorMessage, "boom")
}
