package binding

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/manifest"
	"edge-cd/internal/model"
	"edge-cd/internal/pkg/database/dbtest"
	"edge-cd/internal/repository"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

var target = Target{ProjectID: "p1", OrgID: "org-1", WorkerName: "p-demo"}

type fixture struct {
	fake      *platform.FakeClient
	resources repository.ResourceRepository
	resolver  *Resolver
}

func newFixture(t *testing.T) *fixture {
	fake := platform.NewFakeClient()
	resources := repository.NewResourceRepository(dbtest.New(t))
	return &fixture{
		fake:      fake,
		resources: resources,
		resolver: NewResolver(fake, resources, Options{
			ProxyService:     "edge-cd-proxy",
			AnalyticsDataset: "do_metrics",
		}, zap.NewNop()),
	}
}

func (f *fixture) seedDatabase(t *testing.T, binding string) *model.Resource {
	res := &model.Resource{
		ProjectID:    target.ProjectID,
		ResourceType: constants.ResourceTypeD1,
		BindingName:  binding,
		ResourceName: "p-demo-db",
		ProviderID:   "d1-uuid",
	}
	require.NoError(t, f.resources.Create(context.Background(), res))
	return res
}

func fullBindings() *manifest.Bindings {
	return &manifest.Bindings{
		D1:        &manifest.NamedBinding{Binding: "DB"},
		AI:        &manifest.NamedBinding{Binding: "AI"},
		R2:        []manifest.BucketBinding{{Binding: "FILES"}},
		KV:        []manifest.BucketBinding{{Binding: "CACHE"}},
		Vectorize: []manifest.VectorizeBinding{{Binding: "VEC", Dimensions: 768, Metric: "cosine"}},
		Vars:      map[string]string{"Z_LAST": "z", "A_FIRST": "a"},
		DurableObjects: []manifest.DurableObjectBinding{
			{Binding: "COUNTER", ClassName: "Counter"},
		},
	}
}

func names(bs []platform.Binding) []string {
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.Name)
	}
	return out
}

func TestResolve_OrderAndShape(t *testing.T) {
	f := newFixture(t)
	f.seedDatabase(t, "DB")

	got, err := f.resolver.Resolve(context.Background(), target, fullBindings())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"PROJECT_ID", "__ORG_ID", "DB", "AI", "__AI_PROXY", "FILES", "CACHE",
		"VEC", "__VECTORIZE_PROXY", "COUNTER", "__DO_METRICS", "A_FIRST", "Z_LAST",
	}, names(got))

	assert.Equal(t, "p1", got[0].Text)
	assert.Equal(t, "org-1", got[1].Text)
	assert.Equal(t, "d1-uuid", got[2].ID)

	proxy := got[4]
	assert.Equal(t, platform.BindingTypeService, proxy.Type)
	assert.Equal(t, "edge-cd-proxy", proxy.Service)
	assert.Equal(t, AIProxyEntrypoint, proxy.Entrypoint)
	assert.Equal(t, map[string]any{"projectId": "p1", "orgId": "org-1"}, proxy.Props)

	assert.Equal(t, "p-demo-files", got[5].BucketName)
	assert.Equal(t, "p-demo-vec", got[7].IndexName)
	assert.Equal(t, "Counter", got[9].ClassName)
	assert.Equal(t, platform.BindingTypeAnalytics, got[10].Type)
	assert.Equal(t, "do_metrics", got[10].Dataset)
}

func TestResolve_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seedDatabase(t, "DB")
	ctx := context.Background()

	first, err := f.resolver.Resolve(ctx, target, fullBindings())
	require.NoError(t, err)
	before, err := f.resources.ListByProject(ctx, target.ProjectID)
	require.NoError(t, err)

	second, err := f.resolver.Resolve(ctx, target, fullBindings())
	require.NoError(t, err)
	after, err := f.resources.ListByProject(ctx, target.ProjectID)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, after, len(before))
	assert.Equal(t, 1, f.fake.Calls("CreateR2Bucket"))
	assert.Equal(t, 1, f.fake.Calls("CreateKVNamespace"))
	assert.Equal(t, 1, f.fake.Calls("CreateVectorIndex"))
}

func TestResolve_NoBindings(t *testing.T) {
	f := newFixture(t)
	got, err := f.resolver.Resolve(context.Background(), target, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"PROJECT_ID", "__ORG_ID"}, names(got))
}

func TestResolveOrProvision_DatabaseLegacyBackfill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	legacy := f.seedDatabase(t, "")

	res, err := f.resolver.ResolveOrProvision(ctx, target, Intent{Type: constants.ResourceTypeD1, BindingName: "MAIN_DB"})
	require.NoError(t, err)
	assert.Equal(t, legacy.ID, res.ID)

	stamped, err := f.resources.FindActive(ctx, target.ProjectID, constants.ResourceTypeD1, "MAIN_DB")
	require.NoError(t, err)
	assert.Equal(t, legacy.ID, stamped.ID)
	assert.Zero(t, f.fake.Calls("CreateD1Database"))
}

func TestResolveOrProvision_DatabaseMissingIsFatal(t *testing.T) {
	f := newFixture(t)
	_, err := f.resolver.ResolveOrProvision(context.Background(), target, Intent{Type: constants.ResourceTypeD1, BindingName: "DB"})
	require.Error(t, err)
	assert.Equal(t, pkgErrors.CodeDeployFatal, pkgErrors.CodeOf(err))
	assert.Contains(t, err.Error(), "POST /api/v1/projects/p1/database")
	assert.Zero(t, f.fake.Calls("CreateD1Database"))
}

func TestResolveOrProvision_VectorDimensionsImmutable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := Intent{Type: constants.ResourceTypeVectorize, BindingName: "VEC", Dimensions: 384, Metric: "cosine"}

	_, err := f.resolver.ResolveOrProvision(ctx, target, intent)
	require.NoError(t, err)

	intent.Dimensions = 768
	_, err = f.resolver.ResolveOrProvision(ctx, target, intent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "384")
}

func TestResolveOrProvision_VectorIndexExistsOnPlatform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fake.VectorIndexes["p-demo-vec"] = &platform.VectorIndex{Name: "p-demo-vec", Dimensions: 1024, Metric: "cosine"}

	_, err := f.resolver.ResolveOrProvision(ctx, target, Intent{Type: constants.ResourceTypeVectorize, BindingName: "VEC", Dimensions: 768})
	require.Error(t, err)
	assert.Equal(t, pkgErrors.CodeDeployFatal, pkgErrors.CodeOf(err))

	res, err := f.resolver.ResolveOrProvision(ctx, target, Intent{Type: constants.ResourceTypeVectorize, BindingName: "VEC", Dimensions: 1024})
	require.NoError(t, err)
	assert.Equal(t, "p-demo-vec", res.ResourceName)
	assert.Zero(t, f.fake.Calls("CreateVectorIndex"))
}

func TestResolveOrProvision_DurableObjectNeedsNoProviderCall(t *testing.T) {
	f := newFixture(t)
	res, err := f.resolver.ResolveOrProvision(context.Background(), target, Intent{
		Type: constants.ResourceTypeDurableObject, BindingName: "COUNTER", ClassName: "Counter",
	})
	require.NoError(t, err)
	assert.Equal(t, "Counter", res.ResourceName)
	assert.NotEmpty(t, res.ID)
}

func TestResolveOrProvision_ProviderErrorPropagates(t *testing.T) {
	f := newFixture(t)
	boom := &platform.APIError{Op: "create kv namespace", StatusCode: 500}
	f.fake.Fail("CreateKVNamespace", boom)

	_, err := f.resolver.ResolveOrProvision(context.Background(), target, Intent{Type: constants.ResourceTypeKV, BindingName: "CACHE"})
	assert.ErrorIs(t, err, boom)

	list, err := f.resources.ListByProject(context.Background(), target.ProjectID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

// staleResources 前 misses 次 FindActive 查不到, 模拟两个部署同时看到"尚未开通"
type staleResources struct {
	repository.ResourceRepository
	mu     sync.Mutex
	misses int
}

func (s *staleResources) FindActive(ctx context.Context, projectID, resourceType, bindingName string) (*model.Resource, error) {
	s.mu.Lock()
	miss := s.misses > 0
	if miss {
		s.misses--
	}
	s.mu.Unlock()
	if miss {
		return nil, pkgErrors.ErrRecordNotFound
	}
	return s.ResourceRepository.FindActive(ctx, projectID, resourceType, bindingName)
}

func TestResolveOrProvision_LosingWriterAdoptsRecordedKV(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	stale := &staleResources{ResourceRepository: f.resources, misses: 2}
	f.resolver.resources = stale
	intent := Intent{Type: constants.ResourceTypeKV, BindingName: "CACHE"}

	first, err := f.resolver.ResolveOrProvision(ctx, target, intent)
	require.NoError(t, err)
	second, err := f.resolver.ResolveOrProvision(ctx, target, intent)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.ProviderID, second.ProviderID)
	assert.Equal(t, 2, f.fake.Calls("CreateKVNamespace"))
	assert.Equal(t, 1, f.fake.Calls("DeleteKVNamespace"))
	require.Len(t, f.fake.KVNamespaces, 1)
	assert.Contains(t, f.fake.KVNamespaces, first.ProviderID)

	list, err := f.resources.ListByProject(ctx, target.ProjectID)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestResolveOrProvision_LosingWriterKeepsSharedBucket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.resolver.resources = &staleResources{ResourceRepository: f.resources, misses: 2}
	intent := Intent{Type: constants.ResourceTypeR2, BindingName: "FILES"}

	first, err := f.resolver.ResolveOrProvision(ctx, target, intent)
	require.NoError(t, err)
	second, err := f.resolver.ResolveOrProvision(ctx, target, intent)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.True(t, f.fake.R2Buckets["p-demo-files"])
	assert.Zero(t, f.fake.Calls("DeleteR2Bucket"))
}

func TestResolveOrProvision_ConcurrentCallersShareOneRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	intent := Intent{Type: constants.ResourceTypeKV, BindingName: "CACHE"}

	const workers = 6
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.resolver.ResolveOrProvision(ctx, target, intent)
			errs[i] = err
			if err == nil {
				ids[i] = res.ID
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	list, err := f.resources.ListByProject(ctx, target.ProjectID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Len(t, f.fake.KVNamespaces, 1)
	assert.Contains(t, f.fake.KVNamespaces, list[0].ProviderID)
}

func TestProviderName(t *testing.T) {
	assert.Equal(t, "p-demo-my-files", providerName("p-demo", "MY_FILES"))
	assert.Equal(t, "p-demo-x", providerName("p-Demo", "X$"))
}
