package consumer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edge-cd/internal/adapter/artifact"
	"edge-cd/internal/adapter/mq"
	"edge-cd/internal/core/bundle"
	"edge-cd/internal/model"
	"edge-cd/internal/pkg/database/dbtest"
	"edge-cd/internal/repository"
	"edge-cd/pkg/constants"
)

func newIndexer(t *testing.T) (*Indexer, repository.DeploymentRepository, *artifact.MemoryStore) {
	t.Helper()
	deployments := repository.NewDeploymentRepository(dbtest.New(t))
	store := artifact.NewMemoryStore()
	return NewIndexer(deployments, store, zap.NewNop()), deployments, store
}

func createDeployment(t *testing.T, repo repository.DeploymentRepository, key *string) *model.Deployment {
	t.Helper()
	dep := &model.Deployment{ProjectID: "p1", Status: constants.DeploymentStatusLive, Source: constants.SourceCodeV1, ArtifactBucketKey: key}
	require.NoError(t, repo.Create(context.Background(), dep))
	return dep
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	in := make(map[string][]byte, len(files))
	for k, v := range files {
		in[k] = []byte(v)
	}
	data, err := bundle.Build(in)
	require.NoError(t, err)
	return data
}

func readIndex(t *testing.T, store *artifact.MemoryStore, prefix string) SourceIndex {
	t.Helper()
	raw, err := store.Get(context.Background(), artifact.Key(prefix, artifact.SourceIndexFile))
	require.NoError(t, err)
	var index SourceIndex
	require.NoError(t, json.Unmarshal(raw, &index))
	return index
}

func TestIndexer_PrefersSource(t *testing.T) {
	ctx := context.Background()
	ix, repo, store := newIndexer(t)
	prefix := "projects/p1/deployments/a"
	dep := createDeployment(t, repo, &prefix)
	require.NoError(t, store.Put(ctx, artifact.Key(prefix, artifact.BundleFile), zipBytes(t, map[string]string{"index.js": "bundled"}), ""))
	require.NoError(t, store.Put(ctx, artifact.Key(prefix, artifact.SourceFile), zipBytes(t, map[string]string{
		"src/index.ts": "export default {}",
		"package.json": "{}",
	}), ""))

	require.NoError(t, ix.Handle(ctx, &mq.DeploymentMessage{ProjectID: "p1", DeploymentID: dep.ID}))

	index := readIndex(t, store, prefix)
	assert.Equal(t, artifact.SourceFile, index.From)
	require.Len(t, index.Files, 2)
	assert.Equal(t, "/package.json", index.Files[0].Path)
	assert.Equal(t, "/src/index.ts", index.Files[1].Path)
	assert.Len(t, index.Files[1].Hash, 32)
}

func TestIndexer_FallsBackToBundle(t *testing.T) {
	ctx := context.Background()
	ix, repo, store := newIndexer(t)
	prefix := "projects/p1/deployments/b"
	dep := createDeployment(t, repo, &prefix)
	require.NoError(t, store.Put(ctx, artifact.Key(prefix, artifact.BundleFile), zipBytes(t, map[string]string{"index.js": "bundled"}), ""))

	require.NoError(t, ix.Handle(ctx, &mq.DeploymentMessage{ProjectID: "p1", DeploymentID: dep.ID}))
	assert.Equal(t, artifact.BundleFile, readIndex(t, store, prefix).From)
}

func TestIndexer_PermanentErrors(t *testing.T) {
	ctx := context.Background()
	ix, repo, _ := newIndexer(t)
	policy := DefaultRetryPolicy()

	noKey := createDeployment(t, repo, nil)
	err := ix.Handle(ctx, &mq.DeploymentMessage{ProjectID: "p1", DeploymentID: noKey.ID})
	require.Error(t, err)
	assert.True(t, policy.IsPermanent(err))
	assert.Contains(t, err.Error(), ErrMsgMissingArtifactKey)

	prefix := "projects/p1/deployments/c"
	empty := createDeployment(t, repo, &prefix)
	err = ix.Handle(ctx, &mq.DeploymentMessage{ProjectID: "p1", DeploymentID: empty.ID})
	require.Error(t, err)
	assert.True(t, policy.IsPermanent(err))
	assert.Contains(t, err.Error(), ErrMsgMissingSource)
}

func TestIndexer_UnknownDeploymentIsRetried(t *testing.T) {
	ix, _, _ := newIndexer(t)
	err := ix.Handle(context.Background(), &mq.DeploymentMessage{ProjectID: "p1", DeploymentID: "nope"})
	require.Error(t, err)
	assert.False(t, DefaultRetryPolicy().IsPermanent(err))
}
