package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLayout(t *testing.T) {
	prefix := DeploymentPrefix("p1", "d1")
	assert.Equal(t, "projects/p1/deployments/d1", prefix)
	assert.Equal(t, "projects/p1/deployments/d1/bundle.zip", Key(prefix, BundleFile))
	assert.Equal(t, "bundles/official/hello-v3/asset-manifest.json",
		Key(TemplatePrefix("official", "hello", "3"), AssetManifestFile))
	assert.Equal(t, "application/zip", ContentTypeFor(AssetsFile))
	assert.Equal(t, "application/json", ContentTypeFor(ManifestFile))
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	data := []byte("hello")
	require.NoError(t, s.Put(ctx, "k", data, "text/plain"))
	data[0] = 'j'

	got, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
}
