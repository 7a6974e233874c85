package assets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/bundle"
	"edge-cd/internal/core/manifest"
	pkgErrors "edge-cd/pkg/responses"
)

func TestHash(t *testing.T) {
	a := Hash("/index.html", []byte("<h1>hi</h1>"))
	assert.Len(t, a, HashLength)
	assert.Equal(t, a, Hash("/other/index.html", []byte("<h1>hi</h1>")), "same content and extension share a hash")
	assert.NotEqual(t, a, Hash("/index.htm", []byte("<h1>hi</h1>")), "extension is part of the hash")
	assert.NotEqual(t, a, Hash("/index.html", []byte("<h1>bye</h1>")))
}

func TestUnpack_NormalizesAndDropsEmpty(t *testing.T) {
	data, err := bundle.Build(map[string][]byte{
		"index.html":      []byte("<h1>hi</h1>"),
		"./css/site.css":  []byte("body{}"),
		"empty.txt":       {},
		"img/../logo.svg": []byte("<svg/>"),
	})
	require.NoError(t, err)

	files, err := Unpack(data)
	require.NoError(t, err)
	assert.Equal(t, []string{"/css/site.css", "/index.html", "/logo.svg"}, files.Paths())
}

func TestBuildManifest_UsesHint(t *testing.T) {
	files := Files{"/a.js": []byte("a"), "/b.js": []byte("b")}
	got := BuildManifest(files, map[string]platform.AssetFile{
		"/a.js":    {Hash: "precomputed", Size: 1},
		"/gone.js": {Hash: "stale", Size: 9},
	})
	require.Len(t, got, 2)
	assert.Equal(t, "precomputed", got["/a.js"].Hash)
	assert.Equal(t, Hash("/b.js", []byte("b")), got["/b.js"].Hash)
	assert.EqualValues(t, 1, got["/b.js"].Size)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "text/html", ContentType("/index.HTML"))
	assert.Equal(t, "image/svg+xml", ContentType("/logo.svg"))
	assert.Equal(t, "application/octet-stream", ContentType("/data.unknown"))
	assert.Equal(t, "application/octet-stream", ContentType("/LICENSE"))
}

func sampleFiles() Files {
	return Files{
		"/index.html":  []byte("<h1>hi</h1>"),
		"/app.js":      []byte("console.log(1)"),
		"/site.css":    []byte("body{}"),
		"/copy/app.js": []byte("console.log(1)"),
		"/favicon.ico": {0x00, 0x01},
	}
}

func TestRun_UploadsMissingBuckets(t *testing.T) {
	fake := platform.NewFakeClient()
	c := NewCoordinator(fake, 3, zap.NewNop())

	pub, err := c.Run(context.Background(), "p-1", sampleFiles(), nil, &manifest.AssetsBinding{Directory: "./public", HTMLHandling: "none"})
	require.NoError(t, err)

	// 4 个不同 hash, 每桶 2 个
	assert.Len(t, fake.UploadedBuckets, 2)
	assert.NotEmpty(t, pub.Assets.JWT)
	assert.Equal(t, "ASSETS", pub.Binding.Name)
	assert.Equal(t, platform.BindingTypeAssets, pub.Binding.Type)
	assert.Equal(t, "single-page-application", pub.Assets.Config.NotFoundHandling)
	assert.Equal(t, "none", pub.Assets.Config.HTMLHandling)
}

func TestRun_AllKnownUsesSessionToken(t *testing.T) {
	fake := platform.NewFakeClient()
	for _, entry := range BuildManifest(sampleFiles(), nil) {
		fake.KnownAssets[entry.Hash] = true
	}
	c := NewCoordinator(fake, 3, zap.NewNop())

	pub, err := c.Run(context.Background(), "p-1", sampleFiles(), nil, &manifest.AssetsBinding{Binding: "STATIC", Directory: "dist"})
	require.NoError(t, err)
	assert.Zero(t, fake.Calls("UploadAssetBucket"))
	assert.Contains(t, pub.Assets.JWT, "complete-p-1")
	assert.Equal(t, "STATIC", pub.Binding.Name)
}

func TestRun_MissingCompletionTokenIsFatal(t *testing.T) {
	fake := platform.NewFakeClient()
	fake.OmitCompletionToken = true
	c := NewCoordinator(fake, 3, zap.NewNop())

	_, err := c.Run(context.Background(), "p-1", sampleFiles(), nil, nil)
	require.Error(t, err)
	assert.Equal(t, pkgErrors.CodeDeployFatal, pkgErrors.CodeOf(err))
}

func TestRun_EmptyFilesIsFatal(t *testing.T) {
	c := NewCoordinator(platform.NewFakeClient(), 3, zap.NewNop())
	_, err := c.Run(context.Background(), "p-1", Files{}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, pkgErrors.CodeDeployFatal, pkgErrors.CodeOf(err))
}

func TestRun_BucketFailurePropagates(t *testing.T) {
	fake := platform.NewFakeClient()
	boom := &platform.APIError{Op: "upload asset bucket", StatusCode: 503}
	fake.Fail("UploadAssetBucket", boom)
	c := NewCoordinator(fake, 3, zap.NewNop())

	_, err := c.Run(context.Background(), "p-1", sampleFiles(), nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.True(t, platform.IsRetryable(err))
}
