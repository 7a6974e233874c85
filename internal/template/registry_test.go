package template

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgErrors "edge-cd/pkg/responses"
)

const catalog = `
templates:
  - id: blog
    version: "1"
    name: Blog
    has_schema: true
  - id: blog
    version: "2"
    name: Blog
    has_schema: true
    has_assets: true
  - id: chat
    version: "1"
    namespace: labs
`

func TestParse(t *testing.T) {
	r, err := Parse([]byte(catalog), "official")
	require.NoError(t, err)
	require.Len(t, r.List(), 3)

	latest, err := r.Get("blog", "")
	require.NoError(t, err)
	assert.Equal(t, "2", latest.Version)
	assert.True(t, latest.HasAssets)
	assert.Equal(t, "bundles/official/blog-v2", latest.Prefix())
	assert.Equal(t, "prebuilt:blog-v2", latest.Source())

	v1, err := r.Get("blog", "1")
	require.NoError(t, err)
	assert.False(t, v1.HasAssets)

	chat, err := r.Get("chat", "1")
	require.NoError(t, err)
	assert.Equal(t, "bundles/labs/chat-v1", chat.Prefix())

	_, err = r.Get("blog", "9")
	var appErr *pkgErrors.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, pkgErrors.CodeNotFound, appErr.Code)
}

func TestParse_Rejects(t *testing.T) {
	_, err := Parse([]byte("templates:\n  - id: a\n"), "official")
	assert.Error(t, err)

	_, err = Parse([]byte("templates:\n  - {id: a, version: '1'}\n  - {id: a, version: '1'}\n"), "official")
	assert.Error(t, err)

	_, err = Parse([]byte("templates: ["), "official")
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	r, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"), "official")
	require.NoError(t, err)
	assert.Empty(t, r.List())

	path := filepath.Join(t.TempDir(), "templates.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o600))
	r, err = LoadFile(path, "official")
	require.NoError(t, err)
	assert.Len(t, r.List(), 3)
}
