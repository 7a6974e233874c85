package manifest

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgErrors "edge-cd/pkg/responses"
)

const validManifest = `{
	// generated by the build step
	"version": 1,
	"entrypoint": "index.js",
	"compatibility_date": "2025-01-01",
	"compatibility_flags": ["nodejs_compat"],
	"module_format": "esm",
	"bindings": {
		"d1": {"binding": "DB"},
		"ai": {"binding": "AI"},
		"r2": [{"binding": "FILES"}],
		"kv": [{"binding": "CACHE"}],
		"vectorize": [{"binding": "VEC", "preset": "@cf/baai/bge-base-en-v1.5"}],
		"assets": {"directory": "./public"},
		"vars": {"MODE": "prod"},
		"durable_objects": [{"binding": "COUNTER", "class_name": "Counter"}],
	},
	"migrations": [
		{"tag": "v1", "new_sqlite_classes": ["Counter"]},
	],
}`

func TestParse_ValidManifest(t *testing.T) {
	m, err := Parse([]byte(validManifest))
	require.NoError(t, err)
	assert.Empty(t, Validate(m))

	assert.Equal(t, "index.js", m.Entrypoint)
	assert.True(t, m.HasDurableObjects())
	assert.True(t, m.HasAssets())
	assert.Equal(t, "v1", m.LatestMigrationTag())
	assert.NotContains(t, string(m.JSON()), "generated by")

	dims, metric, ok := m.Bindings.Vectorize[0].Shape()
	assert.True(t, ok)
	assert.Equal(t, 768, dims)
	assert.Equal(t, "cosine", metric)
}

func TestParse_TypeErrorIsValidation(t *testing.T) {
	_, err := Parse([]byte(`{"version": 1, "bindings": {"r2": {"binding": "X"}}}`))
	require.Error(t, err)
	assert.Equal(t, pkgErrors.CodeValidationError, pkgErrors.CodeOf(err))

	var appErr *pkgErrors.AppError
	require.True(t, errors.As(err, &appErr))
	require.Len(t, appErr.Details, 1)
	assert.Contains(t, appErr.Details[0], "bindings.r2")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		problem string
	}{
		{
			name:    "wrong version",
			mutate:  func(s string) string { return strings.Replace(s, `"version": 1`, `"version": 2`, 1) },
			problem: "field 'version' must equal 1",
		},
		{
			name:    "missing entrypoint",
			mutate:  func(s string) string { return strings.Replace(s, `"entrypoint": "index.js",`, "", 1) },
			problem: "field 'entrypoint' is required",
		},
		{
			name:    "bad date",
			mutate:  func(s string) string { return strings.Replace(s, "2025-01-01", "01/01/2025", 1) },
			problem: "compatibility_date",
		},
		{
			name:    "commonjs",
			mutate:  func(s string) string { return strings.Replace(s, `"esm"`, `"cjs"`, 1) },
			problem: "module_format",
		},
		{
			name:    "unknown binding key",
			mutate:  func(s string) string { return strings.Replace(s, `"d1":`, `"queues": [], "d1":`, 1) },
			problem: "bindings.queues: unknown binding type",
		},
		{
			name:    "reserved binding name",
			mutate:  func(s string) string { return strings.Replace(s, `"binding": "CACHE"`, `"binding": "__CACHE"`, 1) },
			problem: "is reserved",
		},
		{
			name:    "project id var",
			mutate:  func(s string) string { return strings.Replace(s, `"MODE"`, `"PROJECT_ID"`, 1) },
			problem: "binding name 'PROJECT_ID' is reserved",
		},
		{
			name:    "duplicate binding name",
			mutate:  func(s string) string { return strings.Replace(s, `"binding": "FILES"`, `"binding": "CACHE"`, 1) },
			problem: "already used by",
		},
		{
			name:    "invalid identifier",
			mutate:  func(s string) string { return strings.Replace(s, `"binding": "FILES"`, `"binding": "my-files"`, 1) },
			problem: "must be a valid identifier",
		},
		{
			name:    "durable objects without nodejs_compat",
			mutate:  func(s string) string { return strings.Replace(s, `"nodejs_compat"`, `"streams"`, 1) },
			problem: "durable objects require 'nodejs_compat'",
		},
		{
			name: "unknown vector preset",
			mutate: func(s string) string {
				return strings.Replace(s, "@cf/baai/bge-base-en-v1.5", "acme/embedder", 1)
			},
			problem: "unknown preset 'acme/embedder'",
		},
		{
			name: "vector without shape",
			mutate: func(s string) string {
				return strings.Replace(s, `"preset": "@cf/baai/bge-base-en-v1.5"`, `"metric": "cosine"`, 1)
			},
			problem: "either preset or dimensions is required",
		},
		{
			name: "bad metric",
			mutate: func(s string) string {
				return strings.Replace(s, `"preset": "@cf/baai/bge-base-en-v1.5"`, `"dimensions": 8, "metric": "manhattan"`, 1)
			},
			problem: "metric",
		},
		{
			name: "bad not found handling",
			mutate: func(s string) string {
				return strings.Replace(s, `"directory": "./public"`, `"directory": "./public", "not_found_handling": "redirect"`, 1)
			},
			problem: "not_found_handling",
		},
		{
			name: "duplicate migration tag",
			mutate: func(s string) string {
				return strings.Replace(s, `{"tag": "v1", "new_sqlite_classes": ["Counter"]},`,
					`{"tag": "v1", "new_sqlite_classes": ["Counter"]}, {"tag": "v1"},`, 1)
			},
			problem: "tag 'v1' duplicates migrations[0]",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Parse([]byte(tt.mutate(validManifest)))
			require.NoError(t, err)
			problems := Validate(m)
			require.NotEmpty(t, problems)
			assert.Contains(t, strings.Join(problems, "\n"), tt.problem)
		})
	}
}

func TestValidate_AssetsDefaultBindingCollides(t *testing.T) {
	raw := strings.Replace(validManifest, `"MODE": "prod"`, `"ASSETS": "x"`, 1)
	m, err := Parse([]byte(raw))
	require.NoError(t, err)
	assert.Contains(t, strings.Join(Validate(m), "\n"), "'ASSETS' already used by bindings.assets")
}
