package artifact

import (
	"context"
	"errors"
	"fmt"
)

// 部署制品文件名
const (
	BundleFile        = "bundle.zip"
	SourceFile        = "source.zip"
	ManifestFile      = "manifest.json"
	AssetsFile        = "assets.zip"
	AssetManifestFile = "asset-manifest.json"
	SchemaFile        = "schema.sql"
	SourceIndexFile   = "source-index.json"
)

// ErrNotFound 对象不存在
var ErrNotFound = errors.New("artifact: object not found")

// Store 制品存储, 写入后不可变
type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// DeploymentPrefix projects/{projectId}/deployments/{deploymentId}
func DeploymentPrefix(projectID, deploymentID string) string {
	return fmt.Sprintf("projects/%s/deployments/%s", projectID, deploymentID)
}

// TemplatePrefix bundles/{namespace}/{templateId}-v{version}
func TemplatePrefix(namespace, templateID, version string) string {
	return fmt.Sprintf("bundles/%s/%s-v%s", namespace, templateID, version)
}

// Key 前缀与文件名拼接
func Key(prefix, file string) string {
	return prefix + "/" + file
}

// ContentTypeFor 制品文件的 Content-Type
func ContentTypeFor(file string) string {
	switch file {
	case BundleFile, SourceFile, AssetsFile:
		return "application/zip"
	case ManifestFile, AssetManifestFile, SourceIndexFile:
		return "application/json"
	case SchemaFile:
		return "application/sql"
	default:
		return "application/octet-stream"
	}
}
