package platform

import "context"

// 绑定类型 (平台 metadata.bindings[].type)
const (
	BindingTypeD1            = "d1"
	BindingTypeR2            = "r2_bucket"
	BindingTypeKV            = "kv_namespace"
	BindingTypeVectorize     = "vectorize"
	BindingTypeDurableObject = "durable_object_namespace"
	BindingTypeAI            = "ai"
	BindingTypePlainText     = "plain_text"
	BindingTypeService       = "service"
	BindingTypeAssets        = "assets"
	BindingTypeAnalytics     = "analytics_engine"
)

// 模块内容类型
const (
	ContentTypeESModule = "application/javascript+module"
	ContentTypeWasm     = "application/wasm"
	ContentTypeText     = "text/plain"
	ContentTypeData     = "application/octet-stream"
)

// Client 云厂商控制面 API
type Client interface {
	CreateD1Database(ctx context.Context, name string) (*D1Database, error)
	DeleteD1Database(ctx context.Context, databaseID string) error
	QueryD1(ctx context.Context, databaseID, sql string) error

	CreateR2Bucket(ctx context.Context, name string) error
	DeleteR2Bucket(ctx context.Context, name string) error
	CreateKVNamespace(ctx context.Context, title string) (*KVNamespace, error)
	DeleteKVNamespace(ctx context.Context, namespaceID string) error
	CreateVectorIndex(ctx context.Context, name string, dimensions int, metric string) (*VectorIndex, error)
	GetVectorIndex(ctx context.Context, name string) (*VectorIndex, error)

	UploadScript(ctx context.Context, upload *ScriptUpload) (*ScriptResult, error)
	PutSecret(ctx context.Context, scriptName, name, value string) error
	GetScriptSettings(ctx context.Context, scriptName string) (*ScriptSettings, error)
	PatchScriptSettings(ctx context.Context, scriptName string, patch *ScriptSettingsPatch) error

	CreateAssetUploadSession(ctx context.Context, scriptName string, manifest map[string]AssetFile) (*AssetUploadSession, error)
	UploadAssetBucket(ctx context.Context, uploadToken string, payload map[string]AssetPayload) (string, error)

	QueryAnalytics(ctx context.Context, sql string) ([]map[string]any, error)
	QueryGraphQL(ctx context.Context, query string, variables map[string]any, out any) error
}

// Binding 发布脚本时附带的绑定
type Binding struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Text        string         `json:"text,omitempty"`
	ID          string         `json:"id,omitempty"`
	BucketName  string         `json:"bucket_name,omitempty"`
	NamespaceID string         `json:"namespace_id,omitempty"`
	IndexName   string         `json:"index_name,omitempty"`
	ClassName   string         `json:"class_name,omitempty"`
	Service     string         `json:"service,omitempty"`
	Entrypoint  string         `json:"entrypoint,omitempty"`
	Dataset     string         `json:"dataset,omitempty"`
	Props       map[string]any `json:"props,omitempty"`
}

// Module 脚本模块
type Module struct {
	Name        string
	ContentType string
	Content     []byte
}

// RenamedClass DO 类重命名
type RenamedClass struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// MigrationStep 单个迁移步骤, 空字段不输出
type MigrationStep struct {
	NewSqliteClasses []string       `json:"new_sqlite_classes,omitempty"`
	DeletedClasses   []string       `json:"deleted_classes,omitempty"`
	RenamedClasses   []RenamedClass `json:"renamed_classes,omitempty"`
}

// Migrations 平台按 old_tag 做前置校验, 不一致返回 ErrPreconditionFailed
type Migrations struct {
	OldTag string          `json:"old_tag,omitempty"`
	NewTag string          `json:"new_tag"`
	Steps  []MigrationStep `json:"steps"`
}

// AssetsConfig 静态资源路由策略
type AssetsConfig struct {
	HTMLHandling     string `json:"html_handling,omitempty"`
	NotFoundHandling string `json:"not_found_handling,omitempty"`
}

// ScriptAssets 发布时附带的资源完成令牌
type ScriptAssets struct {
	JWT    string        `json:"jwt"`
	Config *AssetsConfig `json:"config,omitempty"`
}

// ScriptUpload 发布请求
type ScriptUpload struct {
	ScriptName         string
	MainModule         string
	Modules            []Module
	Bindings           []Binding
	CompatibilityDate  string
	CompatibilityFlags []string
	Migrations         *Migrations
	Assets             *ScriptAssets
}

// ScriptResult 发布结果
type ScriptResult struct {
	ID        string `json:"id"`
	Etag      string `json:"etag"`
	VersionID string `json:"version_id"`
}

type D1Database struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type KVNamespace struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type VectorIndex struct {
	Name       string `json:"name"`
	Dimensions int    `json:"dimensions"`
	Metric     string `json:"metric"`
}

// ScriptSettings 已发布脚本的设置, bindings 保持原样以便原样回写
type ScriptSettings struct {
	Bindings      []map[string]any `json:"bindings"`
	Observability *Observability   `json:"observability,omitempty"`
}

type Observability struct {
	Enabled          bool     `json:"enabled"`
	HeadSamplingRate *float64 `json:"head_sampling_rate,omitempty"`
}

// ScriptSettingsPatch 只改设置, 不动代码
// Bindings 为 nil 表示不改绑定; 指向空切片表示清空全部绑定
type ScriptSettingsPatch struct {
	Bindings      *[]map[string]any `json:"bindings,omitempty"`
	Observability *Observability    `json:"observability,omitempty"`
}

// AssetFile 资源清单项
type AssetFile struct {
	Hash string `json:"hash"`
	Size int64  `json:"size"`
}

// AssetUploadSession 上传会话; Buckets 为空表示全部已存在, JWT 可直接作为完成令牌
type AssetUploadSession struct {
	JWT     string     `json:"jwt"`
	Buckets [][]string `json:"buckets"`
}

// AssetPayload 单个文件的上传内容
type AssetPayload struct {
	Base64      string
	ContentType string
}
