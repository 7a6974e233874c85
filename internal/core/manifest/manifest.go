package manifest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/tidwall/jsonc"

	pkgErrors "edge-cd/pkg/responses"
	"edge-cd/pkg/utils"
)

// 允许的 bindings 键
const (
	KeyD1             = "d1"
	KeyAI             = "ai"
	KeyR2             = "r2"
	KeyKV             = "kv"
	KeyVectorize      = "vectorize"
	KeyAssets         = "assets"
	KeyVars           = "vars"
	KeyDurableObjects = "durable_objects"
)

var allowedBindingKeys = map[string]bool{
	KeyD1: true, KeyAI: true, KeyR2: true, KeyKV: true,
	KeyVectorize: true, KeyAssets: true, KeyVars: true, KeyDurableObjects: true,
}

// Manifest 部署清单
type Manifest struct {
	Version            int         `json:"version" validate:"eq=1"`
	Entrypoint         string      `json:"entrypoint" validate:"required"`
	CompatibilityDate  string      `json:"compatibility_date" validate:"required,datetime=2006-01-02"`
	CompatibilityFlags []string    `json:"compatibility_flags,omitempty" validate:"dive,required"`
	ModuleFormat       string      `json:"module_format" validate:"eq=esm"`
	BuiltAt            string      `json:"built_at,omitempty"`
	Bindings           *Bindings   `json:"bindings,omitempty"`
	Migrations         []Migration `json:"migrations,omitempty" validate:"dive"`

	raw             []byte
	unknownBindings []string
}

// Bindings 基础设施声明, 按能力类型区分
type Bindings struct {
	D1             *NamedBinding          `json:"d1,omitempty"`
	AI             *NamedBinding          `json:"ai,omitempty"`
	R2             []BucketBinding        `json:"r2,omitempty" validate:"dive"`
	KV             []BucketBinding        `json:"kv,omitempty" validate:"dive"`
	Vectorize      []VectorizeBinding     `json:"vectorize,omitempty" validate:"dive"`
	Assets         *AssetsBinding         `json:"assets,omitempty"`
	Vars           map[string]string      `json:"vars,omitempty"`
	DurableObjects []DurableObjectBinding `json:"durable_objects,omitempty" validate:"dive"`
}

type NamedBinding struct {
	Binding string `json:"binding" validate:"required,identifier"`
}

// BucketBinding r2 / kv
type BucketBinding struct {
	Binding    string `json:"binding" validate:"required,identifier"`
	BucketName string `json:"bucket_name,omitempty"`
}

type VectorizeBinding struct {
	Binding    string `json:"binding" validate:"required,identifier"`
	Preset     string `json:"preset,omitempty"`
	Dimensions int    `json:"dimensions,omitempty" validate:"omitempty,gt=0,lte=1536"`
	Metric     string `json:"metric,omitempty" validate:"omitempty,oneof=cosine euclidean dot-product"`
}

type AssetsBinding struct {
	Binding          string `json:"binding,omitempty" validate:"omitempty,identifier"`
	Directory        string `json:"directory" validate:"required"`
	NotFoundHandling string `json:"not_found_handling,omitempty" validate:"omitempty,oneof=single-page-application 404-page none"`
	HTMLHandling     string `json:"html_handling,omitempty" validate:"omitempty,oneof=auto-trailing-slash force-trailing-slash drop-trailing-slash none"`
}

type DurableObjectBinding struct {
	Binding   string `json:"binding" validate:"required,identifier"`
	ClassName string `json:"class_name" validate:"required,identifier"`
}

type RenamedClass struct {
	From string `json:"from" validate:"required"`
	To   string `json:"to" validate:"required"`
}

// Migration Durable Object 类迁移
type Migration struct {
	Tag              string         `json:"tag" validate:"required"`
	NewSqliteClasses []string       `json:"new_sqlite_classes,omitempty"`
	DeletedClasses   []string       `json:"deleted_classes,omitempty"`
	RenamedClasses   []RenamedClass `json:"renamed_classes,omitempty" validate:"dive"`
}

// Parse 解析 JSONC, 类型错误以校验错误返回
func Parse(data []byte) (*Manifest, error) {
	stripped := jsonc.ToJSON(data)

	var m Manifest
	if err := json.Unmarshal(stripped, &m); err != nil {
		return nil, pkgErrors.Validation(utils.ValidationMessages(fmt.Errorf("manifest: %w", err)))
	}

	var top struct {
		Bindings map[string]json.RawMessage `json:"bindings"`
	}
	if err := json.Unmarshal(stripped, &top); err != nil {
		return nil, pkgErrors.Validation(utils.ValidationMessages(err))
	}
	for key := range top.Bindings {
		if !allowedBindingKeys[key] {
			m.unknownBindings = append(m.unknownBindings, key)
		}
	}
	sort.Strings(m.unknownBindings)

	m.raw = bytes.TrimSpace(stripped)
	return &m, nil
}

// JSON 原始清单 (已去注释), 用于存档
func (m *Manifest) JSON() []byte {
	if len(m.raw) > 0 {
		return m.raw
	}
	data, _ := json.Marshal(m)
	return data
}

// HasDurableObjects 是否声明了 Durable Object 绑定
func (m *Manifest) HasDurableObjects() bool {
	return m.Bindings != nil && len(m.Bindings.DurableObjects) > 0
}

// HasAssets 是否声明了静态资源绑定
func (m *Manifest) HasAssets() bool {
	return m.Bindings != nil && m.Bindings.Assets != nil
}

// LatestMigrationTag 最后一个迁移 tag, 无迁移返回空
func (m *Manifest) LatestMigrationTag() string {
	if len(m.Migrations) == 0 {
		return ""
	}
	return m.Migrations[len(m.Migrations)-1].Tag
}

// HasCompatibilityFlag 是否包含兼容性标志
func (m *Manifest) HasCompatibilityFlag(flag string) bool {
	for _, f := range m.CompatibilityFlags {
		if f == flag {
			return true
		}
	}
	return false
}
