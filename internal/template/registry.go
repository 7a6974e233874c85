// Package template 预构建模板目录, 启动时从 YAML 读取, 运行期只读
package template

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"edge-cd/internal/adapter/artifact"
	pkgErrors "edge-cd/pkg/responses"
)

// Template 一个模板版本
type Template struct {
	ID          string `yaml:"id" json:"id"`
	Version     string `yaml:"version" json:"version"`
	Namespace   string `yaml:"namespace" json:"namespace"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	// HasAssets/HasSchema 决定部署时读取哪些可选制品
	HasAssets bool `yaml:"has_assets" json:"has_assets"`
	HasSchema bool `yaml:"has_schema" json:"has_schema"`
}

// Prefix 制品目录 bundles/{namespace}/{id}-v{version}
func (t *Template) Prefix() string {
	return artifact.TemplatePrefix(t.Namespace, t.ID, t.Version)
}

// Source 部署来源标记
func (t *Template) Source() string {
	return fmt.Sprintf("prebuilt:%s-v%s", t.ID, t.Version)
}

// Registry 模板查询
type Registry interface {
	Get(id, version string) (*Template, error)
	List() []*Template
}

type file struct {
	Templates []*Template `yaml:"templates"`
}

// StaticRegistry 内存只读实现
type StaticRegistry struct {
	byKey  map[string]*Template
	latest map[string]*Template
	all    []*Template
}

var _ Registry = (*StaticRegistry)(nil)

// LoadFile 读取 YAML 文件; 文件不存在时返回空目录
func LoadFile(path, defaultNamespace string) (*StaticRegistry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewStaticRegistry(nil, defaultNamespace)
		}
		return nil, fmt.Errorf("读取模板目录失败: %w", err)
	}
	return Parse(data, defaultNamespace)
}

// Parse 解析 YAML 内容
func Parse(data []byte, defaultNamespace string) (*StaticRegistry, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("解析模板目录失败: %w", err)
	}
	return NewStaticRegistry(f.Templates, defaultNamespace)
}

func NewStaticRegistry(templates []*Template, defaultNamespace string) (*StaticRegistry, error) {
	r := &StaticRegistry{byKey: map[string]*Template{}, latest: map[string]*Template{}}
	for _, t := range templates {
		if t.ID == "" || t.Version == "" {
			return nil, fmt.Errorf("模板缺少 id 或 version: %+v", *t)
		}
		if t.Namespace == "" {
			t.Namespace = defaultNamespace
		}
		key := t.ID + "@" + t.Version
		if _, dup := r.byKey[key]; dup {
			return nil, fmt.Errorf("模板重复: %s", key)
		}
		r.byKey[key] = t
		r.all = append(r.all, t)
		// 同一模板后声明的版本视为最新
		r.latest[t.ID] = t
	}
	sort.SliceStable(r.all, func(i, j int) bool { return r.all[i].ID < r.all[j].ID })
	return r, nil
}

// Get version 为空时取最新版本
func (r *StaticRegistry) Get(id, version string) (*Template, error) {
	var (
		t  *Template
		ok bool
	)
	if version == "" {
		t, ok = r.latest[id]
	} else {
		t, ok = r.byKey[id+"@"+version]
	}
	if !ok {
		return nil, pkgErrors.New(pkgErrors.CodeNotFound, fmt.Sprintf("模板不存在: %s %s", id, version))
	}
	return t, nil
}

func (r *StaticRegistry) List() []*Template {
	return append([]*Template(nil), r.all...)
}
