package bundle

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"

	"edge-cd/internal/adapter/platform"
	pkgErrors "edge-cd/pkg/responses"
)

// 声明的入口不存在时按顺序尝试
var fallbackEntrypoints = []string{"index.js", "worker.js", "_worker.js", "main.js"}

var moduleTypes = map[string]string{
	".js":   platform.ContentTypeESModule,
	".mjs":  platform.ContentTypeESModule,
	".wasm": platform.ContentTypeWasm,
	".txt":  platform.ContentTypeText,
	".html": platform.ContentTypeText,
	".bin":  platform.ContentTypeData,
}

// Bundle 解压后的脚本包
type Bundle struct {
	files map[string][]byte
}

// Open 读取 zip 格式的脚本包
func Open(data []byte) (*Bundle, error) {
	if len(data) == 0 {
		return nil, pkgErrors.New(pkgErrors.CodeDeployFatal, "脚本包为空")
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDeployFatal, "脚本包不是有效的 zip", err)
	}

	b := &Bundle{files: make(map[string][]byte, len(zr.File))}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, pkgErrors.Wrap(pkgErrors.CodeDeployFatal, "读取脚本包失败", err)
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, pkgErrors.Wrap(pkgErrors.CodeDeployFatal, "读取脚本包失败", err)
		}
		b.files[normalize(f.Name)] = content
	}
	return b, nil
}

func normalize(name string) string {
	name = strings.TrimPrefix(path.Clean("/"+name), "/")
	return name
}

// Files 包内文件名 (已排序)
func (b *Bundle) Files() []string {
	names := make([]string, 0, len(b.files))
	for name := range b.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entrypoint 定位入口模块, 全部找不到为致命错误
func (b *Bundle) Entrypoint(declared string) (string, error) {
	candidates := fallbackEntrypoints
	if declared != "" {
		candidates = append([]string{normalize(declared)}, fallbackEntrypoints...)
	}
	for _, name := range candidates {
		if _, ok := b.files[name]; ok {
			return name, nil
		}
	}
	return "", pkgErrors.Newf(pkgErrors.CodeDeployFatal, "入口模块 %s 不在脚本包中", declared)
}

// Modules 入口模块在首位, 其余按文件名排序; 未知扩展名的文件忽略
func (b *Bundle) Modules(declared string) (string, []platform.Module, error) {
	main, err := b.Entrypoint(declared)
	if err != nil {
		return "", nil, err
	}

	modules := []platform.Module{{Name: main, ContentType: platform.ContentTypeESModule, Content: b.files[main]}}
	for _, name := range b.Files() {
		if name == main {
			continue
		}
		ct, ok := moduleTypes[strings.ToLower(path.Ext(name))]
		if !ok {
			continue
		}
		modules = append(modules, platform.Module{Name: name, ContentType: ct, Content: b.files[name]})
	}
	return main, modules, nil
}

// Build 打包为 zip, 用于测试和模板制作
func Build(files map[string][]byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		if _, err := w.Write(files[name]); err != nil {
			return nil, fmt.Errorf("write %s: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
