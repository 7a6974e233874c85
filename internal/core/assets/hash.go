package assets

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"

	"edge-cd/internal/adapter/platform"
	pkgErrors "edge-cd/pkg/responses"
)

// HashLength 平台只取前 32 位十六进制
const HashLength = 32

// Files 路径 -> 内容, 路径统一以 / 开头
type Files map[string][]byte

// Paths 排序后的路径
func (f Files) Paths() []string {
	paths := make([]string, 0, len(f))
	for p := range f {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Hash blake3(base64(content) + 扩展名), 扩展名不带点
func Hash(filePath string, content []byte) string {
	h := blake3.New()
	_, _ = h.WriteString(base64.StdEncoding.EncodeToString(content))
	_, _ = h.WriteString(strings.TrimPrefix(path.Ext(filePath), "."))
	return hex.EncodeToString(h.Sum(nil))[:HashLength]
}

// BuildManifest 计算资源清单; hint 中已有的条目直接采用, 不在包里的路径丢弃
func BuildManifest(files Files, hint map[string]platform.AssetFile) map[string]platform.AssetFile {
	out := make(map[string]platform.AssetFile, len(files))
	for p, content := range files {
		if entry, ok := hint[p]; ok && entry.Hash != "" {
			out[p] = entry
			continue
		}
		out[p] = platform.AssetFile{Hash: Hash(p, content), Size: int64(len(content))}
	}
	return out
}

// Unpack 解压资源包, 空文件丢弃
func Unpack(data []byte) (Files, error) {
	files := Files{}
	if len(data) == 0 {
		return files, nil
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, pkgErrors.Wrap(pkgErrors.CodeDeployFatal, "资源包不是有效的 zip", err)
	}
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, pkgErrors.Wrap(pkgErrors.CodeDeployFatal, "读取资源包失败", err)
		}
		content, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, pkgErrors.Wrap(pkgErrors.CodeDeployFatal, "读取资源包失败", err)
		}
		if len(content) == 0 {
			continue
		}
		files[path.Clean("/"+f.Name)] = content
	}
	return files, nil
}
