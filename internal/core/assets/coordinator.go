package assets

import (
	"context"
	"encoding/base64"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/manifest"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

// DefaultParallel 桶上传并发数
const DefaultParallel = 3

// Session 第一阶段结果: 文件, 清单和上传会话
type Session struct {
	ScriptName string
	Files      Files
	Manifest   map[string]platform.AssetFile
	Upload     *platform.AssetUploadSession
}

// Completion 第二阶段结果
type Completion struct {
	Token           string
	UploadedBuckets int
	UploadedFiles   int
}

// Publish 第三阶段结果, 直接挂到发布请求上
type Publish struct {
	Assets  *platform.ScriptAssets
	Binding platform.Binding
}

// Coordinator 静态资源三阶段上传
type Coordinator struct {
	client   platform.Client
	parallel int
	logger   *zap.Logger
}

func NewCoordinator(client platform.Client, parallel int, logger *zap.Logger) *Coordinator {
	if parallel <= 0 {
		parallel = DefaultParallel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{client: client, parallel: parallel, logger: logger}
}

// Run 依次执行三个阶段
func (c *Coordinator) Run(ctx context.Context, scriptName string, files Files, hint map[string]platform.AssetFile, decl *manifest.AssetsBinding) (*Publish, error) {
	session, err := c.Open(ctx, scriptName, files, hint)
	if err != nil {
		return nil, err
	}
	completion, err := c.UploadPayloads(ctx, session)
	if err != nil {
		return nil, err
	}
	return PublishWith(completion, decl), nil
}

// Open 清单阶段: 计算 hash 清单并申请上传会话
func (c *Coordinator) Open(ctx context.Context, scriptName string, files Files, hint map[string]platform.AssetFile) (*Session, error) {
	if len(files) == 0 {
		return nil, pkgErrors.New(pkgErrors.CodeDeployFatal, "资源包解压后没有任何文件")
	}

	entries := BuildManifest(files, hint)
	upload, err := c.client.CreateAssetUploadSession(ctx, scriptName, entries)
	if err != nil {
		return nil, err
	}

	c.logger.Info("资源上传会话已创建",
		zap.String("script", scriptName),
		zap.Int("files", len(files)),
		zap.Int("buckets", len(upload.Buckets)))

	return &Session{ScriptName: scriptName, Files: files, Manifest: entries, Upload: upload}, nil
}

// UploadPayloads 内容阶段: 有限并发上传各个桶, 以最后一个返回的完成令牌为准
func (c *Coordinator) UploadPayloads(ctx context.Context, s *Session) (*Completion, error) {
	if len(s.Upload.Buckets) == 0 {
		if s.Upload.JWT == "" {
			return nil, pkgErrors.New(pkgErrors.CodeDeployFatal, "资源上传会话未返回令牌")
		}
		return &Completion{Token: s.Upload.JWT}, nil
	}

	byHash := make(map[string]string, len(s.Manifest))
	for p, entry := range s.Manifest {
		byHash[entry.Hash] = p
	}

	payloads := make([]map[string]platform.AssetPayload, 0, len(s.Upload.Buckets))
	for _, bucket := range s.Upload.Buckets {
		payload := make(map[string]platform.AssetPayload, len(bucket))
		for _, hash := range bucket {
			p, ok := byHash[hash]
			if !ok {
				return nil, pkgErrors.Newf(pkgErrors.CodeDeployFatal, "上传会话要求未知的 hash %s", hash)
			}
			payload[hash] = platform.AssetPayload{
				Base64:      base64.StdEncoding.EncodeToString(s.Files[p]),
				ContentType: ContentType(p),
			}
		}
		payloads = append(payloads, payload)
	}

	var (
		mu       sync.Mutex
		token    string
		uploaded int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.parallel)
	for i, payload := range payloads {
		g.Go(func() error {
			got, err := c.client.UploadAssetBucket(gctx, s.Upload.JWT, payload)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			uploaded += len(payload)
			if got != "" {
				token = got
			}
			c.logger.Debug("资源桶上传完成", zap.Int("bucket", i), zap.Int("files", len(payload)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if token == "" {
		return nil, pkgErrors.New(pkgErrors.CodeDeployFatal, "全部资源桶上传完成但平台未返回完成令牌")
	}
	return &Completion{Token: token, UploadedBuckets: len(s.Upload.Buckets), UploadedFiles: uploaded}, nil
}

// PublishWith 发布阶段: 完成令牌 + 路由策略 + assets 绑定
func PublishWith(c *Completion, decl *manifest.AssetsBinding) *Publish {
	name := constants.DefaultAssetsBinding
	cfg := &platform.AssetsConfig{
		NotFoundHandling: constants.DefaultNotFoundHandling,
		HTMLHandling:     constants.DefaultHTMLHandling,
	}
	if decl != nil {
		if decl.Binding != "" {
			name = decl.Binding
		}
		if decl.NotFoundHandling != "" {
			cfg.NotFoundHandling = decl.NotFoundHandling
		}
		if decl.HTMLHandling != "" {
			cfg.HTMLHandling = decl.HTMLHandling
		}
	}
	return &Publish{
		Assets:  &platform.ScriptAssets{JWT: c.Token, Config: cfg},
		Binding: platform.Binding{Type: platform.BindingTypeAssets, Name: name},
	}
}
