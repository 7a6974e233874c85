package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"edge-cd/internal/adapter/artifact"
	"edge-cd/internal/adapter/mq"
	"edge-cd/internal/core/assets"
	"edge-cd/internal/repository"
)

// SourceIndex 部署源码的文件清单, 写在制品目录下
type SourceIndex struct {
	ProjectID    string       `json:"projectId"`
	DeploymentID string       `json:"deploymentId"`
	From         string       `json:"from"` // source.zip 或 bundle.zip
	Files        []IndexEntry `json:"files"`
	IndexedAt    time.Time    `json:"indexedAt"`
}

type IndexEntry struct {
	Path string `json:"path"`
	Size int    `json:"size"`
	Hash string `json:"hash"`
}

// Indexer 为 live 部署生成源码清单
type Indexer struct {
	deployments repository.DeploymentRepository
	store       artifact.Store
	logger      *zap.Logger
}

var _ Handler = (*Indexer)(nil)

func NewIndexer(deployments repository.DeploymentRepository, store artifact.Store, logger *zap.Logger) *Indexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Indexer{deployments: deployments, store: store, logger: logger}
}

func (ix *Indexer) Handle(ctx context.Context, msg *mq.DeploymentMessage) error {
	dep, err := ix.deployments.FindByID(ctx, msg.ProjectID, msg.DeploymentID)
	if err != nil {
		return err
	}
	if dep.ArtifactBucketKey == nil || *dep.ArtifactBucketKey == "" {
		return fmt.Errorf("deployment %s: %s", dep.ID, ErrMsgMissingArtifactKey)
	}
	prefix := *dep.ArtifactBucketKey

	// 优先原始源码, 没有时退回构建产物
	from := artifact.SourceFile
	data, err := ix.store.Get(ctx, artifact.Key(prefix, from))
	if errors.Is(err, artifact.ErrNotFound) {
		from = artifact.BundleFile
		data, err = ix.store.Get(ctx, artifact.Key(prefix, from))
	}
	if errors.Is(err, artifact.ErrNotFound) {
		return fmt.Errorf("deployment %s: %s", dep.ID, ErrMsgMissingSource)
	}
	if err != nil {
		return err
	}

	files, err := assets.Unpack(data)
	if err != nil {
		return fmt.Errorf("deployment %s: %s: %w", dep.ID, ErrMsgMissingSource, err)
	}

	index := SourceIndex{
		ProjectID:    dep.ProjectID,
		DeploymentID: dep.ID,
		From:         from,
		Files:        make([]IndexEntry, 0, len(files)),
		IndexedAt:    time.Now().UTC(),
	}
	for _, p := range files.Paths() {
		content := files[p]
		index.Files = append(index.Files, IndexEntry{Path: p, Size: len(content), Hash: assets.Hash(p, content)})
	}

	raw, err := json.Marshal(index)
	if err != nil {
		return err
	}
	if err := ix.store.Put(ctx, artifact.Key(prefix, artifact.SourceIndexFile), raw, artifact.ContentTypeFor(artifact.SourceIndexFile)); err != nil {
		return err
	}

	ix.logger.Info("源码清单已生成",
		zap.String("project_id", dep.ProjectID),
		zap.String("deployment_id", dep.ID),
		zap.String("from", from),
		zap.Int("files", len(index.Files)))
	return nil
}
