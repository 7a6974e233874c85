package dto

import (
	"time"

	"edge-cd/internal/model"
)

// DeploymentListQuery 部署列表查询
type DeploymentListQuery struct {
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=100"`
	Status string `form:"status" binding:"omitempty,oneof=queued building live failed"`
}

// RollbackRequest deployment_id 为空时回滚到上一个 live 版本, 支持 >= 4 位短 ID
type RollbackRequest struct {
	DeploymentID string `json:"deployment_id" binding:"omitempty,min=4,max=36"`
}

// PrebuiltDeployRequest 部署预构建模板
type PrebuiltDeployRequest struct {
	TemplateID string            `json:"template_id" binding:"required"`
	Version    string            `json:"version"` // 为空取最新
	Secrets    map[string]string `json:"secrets"`
	Message    string            `json:"message" binding:"max=500"`
}

// DeploymentResponse 部署记录
type DeploymentResponse struct {
	ID                string    `json:"id"`
	ShortID           string    `json:"short_id"`
	ProjectID         string    `json:"project_id"`
	Status            string    `json:"status"`
	Source            string    `json:"source"`
	ArtifactBucketKey *string   `json:"artifact_bucket_key,omitempty"`
	WorkerVersionID   *string   `json:"worker_version_id,omitempty"`
	ErrorMessage      *string   `json:"error_message,omitempty"`
	Message           *string   `json:"message,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func ToDeploymentResponse(d *model.Deployment) *DeploymentResponse {
	if d == nil {
		return nil
	}
	return &DeploymentResponse{
		ID:                d.ID,
		ShortID:           model.ShortID(d.ID),
		ProjectID:         d.ProjectID,
		Status:            d.Status,
		Source:            d.Source,
		ArtifactBucketKey: d.ArtifactBucketKey,
		WorkerVersionID:   d.WorkerVersionID,
		ErrorMessage:      d.ErrorMessage,
		Message:           d.Message,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func ToDeploymentResponses(list []*model.Deployment) []*DeploymentResponse {
	out := make([]*DeploymentResponse, 0, len(list))
	for _, d := range list {
		out = append(out, ToDeploymentResponse(d))
	}
	return out
}
