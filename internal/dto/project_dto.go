package dto

import (
	"time"

	"edge-cd/internal/model"
)

// CreateProjectRequest 创建项目请求
type CreateProjectRequest struct {
	Name  string `json:"name" binding:"required,min=1,max=100"`
	OrgID string `json:"org_id" binding:"required,max=64"`
	Tier  string `json:"tier" binding:"omitempty,oneof=free pro"` // 可选, 默认 free
}

// ProjectIDParam 路径参数
type ProjectIDParam struct {
	ID string `uri:"id" binding:"required,uuid"`
}

// ProjectResponse 项目详情
type ProjectResponse struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	OrgID          string              `json:"org_id"`
	WorkerName     string              `json:"worker_name"`
	Tier           string              `json:"tier"`
	Status         string              `json:"status"`
	DOMigrationTag string              `json:"do_migration_tag,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	Resources      []*ResourceResponse `json:"resources,omitempty"`
}

// ResourceResponse 已开通的基础设施
type ResourceResponse struct {
	ID           string         `json:"id"`
	ResourceType string         `json:"resource_type"`
	BindingName  string         `json:"binding_name"`
	ResourceName string         `json:"resource_name"`
	ProviderID   string         `json:"provider_id"`
	Status       string         `json:"status"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func ToProjectResponse(p *model.Project, resources []*model.Resource) *ProjectResponse {
	resp := &ProjectResponse{
		ID:             p.ID,
		Name:           p.Name,
		OrgID:          p.OrgID,
		WorkerName:     p.WorkerName,
		Tier:           p.Tier,
		Status:         p.Status,
		DOMigrationTag: p.DOMigrationTag,
		CreatedAt:      p.CreatedAt,
	}
	for _, r := range resources {
		resp.Resources = append(resp.Resources, ToResourceResponse(r))
	}
	return resp
}

func ToResourceResponse(r *model.Resource) *ResourceResponse {
	return &ResourceResponse{
		ID:           r.ID,
		ResourceType: r.ResourceType,
		BindingName:  r.BindingName,
		ResourceName: r.ResourceName,
		ProviderID:   r.ProviderID,
		Status:       r.Status,
		Metadata:     r.Metadata,
	}
}
