package model

import "edge-cd/pkg/constants"

const DeploymentTableName = "deployments"

// Deployment 一次部署尝试, 只追加不删除
type Deployment struct {
	BaseModel

	ProjectID string `gorm:"column:project_id;size:36;not null;index:idx_deployments_project_created,priority:1" json:"project_id"`

	// Status queued/building/live/failed
	Status string `gorm:"size:20;not null;default:queued;index" json:"status"`
	// Source template:<name> / code:v1 / rollback:<id> / prebuilt:<templateId>-v<version>
	Source string `gorm:"size:128;not null" json:"source"`

	ArtifactBucketKey *string `gorm:"column:artifact_bucket_key;size:255" json:"artifact_bucket_key"`
	WorkerVersionID   *string `gorm:"column:worker_version_id;size:64" json:"worker_version_id"`
	ErrorMessage      *string `gorm:"type:text" json:"error_message"`
	Message           *string `gorm:"size:500" json:"message"`
}

// TableName 指定表名
func (Deployment) TableName() string {
	return DeploymentTableName
}

// IsTerminal live/failed 之后不再变更
func (d *Deployment) IsTerminal() bool {
	return d.Status == constants.DeploymentStatusLive || d.Status == constants.DeploymentStatusFailed
}
