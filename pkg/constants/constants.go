package constants

import "strings"

// DeploymentStatus 部署状态
const (
	DeploymentStatusQueued   = "queued"
	DeploymentStatusBuilding = "building"
	DeploymentStatusLive     = "live"
	DeploymentStatusFailed   = "failed"
)

// 部署来源前缀 (deployments.source)
const (
	SourcePrefixTemplate = "template:"
	SourcePrefixCode     = "code:"
	SourcePrefixRollback = "rollback:"
	SourcePrefixPrebuilt = "prebuilt:"

	SourceCodeV1 = "code:v1"
)

// rollbackEligiblePrefixes 可作为回滚目标的来源
var rollbackEligiblePrefixes = []string{SourcePrefixCode, SourcePrefixRollback, SourcePrefixPrebuilt}

// IsRollbackEligibleSource 纯字符串前缀判断, 不做版本比较
func IsRollbackEligibleSource(source string) bool {
	for _, p := range rollbackEligiblePrefixes {
		if strings.HasPrefix(source, p) {
			return true
		}
	}
	return false
}

// ResourceType 资源类型
const (
	ResourceTypeD1            = "d1"
	ResourceTypeR2            = "r2"
	ResourceTypeKV            = "kv"
	ResourceTypeVectorize     = "vectorize"
	ResourceTypeDurableObject = "durable_object"
	ResourceTypeWorker        = "worker"
)

// ResourceStatus 资源状态
const (
	ResourceStatusActive  = "active"
	ResourceStatusDeleted = "deleted"
)

// ProjectTier 项目套餐
const (
	TierFree = "free"
	TierPro  = "pro"
)

// ProjectStatus 项目状态
const (
	ProjectStatusActive  = "active"
	ProjectStatusPaused  = "paused"
	ProjectStatusDeleted = "deleted"
)

// 平台保留命名空间
const (
	ReservedPrefix = "__"

	BindingProjectID        = "PROJECT_ID"
	BindingOrgID            = "__ORG_ID"
	BindingDOMetrics        = "__DO_METRICS"
	BindingAIProxy          = "__AI_PROXY"
	BindingVectorizeProxy   = "__VECTORIZE_PROXY"
	DefaultAssetsBinding    = "ASSETS"
	DefaultDatabaseBinding  = "DB"
	RequiredDOCompatFlag    = "nodejs_compat"
	MeteringWrapperModule   = "__metering_wrapper.js"
	DefaultNotFoundHandling = "single-page-application"
	DefaultHTMLHandling     = "auto-trailing-slash"
)

// 队列消息 reason
const (
	QueueReasonDeploy   = "deploy"
	QueueReasonRollback = "rollback"
)
