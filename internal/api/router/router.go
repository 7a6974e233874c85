package router

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"edge-cd/internal/adapter/artifact"
	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/api/handler"
	"edge-cd/internal/api/middleware"
	"edge-cd/internal/core/deployment"
	"edge-cd/internal/pkg/config"
	"edge-cd/internal/repository"
	"edge-cd/internal/service"
	"edge-cd/internal/template"
)

// 上传表单在内存中保留的最大字节数, 超出部分落临时文件
const maxMultipartMemory = 64 << 20

// Deps 路由依赖, 由 main 组装
type Deps struct {
	DB        *gorm.DB
	Engine    *deployment.Engine
	Client    platform.Client
	Store     artifact.Store
	Templates template.Registry
	Enforcer  handler.EnforcementRunner
}

// Setup 设置路由
func Setup(cfg *config.Config, deps Deps, logger *zap.Logger) *gin.Engine {
	// 设置Gin模式
	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = maxMultipartMemory

	// 全局中间件
	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(logger))

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	// Swagger API 文档
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// 初始化Repository
	projectRepo := repository.NewProjectRepository(deps.DB)
	resourceRepo := repository.NewResourceRepository(deps.DB)

	// 初始化Service
	projectService := service.NewProjectService(projectRepo, resourceRepo, deps.Client, cfg.Deploy.WorkerNamePrefix, logger)
	deploymentService := service.NewDeploymentService(projectRepo, deps.Engine, deps.Store, deps.Templates, logger)

	// 初始化Handler
	projectHandler := handler.NewProjectHandler(projectService)
	deploymentHandler := handler.NewDeploymentHandler(deploymentService)

	v1 := r.Group("/api/v1")
	{
		projects := v1.Group("/projects")
		{
			projects.POST("", projectHandler.Create)
			projects.GET("/:id", projectHandler.Get)
			projects.POST("/:id/database", projectHandler.ProvisionDatabase)

			projects.POST("/:id/deployments", deploymentHandler.Create)
			projects.POST("/:id/deployments/prebuilt", deploymentHandler.CreatePrebuilt)
			projects.GET("/:id/deployments", deploymentHandler.List)
			projects.GET("/:id/deployments/live", deploymentHandler.Live)
			projects.POST("/:id/rollback", deploymentHandler.Rollback)
		}

		v1.GET("/templates", deploymentHandler.Templates)

		if deps.Enforcer != nil {
			enforcementHandler := handler.NewEnforcementHandler(deps.Enforcer)
			v1.POST("/enforcement/run", enforcementHandler.Run)
		}
	}

	return r
}
