package handler

import (
	"github.com/gin-gonic/gin"

	"edge-cd/internal/dto"
	"edge-cd/internal/service"
	"edge-cd/pkg/responses"
	"edge-cd/pkg/utils"
)

type ProjectHandler struct {
	projectService service.ProjectService
}

func NewProjectHandler(projectService service.ProjectService) *ProjectHandler {
	return &ProjectHandler{
		projectService: projectService,
	}
}

// Create 创建项目
// @Summary 创建项目并开通主数据库
// @Tags Project
// @Accept json
// @Produce json
// @Param request body dto.CreateProjectRequest true "创建项目请求"
// @Success 200 {object} responses.Response{data=dto.ProjectResponse}
// @Router /api/v1/projects [post]
func (h *ProjectHandler) Create(c *gin.Context) {
	var req dto.CreateProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}

	project, err := h.projectService.Create(c.Request.Context(), &req)
	if err != nil {
		// 数据库开通失败时项目已创建, 一并返回
		responses.ErrorWithData(c, err, project)
		return
	}

	responses.Success(c, project)
}

// Get 获取项目详情
// @Summary 获取项目详情 (含已开通资源)
// @Tags Project
// @Produce json
// @Param id path string true "项目ID"
// @Success 200 {object} responses.Response{data=dto.ProjectResponse}
// @Router /api/v1/projects/{id} [get]
func (h *ProjectHandler) Get(c *gin.Context) {
	var param dto.ProjectIDParam
	if err := c.ShouldBindUri(&param); err != nil {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}

	project, err := h.projectService.Get(c.Request.Context(), param.ID)
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.Success(c, project)
}

// ProvisionDatabase 开通主数据库
// @Summary 开通项目主数据库 (binding DB), 已存在时直接返回
// @Tags Project
// @Produce json
// @Param id path string true "项目ID"
// @Success 200 {object} responses.Response{data=dto.ResourceResponse}
// @Router /api/v1/projects/{id}/database [post]
func (h *ProjectHandler) ProvisionDatabase(c *gin.Context) {
	var param dto.ProjectIDParam
	if err := c.ShouldBindUri(&param); err != nil {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}

	db, err := h.projectService.ProvisionDatabase(c.Request.Context(), param.ID)
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.Success(c, db)
}
