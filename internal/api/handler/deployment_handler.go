package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/deployment"
	"edge-cd/internal/dto"
	"edge-cd/internal/service"
	"edge-cd/pkg/responses"
	"edge-cd/pkg/utils"
)

// 部署表单字段
const (
	formManifest      = "manifest"
	formBundle        = "bundle"
	formSource        = "source"
	formSchema        = "schema"
	formSecrets       = "secrets"
	formAssets        = "assets"
	formAssetManifest = "asset_manifest"
	formMessage       = "message"
)

type DeploymentHandler struct {
	deploymentService service.DeploymentService
}

func NewDeploymentHandler(deploymentService service.DeploymentService) *DeploymentHandler {
	return &DeploymentHandler{
		deploymentService: deploymentService,
	}
}

// Create 代码部署
// @Summary 上传脚本包并部署
// @Tags Deployment
// @Accept multipart/form-data
// @Produce json
// @Param id path string true "项目ID"
// @Param manifest formData file true "部署清单 (JSON, 支持注释)"
// @Param bundle formData file true "脚本包 zip"
// @Param source formData file false "源码 zip"
// @Param schema formData file false "D1 schema SQL"
// @Param secrets formData string false "密钥 JSON 对象"
// @Param assets formData file false "静态资源 zip"
// @Param asset_manifest formData file false "预计算的资源清单"
// @Param message formData string false "部署说明"
// @Success 200 {object} responses.Response{data=dto.DeploymentResponse}
// @Router /api/v1/projects/{id}/deployments [post]
func (h *DeploymentHandler) Create(c *gin.Context) {
	var param dto.ProjectIDParam
	if err := c.ShouldBindUri(&param); err != nil {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}

	in, err := readCodeDeployment(c)
	if err != nil {
		responses.Error(c, err)
		return
	}

	dep, err := h.deploymentService.Deploy(c.Request.Context(), param.ID, in)
	if err != nil {
		responses.ErrorWithData(c, err, dep)
		return
	}

	responses.Success(c, dep)
}

// CreatePrebuilt 部署预构建模板
// @Summary 部署预构建模板
// @Tags Deployment
// @Accept json
// @Produce json
// @Param id path string true "项目ID"
// @Param request body dto.PrebuiltDeployRequest true "模板"
// @Success 200 {object} responses.Response{data=dto.DeploymentResponse}
// @Router /api/v1/projects/{id}/deployments/prebuilt [post]
func (h *DeploymentHandler) CreatePrebuilt(c *gin.Context) {
	var param dto.ProjectIDParam
	if err := c.ShouldBindUri(&param); err != nil {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}
	var req dto.PrebuiltDeployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}

	dep, err := h.deploymentService.DeployPrebuilt(c.Request.Context(), param.ID, &req)
	if err != nil {
		responses.ErrorWithData(c, err, dep)
		return
	}

	responses.Success(c, dep)
}

// Rollback 回滚
// @Summary 回滚到指定部署, 未指定时回滚到上一个 live 版本
// @Tags Deployment
// @Accept json
// @Produce json
// @Param id path string true "项目ID"
// @Param request body dto.RollbackRequest false "目标部署"
// @Success 200 {object} responses.Response{data=dto.DeploymentResponse}
// @Router /api/v1/projects/{id}/rollback [post]
func (h *DeploymentHandler) Rollback(c *gin.Context) {
	var param dto.ProjectIDParam
	if err := c.ShouldBindUri(&param); err != nil {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}
	var req dto.RollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}

	dep, err := h.deploymentService.Rollback(c.Request.Context(), param.ID, &req)
	if err != nil {
		responses.ErrorWithData(c, err, dep)
		return
	}

	responses.Success(c, dep)
}

// List 部署列表
// @Summary 部署列表 (按创建时间倒序)
// @Tags Deployment
// @Produce json
// @Param id path string true "项目ID"
// @Param limit query int false "条数, 默认 20"
// @Param status query string false "状态"
// @Success 200 {object} responses.Response{data=[]dto.DeploymentResponse}
// @Router /api/v1/projects/{id}/deployments [get]
func (h *DeploymentHandler) List(c *gin.Context) {
	var param dto.ProjectIDParam
	if err := c.ShouldBindUri(&param); err != nil {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}
	var query dto.DeploymentListQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}

	list, err := h.deploymentService.List(c.Request.Context(), param.ID, &query)
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.Success(c, list)
}

// Live 当前线上部署
// @Summary 当前线上部署
// @Tags Deployment
// @Produce json
// @Param id path string true "项目ID"
// @Success 200 {object} responses.Response{data=dto.DeploymentResponse}
// @Router /api/v1/projects/{id}/deployments/live [get]
func (h *DeploymentHandler) Live(c *gin.Context) {
	var param dto.ProjectIDParam
	if err := c.ShouldBindUri(&param); err != nil {
		responses.ValidationFailed(c, utils.FormatValidationError(err))
		return
	}

	dep, err := h.deploymentService.Live(c.Request.Context(), param.ID)
	if err != nil {
		responses.Error(c, err)
		return
	}

	responses.Success(c, dep)
}

// Templates 模板目录
// @Summary 可部署的预构建模板
// @Tags Deployment
// @Produce json
// @Success 200 {object} responses.Response
// @Router /api/v1/templates [get]
func (h *DeploymentHandler) Templates(c *gin.Context) {
	responses.Success(c, h.deploymentService.Templates())
}

// readCodeDeployment 解析 multipart 表单; manifest/secrets/asset_manifest 可以是文件也可以是普通字段
func readCodeDeployment(c *gin.Context) (*deployment.CodeDeployment, error) {
	in := &deployment.CodeDeployment{Message: c.PostForm(formMessage)}

	var err error
	if in.Manifest, err = formBytes(c, formManifest); err != nil {
		return nil, err
	}
	if len(in.Manifest) == 0 {
		return nil, responses.Validation([]string{"field 'manifest' is required"})
	}
	if in.Bundle, err = formBytes(c, formBundle); err != nil {
		return nil, err
	}
	if len(in.Bundle) == 0 {
		return nil, responses.Validation([]string{"field 'bundle' is required"})
	}
	if in.Source, err = formBytes(c, formSource); err != nil {
		return nil, err
	}
	if in.Assets, err = formBytes(c, formAssets); err != nil {
		return nil, err
	}

	schema, err := formBytes(c, formSchema)
	if err != nil {
		return nil, err
	}
	in.SchemaSQL = string(schema)

	secrets, err := formBytes(c, formSecrets)
	if err != nil {
		return nil, err
	}
	if len(secrets) > 0 {
		if err := json.Unmarshal(secrets, &in.Secrets); err != nil {
			return nil, responses.Validation([]string{"field 'secrets' must be a JSON object of strings"})
		}
	}

	hint, err := formBytes(c, formAssetManifest)
	if err != nil {
		return nil, err
	}
	if len(hint) > 0 {
		var m map[string]platform.AssetFile
		if err := json.Unmarshal(hint, &m); err != nil {
			return nil, responses.Validation([]string{"field 'asset_manifest' must be a JSON object of {hash,size}"})
		}
		in.AssetManifest = m
	}
	return in, nil
}

// formBytes 优先读取文件, 其次普通字段; 都没有时返回 nil
func formBytes(c *gin.Context, name string) ([]byte, error) {
	fh, err := c.FormFile(name)
	if err == nil {
		f, err := fh.Open()
		if err != nil {
			return nil, responses.Wrap(responses.CodeBadRequest, fmt.Sprintf("读取上传文件 %s 失败", name), err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, responses.Wrap(responses.CodeBadRequest, fmt.Sprintf("读取上传文件 %s 失败", name), err)
		}
		return data, nil
	}
	if !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart) {
		return nil, responses.Wrap(responses.CodeBadRequest, "解析上传表单失败", err)
	}
	if v := c.PostForm(name); v != "" {
		return []byte(v), nil
	}
	return nil, nil
}
