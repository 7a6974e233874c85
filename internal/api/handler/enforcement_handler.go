package handler

import (
	"context"

	"github.com/gin-gonic/gin"

	"edge-cd/internal/core/enforcement"
	"edge-cd/pkg/responses"
)

// EnforcementRunner 单次用量检查
type EnforcementRunner interface {
	TriggerEnforcement(ctx context.Context) (*enforcement.Report, error)
}

type EnforcementHandler struct {
	runner EnforcementRunner
}

func NewEnforcementHandler(runner EnforcementRunner) *EnforcementHandler {
	return &EnforcementHandler{runner: runner}
}

// Run 手动触发一次用量检查, 仍受最小间隔限制
// @Summary 手动触发 Durable Object 用量检查
// @Tags Enforcement
// @Produce json
// @Success 200 {object} responses.Response{data=enforcement.Report}
// @Router /api/v1/enforcement/run [post]
func (h *EnforcementHandler) Run(c *gin.Context) {
	report, err := h.runner.TriggerEnforcement(c.Request.Context())
	if err != nil {
		responses.Error(c, err)
		return
	}
	responses.Success(c, report)
}
