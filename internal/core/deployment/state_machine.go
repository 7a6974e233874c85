package deployment

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"edge-cd/internal/adapter/notification"
	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/core/assets"
	"edge-cd/internal/core/manifest"
	"edge-cd/internal/model"
	"edge-cd/pkg/constants"
)

// run 单次部署在各状态处理器之间传递的上下文
type run struct {
	project  *model.Project
	dep      *model.Deployment
	manifest *manifest.Manifest
	input    *CodeDeployment
	rollback bool
	// prefix 制品前缀, 回滚时复用目标部署的前缀
	prefix string

	bindings   []platform.Binding
	mainModule string
	modules    []platform.Module
	migrations *platform.Migrations
	assets     *assets.Publish
	result     *platform.ScriptResult

	log *zap.SugaredLogger
}

type handler interface {
	Handle(ctx context.Context, r *run) (status string, fields map[string]interface{}, err error)
}

type handlerFunc func(ctx context.Context, r *run) (string, map[string]interface{}, error)

func (h handlerFunc) Handle(ctx context.Context, r *run) (string, map[string]interface{}, error) {
	return h(ctx, r)
}

func (e *Engine) registerHandlers() {
	e.handlers[constants.DeploymentStatusQueued] = handlerFunc(e.handleQueued)
	e.handlers[constants.DeploymentStatusBuilding] = handlerFunc(e.handleBuilding)
}

// process 依次执行状态处理器直到 live/failed; 处理器出错时记录 failed 并返回原错误
func (e *Engine) process(ctx context.Context, r *run) error {
	for !r.dep.IsTerminal() {
		h, ok := e.handlers[r.dep.Status]
		if !ok {
			err := fmt.Errorf("unknown deployment status %q", r.dep.Status)
			e.fail(ctx, r, err)
			return err
		}

		next, fields, err := h.Handle(ctx, r)
		if err != nil {
			e.fail(ctx, r, err)
			return err
		}
		if err := e.transition(ctx, r, next, fields); err != nil {
			e.fail(ctx, r, err)
			return err
		}
	}
	return nil
}

func (e *Engine) transition(ctx context.Context, r *run, to string, fields map[string]interface{}) error {
	from := r.dep.Status
	if err := e.Deployments.Transition(ctx, r.dep, to, fields); err != nil {
		return err
	}
	r.log.Infof("[Deployment SM] 状态变更成功: %v -> %v", from, to)
	return nil
}

// fail 使用不可取消的 context, 保证超时后仍能落库
func (e *Engine) fail(ctx context.Context, r *run, cause error) {
	msg := cause.Error()
	ctx = context.WithoutCancel(ctx)
	if err := e.Deployments.Transition(ctx, r.dep, constants.DeploymentStatusFailed, map[string]interface{}{
		"error_message": msg,
	}); err != nil {
		r.log.Errorf("标记部署失败时出错: %v", err)
		r.dep.Status = constants.DeploymentStatusFailed
		r.dep.ErrorMessage = &msg
	}
	r.log.Errorf("部署失败: %v", cause)
	e.notify(ctx, r, notification.NotifyDeployFailed)
}
