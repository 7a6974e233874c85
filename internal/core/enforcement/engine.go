package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"edge-cd/internal/adapter/notification"
	"edge-cd/internal/adapter/platform"
	"edge-cd/internal/model"
	"edge-cd/internal/repository"
	"edge-cd/pkg/constants"
	pkgErrors "edge-cd/pkg/responses"
)

// Options 阈值在启动时确定, 运行期间不变
type Options struct {
	DailyCeiling   time.Duration
	MonthlyCeiling time.Duration
	MinInterval    time.Duration
	TrailingBuffer time.Duration
	Dataset        string
	AccountID      string
}

// Report 单次执行结果
type Report struct {
	Skipped       string        `json:"skipped,omitempty"`
	Checked       int           `json:"checked"`
	Enforced      []string      `json:"enforced"`
	MonthlyUsage  time.Duration `json:"monthly_usage"`
	BudgetTripped bool          `json:"budget_tripped"`
}

// Engine Durable Object 用量限制
// 超限项目只移除 durable_object_namespace 绑定, 代码和其他绑定保持不变
type Engine struct {
	projects repository.ProjectRepository
	records  repository.EnforcementRepository
	client   platform.Client
	opts     Options
	notifier notification.Notifier
	logger   *zap.Logger
	now      func() time.Time
}

func NewEngine(projects repository.ProjectRepository, records repository.EnforcementRepository, client platform.Client, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		projects: projects,
		records:  records,
		client:   client,
		opts:     opts,
		notifier: notification.NewLogNotifier(logger),
		logger:   logger,
		now:      time.Now,
	}
}

// WithNotifier 限流后发送通知
func (e *Engine) WithNotifier(n notification.Notifier) *Engine {
	if n != nil {
		e.notifier = n
	}
	return e
}

// Run 执行一次检查; 单个项目失败只记录日志, 继续处理下一个
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{Enforced: []string{}}
	now := e.now()

	tagged, err := e.projects.AnyWithMigrationTag(ctx)
	if err != nil {
		return nil, err
	}
	if !tagged {
		report.Skipped = "no project has durable objects"
		e.logger.Debug("跳过用量检查: 没有项目使用 Durable Object")
		return report, nil
	}

	last, err := e.records.LastCheckedAt(ctx)
	if err != nil {
		return nil, err
	}
	if last != nil && now.Sub(*last) < e.opts.MinInterval {
		report.Skipped = "checked recently"
		e.logger.Debug("跳过用量检查: 距上次检查不足最小间隔", zap.Time("last_checked_at", *last))
		return report, nil
	}

	e.checkProjects(ctx, now, report)
	e.checkBudget(ctx, now, report)

	e.logger.Info("用量检查完成",
		zap.Int("checked", report.Checked),
		zap.Strings("enforced", report.Enforced),
		zap.Duration("monthly_usage", report.MonthlyUsage))
	return report, nil
}

// checkProjects 滚动 24 小时用量超过单项目日上限即限流
func (e *Engine) checkProjects(ctx context.Context, now time.Time, report *Report) {
	projects, err := e.projects.ListWithMigrationTag(ctx)
	if err != nil {
		e.logger.Error("查询项目失败", zap.Error(err))
		return
	}

	usage, err := rollingUsage(ctx, e.client, e.opts.Dataset, now, e.opts.TrailingBuffer)
	if err != nil {
		e.logger.Error("查询用量失败, 本轮跳过单项目检查", zap.Error(err))
		return
	}

	for _, p := range projects {
		log := e.logger.With(zap.String("project_id", p.ID), zap.String("worker", p.WorkerName))
		u := usage[p.ID]

		if err := e.records.UpsertUsage(ctx, p.ID, u.WallTimeMs, u.Requests, now); err != nil {
			log.Error("写入用量失败", zap.Error(err))
			continue
		}
		report.Checked++

		if u.WallTime() <= e.opts.DailyCeiling {
			continue
		}
		reason := fmt.Sprintf("Durable Object wall time %s in the last 24h exceeds the daily limit of %s",
			u.WallTime().Round(time.Second), e.opts.DailyCeiling)
		if e.enforceOnce(ctx, p, reason, now, log) {
			report.Enforced = append(report.Enforced, p.ID)
		}
	}
}

// checkBudget 全平台月度熔断; 查询失败按 0 处理, 不误伤所有项目
func (e *Engine) checkBudget(ctx context.Context, now time.Time, report *Report) {
	used, err := monthlyUsage(ctx, e.client, e.opts.AccountID, now)
	if err != nil {
		e.logger.Warn("查询月度用量失败, 按 0 处理", zap.Error(err))
		used = 0
	}
	report.MonthlyUsage = used
	if used <= e.opts.MonthlyCeiling {
		return
	}

	report.BudgetTripped = true
	e.logger.Warn("全平台月度 Durable Object 用量超限", zap.Duration("used", used), zap.Duration("ceiling", e.opts.MonthlyCeiling))

	projects, err := e.projects.ListByTierWithMigrationTag(ctx, constants.TierFree)
	if err != nil {
		e.logger.Error("查询免费项目失败", zap.Error(err))
		return
	}
	reason := fmt.Sprintf("platform monthly Durable Object budget of %s exhausted", e.opts.MonthlyCeiling)
	for _, p := range projects {
		if lo.Contains(report.Enforced, p.ID) {
			continue
		}
		log := e.logger.With(zap.String("project_id", p.ID), zap.String("worker", p.WorkerName))
		if e.enforceOnce(ctx, p, reason, now, log) {
			report.Enforced = append(report.Enforced, p.ID)
		}
	}
}

// enforceOnce 已限流的项目不再处理
func (e *Engine) enforceOnce(ctx context.Context, p *model.Project, reason string, now time.Time, log *zap.Logger) bool {
	rec, err := e.records.Find(ctx, p.ID)
	if err != nil && !errors.Is(err, pkgErrors.ErrRecordNotFound) {
		log.Error("查询限流记录失败", zap.Error(err))
		return false
	}
	if rec.IsEnforced() {
		return false
	}

	applied, err := e.enforce(ctx, p, rec, reason, now)
	if err != nil {
		log.Error("限流失败", zap.Error(err))
		return false
	}
	if applied {
		log.Warn("项目已限流", zap.String("reason", reason))
		if err := e.notifier.Send(ctx, notification.EnforcementMessage(p, reason)); err != nil {
			log.Warn("发送限流通知失败", zap.Error(err))
		}
	}
	return applied
}

// enforce 读取当前绑定, 去掉 Durable Object 绑定后只回写绑定
// 待移除的绑定先落库再改平台, 中途失败时下一轮沿用已保存的集合
func (e *Engine) enforce(ctx context.Context, p *model.Project, rec *model.EnforcementRecord, reason string, now time.Time) (bool, error) {
	settings, err := e.client.GetScriptSettings(ctx, p.WorkerName)
	if err != nil {
		return false, err
	}

	kept, removed := lo.FilterReject(settings.Bindings, func(b map[string]any, _ int) bool {
		return b["type"] != platform.BindingTypeDurableObject
	})
	if kept == nil {
		kept = []map[string]any{}
	}

	staged, err := mergeRemoved(rec, removed)
	if err != nil {
		return false, err
	}
	raw, err := json.Marshal(staged)
	if err != nil {
		return false, err
	}
	if err := e.records.StageRemovedBindings(ctx, p.ID, datatypes.JSON(raw), now); err != nil {
		return false, err
	}

	if err := e.client.PatchScriptSettings(ctx, p.WorkerName, &platform.ScriptSettingsPatch{Bindings: &kept}); err != nil {
		return false, err
	}
	return e.records.MarkEnforced(ctx, p.ID, reason, now)
}

// mergeRemoved 已保存的绑定在前, 本轮新发现的按 name 去重追加
func mergeRemoved(rec *model.EnforcementRecord, removed []map[string]any) ([]map[string]any, error) {
	var stored []map[string]any
	if rec != nil && len(rec.RemovedBindings) > 0 {
		if err := json.Unmarshal(rec.RemovedBindings, &stored); err != nil {
			return nil, fmt.Errorf("decode staged bindings: %w", err)
		}
	}
	seen := lo.SliceToMap(stored, func(b map[string]any) (any, struct{}) {
		return b["name"], struct{}{}
	})
	out := append([]map[string]any{}, stored...)
	for _, b := range removed {
		if _, ok := seen[b["name"]]; ok {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}
