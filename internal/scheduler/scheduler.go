package scheduler

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"edge-cd/internal/core/enforcement"
	pkgErrors "edge-cd/pkg/responses"
)

// DefaultEnforcementCron 每 5 分钟
const DefaultEnforcementCron = "0 */5 * * * *"

// ErrEnforcementRunning 上一轮检查尚未结束
var ErrEnforcementRunning = pkgErrors.New(pkgErrors.CodeConflict, "用量检查正在执行")

// Enforcer 单次用量检查
type Enforcer interface {
	Run(ctx context.Context) (*enforcement.Report, error)
}

// Scheduler 调度器
type Scheduler struct {
	cron          *cron.Cron
	logger        *zap.Logger
	enforcer      Enforcer
	running       sync.Mutex
	cronSchedules map[string]cron.EntryID // 存储任务ID，便于管理
}

// NewScheduler 创建调度器
func NewScheduler(enforcer Enforcer, logger *zap.Logger) *Scheduler {
	// 创建 cron 实例（带秒级支持）
	c := cron.New(cron.WithSeconds())

	return &Scheduler{
		cron:          c,
		logger:        logger,
		enforcer:      enforcer,
		cronSchedules: make(map[string]cron.EntryID),
	}
}

// Start 注册任务并启动
// cron 表达式格式: 秒 分 时 日 月 周
func (s *Scheduler) Start(cronExpr string) error {
	log := s.logger.Sugar()

	log.Info("启动定时任务调度器...")

	if cronExpr == "" {
		cronExpr = DefaultEnforcementCron
		log.Warn("未配置enforcement.cron，使用默认值", zap.String("cron", cronExpr))
	}

	entryID, err := s.cron.AddFunc(cronExpr, func() {
		log.Debug("执行定时任务: 用量检查")
		if _, err := s.TriggerEnforcement(context.Background()); err != nil {
			log.Errorf("用量检查任务执行失败: %v", err)
		}
	})
	if err != nil {
		log.Errorf("注册用量检查任务: %v 失败: %v", cronExpr, err)
		return err
	}

	s.cronSchedules["enforcement"] = entryID
	log.Infof("用量检查任务已注册: %s entry_id=%d", cronExpr, entryID)

	s.cron.Start()
	log.Info("定时任务调度器启动成功")

	return nil
}

// Stop 停止调度器
func (s *Scheduler) Stop() {
	s.logger.Info("正在停止定时任务调度器...")

	// 停止 cron（等待正在执行的任务完成）
	ctx := s.cron.Stop()
	<-ctx.Done()

	s.logger.Info("定时任务调度器已停止")
}

// TriggerEnforcement 执行一次检查; 与定时任务互斥, 同一时刻只跑一轮
func (s *Scheduler) TriggerEnforcement(ctx context.Context) (*enforcement.Report, error) {
	if !s.running.TryLock() {
		return nil, ErrEnforcementRunning
	}
	defer s.running.Unlock()
	return s.enforcer.Run(ctx)
}

// Entries 已注册任务
func (s *Scheduler) Entries() map[string]cron.EntryID {
	return s.cronSchedules
}
