package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"resty.dev/v3"

	"edge-cd/internal/model"
)

// NotificationType 通知类型
type NotificationType string

const (
	NotifyDeploySuccess   NotificationType = "deploy_success"   // 部署成功
	NotifyDeployFailed    NotificationType = "deploy_failed"    // 部署失败
	NotifyRollbackSuccess NotificationType = "rollback_success" // 回滚成功
	NotifyProjectEnforced NotificationType = "project_enforced" // 项目被限流
)

// NotificationMessage 通知消息
type NotificationMessage struct {
	Type      NotificationType       `json:"type"`
	Title     string                 `json:"title"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Extra     map[string]interface{} `json:"extra,omitempty"` // 额外信息
}

// Notifier 通知器接口
type Notifier interface {
	// Send 发送通知
	Send(ctx context.Context, msg *NotificationMessage) error
}

// DeploymentMessage 部署结果通知
func DeploymentMessage(project *model.Project, dep *model.Deployment, notifyType NotificationType) *NotificationMessage {
	var title, color string
	switch notifyType {
	case NotifyDeploySuccess:
		title, color = "✅ 部署成功", "green"
	case NotifyRollbackSuccess:
		title, color = "↩️ 回滚成功", "blue"
	case NotifyDeployFailed:
		title, color = "❌ 部署失败", "red"
	default:
		title, color = "📢 部署通知", "grey"
	}

	content := fmt.Sprintf("**项目**: %s (%s)\n**部署**: %s\n**来源**: %s",
		project.Name, project.WorkerName, model.ShortID(dep.ID), dep.Source)
	if dep.ErrorMessage != nil {
		content += fmt.Sprintf("\n**错误**: %s", *dep.ErrorMessage)
	}

	return &NotificationMessage{
		Type:      notifyType,
		Title:     title,
		Content:   content,
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"project_id":    project.ID,
			"deployment_id": dep.ID,
			"color":         color,
		},
	}
}

// EnforcementMessage 项目被移除 Durable Object 绑定
func EnforcementMessage(project *model.Project, reason string) *NotificationMessage {
	return &NotificationMessage{
		Type:      NotifyProjectEnforced,
		Title:     "⚠️ Durable Object 已限流",
		Content:   fmt.Sprintf("**项目**: %s (%s)\n**原因**: %s", project.Name, project.WorkerName, reason),
		Timestamp: time.Now(),
		Extra: map[string]interface{}{
			"project_id": project.ID,
			"color":      "orange",
		},
	}
}

// ============= Lark 群机器人 =============

type larkText struct {
	Tag     string `json:"tag"`
	Content string `json:"content"`
}

type larkElement struct {
	Tag  string   `json:"tag"`
	Text larkText `json:"text"`
}

type larkHeader struct {
	Title    larkText `json:"title"`
	Template string   `json:"template"`
}

type larkCard struct {
	Header   larkHeader    `json:"header"`
	Elements []larkElement `json:"elements"`
}

type larkPayload struct {
	MsgType string   `json:"msg_type"`
	Card    larkCard `json:"card"`
}

// 机器人接口 HTTP 200 时仍可能返回业务错误码
type larkResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// LarkNotifier 以交互卡片推送到 Lark 群机器人
type LarkNotifier struct {
	webhookURL string
	enabled    bool
	logger     *zap.Logger
	client     *resty.Client
}

func NewLarkNotifier(webhookURL string, enabled bool, logger *zap.Logger) *LarkNotifier {
	return &LarkNotifier{
		webhookURL: webhookURL,
		enabled:    enabled,
		logger:     logger,
		client:     resty.New().SetTimeout(10 * time.Second),
	}
}

// Close 释放底层连接
func (n *LarkNotifier) Close() error {
	return n.client.Close()
}

func (n *LarkNotifier) Send(ctx context.Context, msg *NotificationMessage) error {
	if !n.enabled || n.webhookURL == "" {
		return nil
	}

	resp, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(buildLarkPayload(msg)).
		Post(n.webhookURL)
	if err != nil {
		return fmt.Errorf("lark webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("lark webhook: status %d", resp.StatusCode())
	}
	if raw := resp.Bytes(); len(raw) > 0 {
		var out larkResponse
		if err := json.Unmarshal(raw, &out); err == nil && out.Code != 0 {
			return fmt.Errorf("lark webhook: code %d: %s", out.Code, out.Msg)
		}
	}

	n.logger.Debug("Lark 通知已发送", zap.String("type", string(msg.Type)), zap.String("title", msg.Title))
	return nil
}

func buildLarkPayload(msg *NotificationMessage) larkPayload {
	color := "grey"
	if c, ok := msg.Extra["color"].(string); ok {
		color = c
	}
	return larkPayload{
		MsgType: "interactive",
		Card: larkCard{
			Header: larkHeader{
				Title:    larkText{Tag: "plain_text", Content: msg.Title},
				Template: color,
			},
			Elements: []larkElement{
				{Tag: "div", Text: larkText{Tag: "lark_md", Content: msg.Content}},
				{Tag: "div", Text: larkText{Tag: "plain_text", Content: "时间: " + msg.Timestamp.Format("2006-01-02 15:04:05")}},
			},
		},
	}
}

// MultiNotifier 依次投递到所有渠道, 单个渠道失败不影响其它渠道
type MultiNotifier struct {
	notifiers []Notifier
	logger    *zap.Logger
}

func NewMultiNotifier(logger *zap.Logger, notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers, logger: logger}
}

func (m *MultiNotifier) Send(ctx context.Context, msg *NotificationMessage) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(ctx, msg); err != nil {
			m.logger.Warn("通知发送失败", zap.String("type", string(msg.Type)), zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier 只写日志, 未配置通知渠道时的默认实现
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Send(_ context.Context, msg *NotificationMessage) error {
	fields := []zap.Field{zap.String("type", string(msg.Type)), zap.String("title", msg.Title)}
	if id, ok := msg.Extra["project_id"].(string); ok {
		fields = append(fields, zap.String("project_id", id))
	}
	if id, ok := msg.Extra["deployment_id"].(string); ok {
		fields = append(fields, zap.String("deployment_id", id))
	}
	n.logger.Info("通知", fields...)
	return nil
}
