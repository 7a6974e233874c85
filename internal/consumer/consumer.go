package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"edge-cd/internal/adapter/mq"
)

// Handler 处理一条部署消息
type Handler interface {
	Handle(ctx context.Context, msg *mq.DeploymentMessage) error
}

// HandlerFunc 函数适配
type HandlerFunc func(ctx context.Context, msg *mq.DeploymentMessage) error

func (f HandlerFunc) Handle(ctx context.Context, msg *mq.DeploymentMessage) error {
	return f(ctx, msg)
}

// Channel *amqp.Channel 的消费子集
type Channel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
}

// Consumer 部署队列消费者
// 失败消息带上 attempt 头重新投递到延迟队列, 原消息确认
type Consumer struct {
	ch        Channel
	publisher mq.Publisher
	handler   Handler
	policy    RetryPolicy
	queue     string
	tag       string
	logger    *zap.Logger
}

func NewConsumer(ch Channel, publisher mq.Publisher, handler Handler, policy RetryPolicy, queue, tag string, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		ch:        ch,
		publisher: publisher,
		handler:   handler,
		policy:    policy,
		queue:     queue,
		tag:       tag,
		logger:    logger,
	}
}

// Start 注册消费者并在后台处理, ctx 取消后退出
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.queue, c.tag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("register consumer on %s: %w", c.queue, err)
	}

	log := c.logger.Sugar()
	log.Infof("[Deployment Consumer] 开始监听队列: %s", c.queue)

	go func() {
		for {
			select {
			case <-ctx.Done():
				log.Info("[Deployment Consumer] 停止消费")
				return
			case d, ok := <-msgs:
				if !ok {
					log.Warn("[Deployment Consumer] 通道已关闭")
					return
				}
				c.handleDelivery(ctx, d)
			}
		}
	}()
	return nil
}

// handleDelivery 单条消息处理, 返回最终去向
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) Decision {
	attempt := mq.AttemptOf(d.Headers)
	log := c.logger.With(zap.String("message_id", d.MessageId), zap.Int("attempt", attempt))

	err := c.process(ctx, d.Body, log)
	decision, delay := c.policy.Decide(attempt, err)

	switch decision {
	case DecisionAck:
		if err != nil {
			log.Warn("永久错误, 不再重试", zap.Error(err))
		}
		c.ack(d, log)
	case DecisionRetry:
		log.Warn("处理失败, 延迟重试", zap.Error(err), zap.Duration("delay", delay))
		if perr := c.publisher.PublishDelayed(ctx, d.Body, attempt+1, delay); perr != nil {
			// 投递延迟队列失败时退回原队列
			log.Error("投递延迟队列失败", zap.Error(perr))
			if nerr := d.Nack(false, true); nerr != nil {
				log.Error("nack 失败", zap.Error(nerr))
			}
			return decision
		}
		c.ack(d, log)
	case DecisionDrop:
		log.Error("超过最大重试次数, 丢弃消息", zap.Error(err), zap.Int("max_attempts", c.policy.MaxAttempts))
		if nerr := d.Nack(false, false); nerr != nil {
			log.Error("nack 失败", zap.Error(nerr))
		}
	}
	return decision
}

func (c *Consumer) process(ctx context.Context, body []byte, log *zap.Logger) error {
	var msg mq.DeploymentMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("%s: %w", ErrMsgMalformed, err)
	}
	if msg.ProjectID == "" || msg.DeploymentID == "" {
		return fmt.Errorf("%s: projectId and deploymentId are required", ErrMsgMalformed)
	}
	log.Debug("处理部署消息", zap.String("project_id", msg.ProjectID), zap.String("deployment_id", msg.DeploymentID), zap.String("reason", msg.Reason))
	return c.handler.Handle(ctx, &msg)
}

func (c *Consumer) ack(d amqp.Delivery, log *zap.Logger) {
	if err := d.Ack(false); err != nil {
		log.Error("ack 失败", zap.Error(err))
	}
}
