package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HeaderAttempt 重试次数头, 首次投递为 1
const HeaderAttempt = "x-attempt"

// DeploymentMessage 部署完成后的异步索引消息
type DeploymentMessage struct {
	Version      int       `json:"version"`
	ProjectID    string    `json:"projectId"`
	DeploymentID string    `json:"deploymentId"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	Reason       string    `json:"reason"` // deploy | rollback
}

// Publisher 部署消息发布
type Publisher interface {
	PublishDeployment(ctx context.Context, msg *DeploymentMessage) error
	PublishDelayed(ctx context.Context, body []byte, attempt int, delay time.Duration) error
}

// Channel *amqp.Channel 的发布子集
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// Topology 交换机与队列
// 延迟队列无消费者, 消息按 per-message TTL 过期后死信回到工作队列
type Topology struct {
	Exchange   string
	Queue      string
	DelayQueue string
}

// RoutingKey 工作队列路由键与队列同名
func (t Topology) RoutingKey() string {
	return t.Queue
}

// Declare 声明交换机/工作队列/延迟队列
func (t Topology) Declare(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(t.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.Exchange, err)
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	if err := ch.QueueBind(t.Queue, t.RoutingKey(), t.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", t.Queue, err)
	}
	_, err := ch.QueueDeclare(t.DelayQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    t.Exchange,
		"x-dead-letter-routing-key": t.RoutingKey(),
	})
	if err != nil {
		return fmt.Errorf("declare delay queue %s: %w", t.DelayQueue, err)
	}
	return nil
}

// Dial 建立连接与通道
func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	return conn, ch, nil
}

// AMQPPublisher RabbitMQ 实现
type AMQPPublisher struct {
	ch       Channel
	topology Topology
}

var _ Publisher = (*AMQPPublisher)(nil)

func NewAMQPPublisher(ch Channel, topology Topology) *AMQPPublisher {
	return &AMQPPublisher{ch: ch, topology: topology}
}

func (p *AMQPPublisher) PublishDeployment(ctx context.Context, msg *DeploymentMessage) error {
	if msg.Version == 0 {
		msg.Version = 1
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now().UTC()
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.topology.Exchange, p.topology.RoutingKey(), false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		MessageId:    msg.DeploymentID,
		Headers:      amqp.Table{HeaderAttempt: int32(1)},
	})
}

// PublishDelayed 投递到延迟队列, TTL 到期后回到工作队列
func (p *AMQPPublisher) PublishDelayed(ctx context.Context, body []byte, attempt int, delay time.Duration) error {
	return p.ch.PublishWithContext(ctx, "", p.topology.DelayQueue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
		Headers:      amqp.Table{HeaderAttempt: int32(attempt)},
	})
}

// NopPublisher 未启用 MQ 时使用
type NopPublisher struct{}

func (NopPublisher) PublishDeployment(context.Context, *DeploymentMessage) error { return nil }

func (NopPublisher) PublishDelayed(context.Context, []byte, int, time.Duration) error { return nil }

// AttemptOf 读取投递次数, 缺省为 1
func AttemptOf(headers amqp.Table) int {
	switch v := headers[HeaderAttempt].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}
