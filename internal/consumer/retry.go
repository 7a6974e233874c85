package consumer

import (
	"strings"
	"time"
)

// Decision 一条消息处理后的去向
type Decision int

const (
	DecisionAck   Decision = iota // 成功或永久错误, 直接确认
	DecisionRetry                 // 进入延迟队列
	DecisionDrop                  // 超过最大次数, 丢弃
)

func (d Decision) String() string {
	switch d {
	case DecisionAck:
		return "ack"
	case DecisionRetry:
		return "retry"
	case DecisionDrop:
		return "drop"
	}
	return "unknown"
}

// 这些错误重试也不会成功
const (
	ErrMsgMissingArtifactKey = "missing artifact key"
	ErrMsgMissingSource      = "missing source bundle"
	ErrMsgMalformed          = "malformed message body"
)

// RetryPolicy 固定退避表, attempt 从 1 开始
type RetryPolicy struct {
	MaxAttempts int
	Delays      []time.Duration
	Permanent   []string
}

// DefaultRetryPolicy 5 次, 10s / 45s / 3m / 10m
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		Delays:      []time.Duration{10 * time.Second, 45 * time.Second, 3 * time.Minute, 10 * time.Minute},
		Permanent:   []string{ErrMsgMissingArtifactKey, ErrMsgMissingSource, ErrMsgMalformed},
	}
}

// IsPermanent 按错误信息子串判断
func (p RetryPolicy) IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, s := range p.Permanent {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// Delay 第 attempt 次失败后的等待时间, 超出退避表时取最后一项
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(p.Delays) {
		i = len(p.Delays) - 1
	}
	return p.Delays[i]
}

// Decide attempt 为本次投递序号
func (p RetryPolicy) Decide(attempt int, err error) (Decision, time.Duration) {
	if err == nil || p.IsPermanent(err) {
		return DecisionAck, 0
	}
	if attempt >= p.MaxAttempts {
		return DecisionDrop, 0
	}
	return DecisionRetry, p.Delay(attempt)
}
