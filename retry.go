package relayq

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

// retryPublisher 为失败路由所需的最小发布能力，便于单元测试注入 mock。
type retryPublisher interface {
	publishRetry(ctx context.Context, payload interface{}, headers map[string]interface{}, delay time.Duration, messageID string) error
	publishDead(ctx context.Context, payload interface{}, headers map[string]interface{}, messageID string) error
}

// RetryPolicy 纯退避计算加一个带副作用的路由动作。
// 每个失败消息恰好走重试或死信之一，绝不丢弃。

type RetryPolicy struct {
	cfg    RetryConfig
	pub    retryPublisher
	logger Logger
}

// NewRetryPolicy 创建重试策略。
func NewRetryPolicy(cfg RetryConfig, pub *Publisher, logger Logger) *RetryPolicy {
	return &RetryPolicy{cfg: cfg, pub: pub, logger: logger}
}

// Backoff 计算第 retryCount 次失败后的延迟：Base * Factor^retryCount。
// 无抖动、无上限，行为确定可测。
func (p *RetryPolicy) Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return time.Duration(float64(p.cfg.Base) * math.Pow(p.cfg.Factor, float64(retryCount)))
}

// RouteFailure 根据 headers 中的重试计数路由失败消息：
// 未达上限则递增计数、盖入原因与时间戳，按退避延迟发到重试队列；
// 达到上限则盖入最终失败信息发到死信队列。两个分支均保留原 message_id。
func (p *RetryPolicy) RouteFailure(ctx context.Context, payload interface{}, headers map[string]interface{}, reason string) error {
	st := retryStateFromHeaders(headers)
	id := headerString(headers, HeaderMessageID)
	if id == "" {
		id = uuid.NewString()
	}

	if st.Count < p.cfg.MaxRetries {
		next := st.Count + 1
		delay := p.Backoff(st.Count)
		h := copyHeaders(headers)
		h[HeaderRetryCount] = int64(next)
		h[HeaderRetryReason] = reason
		h[HeaderRetryTimestamp] = time.Now().Unix()
		if err := p.pub.publishRetry(ctx, payload, h, delay, id); err != nil {
			return err
		}
		p.logger.Warn(ctx, "message sent to retry",
			"message_id", id, "retry_count", next, "delay_ms", delay.Milliseconds(), "reason", reason)
		return nil
	}
	return p.deadLetter(ctx, payload, headers, reason, st.Count)
}

// DeadLetter 绕过重试阶段直接死信，用于重试无意义的失败（如载荷解析错误）。
func (p *RetryPolicy) DeadLetter(ctx context.Context, payload interface{}, headers map[string]interface{}, reason string) error {
	return p.deadLetter(ctx, payload, headers, reason, retryStateFromHeaders(headers).Count)
}

func (p *RetryPolicy) deadLetter(ctx context.Context, payload interface{}, headers map[string]interface{}, reason string, totalRetries int) error {
	id := headerString(headers, HeaderMessageID)
	if id == "" {
		id = uuid.NewString()
	}
	h := copyHeaders(headers)
	h[HeaderFinalFailureReason] = reason
	h[HeaderFinalFailureTimestamp] = time.Now().Unix()
	h[HeaderTotalRetryCount] = int64(totalRetries)
	if err := p.pub.publishDead(ctx, payload, h, id); err != nil {
		return err
	}
	p.logger.Error(ctx, "message sent to dead letter",
		"message_id", id, "final_reason", reason, "total_retries", totalRetries)
	return nil
}
