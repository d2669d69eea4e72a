package relayq

import (
	"context"
	"strconv"
)

// 线上 headers 键名约定。
const (
	HeaderMessageID             = "message_id"
	HeaderSource                = "source"
	HeaderRetryCount            = "x-retry-count"
	HeaderRetryReason           = "x-retry-reason"
	HeaderRetryTimestamp        = "x-retry-timestamp"
	HeaderFinalFailureReason    = "x-final-failure-reason"
	HeaderFinalFailureTimestamp = "x-final-failure-timestamp"
	HeaderTotalRetryCount       = "x-total-retry-count"
)

// ReasonInvalidPayload 载荷解析失败的死信原因，重试对其无意义。
const ReasonInvalidPayload = "invalid-payload"

// Task 为投递给处理器的任务。Headers 保留线上原貌，
// 重试元数据在接收时一次性解析进 Retry，避免散落的 ad hoc 读取。
type Task struct {
	ID      string
	Payload map[string]interface{}
	Headers map[string]interface{}
	Retry   RetryState
}

// Handler 处理任务；返回非 nil 错误视为可重试失败。
type Handler func(ctx context.Context, t Task) error

// RetryState 由 headers 派生的重试状态。
// Count 在同一逻辑消息的多次重投间单调不减。
type RetryState struct {
	Count     int
	Reason    string
	Timestamp int64
}

// retryStateFromHeaders 解析 headers 中的重试元数据，缺省为零值。
func retryStateFromHeaders(h map[string]interface{}) RetryState {
	return RetryState{
		Count:     headerInt(h, HeaderRetryCount),
		Reason:    headerString(h, HeaderRetryReason),
		Timestamp: int64(headerInt(h, HeaderRetryTimestamp)),
	}
}

// headerInt 读取整数头；AMQP 解码后可能是各种宽度的整型或字符串。
func headerInt(h map[string]interface{}, key string) int {
	v, ok := h[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case string:
		if parsed, err := strconv.Atoi(n); err == nil {
			return parsed
		}
	}
	return 0
}

func headerString(h map[string]interface{}, key string) string {
	if v, ok := h[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func copyHeaders(h map[string]interface{}) map[string]interface{} {
	m := make(map[string]interface{}, len(h))
	for k, v := range h {
		m[k] = v
	}
	return m
}
