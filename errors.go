package relayq

import (
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

// 错误语义约定：
// - ErrNotConnected 对单次调用是致命的，由调用方决定是否整体重试；
// - 拓扑冲突（broker 返回 406）在声明阶段本地降级为被动声明，不对外暴露；
// - 载荷解析失败直接进死信，不走重试；
// - 处理器失败交由 RetryPolicy 路由。

var (
	// ErrNotConnected 连接或通道未就绪。
	ErrNotConnected = errors.New("relayq: not connected")
	// ErrConsumerRunning 消费循环已在运行，Run 不可重入。
	ErrConsumerRunning = errors.New("relayq: consumer already running")
	// ErrNoHandler 未注册处理器即启动消费。
	ErrNoHandler = errors.New("relayq: no handler registered")
)

// errStreamClosed 投递流被 broker 关闭，消费循环据此暂停后重开。
var errStreamClosed = errors.New("relayq: delivery stream closed")

// isPreconditionFailed 判断 broker 是否因已有不兼容声明拒绝（AMQP 406）。
func isPreconditionFailed(err error) bool {
	var ae *amqp.Error
	return errors.As(err, &ae) && ae.Code == amqp.PreconditionFailed
}
