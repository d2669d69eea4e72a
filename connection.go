package relayq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn 独占物理连接与通道的状态，进程内构造一次、显式注入各组件。
// 不做后台自动重连：调用方在操作前检查 IsReady，按需 Connect，
// 让失败在调用点可见。

type Conn struct {
	cfg    Config
	logger Logger

	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	declared bool
}

// NewConn 创建未连接的 Conn；生命周期与进程一致，停机时显式 Close。
func NewConn(cfg Config, logger Logger) *Conn {
	return &Conn{cfg: cfg, logger: logger}
}

// Connect 幂等建连：已就绪立即返回；否则在有界超时内拨号、
// 开通道、设置 prefetch 并声明拓扑。
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readyLocked() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	// 清理半开句柄后重新建连
	c.teardownLocked(ctx)
	c.logger.Info(ctx, "connecting to rabbitmq", "exchange", c.cfg.Exchange)
	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Heartbeat: heartbeat,
		Dial:      amqp.DefaultDial(connectTimeout),
	})
	if err != nil {
		return fmt.Errorf("rabbitmq connection failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("rabbitmq channel creation failed: %w", err)
	}
	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := declareTopology(ctx, conn, c.cfg, c.logger); err != nil {
		_ = conn.Close()
		return err
	}
	c.conn, c.ch, c.declared = conn, ch, true
	return nil
}

// IsReady 为纯查询：连接与通道均打开且拓扑已声明。
func (c *Conn) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyLocked()
}

func (c *Conn) readyLocked() bool {
	return c.conn != nil && !c.conn.IsClosed() &&
		c.ch != nil && !c.ch.IsClosed() && c.declared
}

// Close 幂等关闭：先通道后连接，各自有界等待，错误仅告警，
// 之后总是复位句柄，保证后续 Connect 可以成功。
func (c *Conn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(ctx)
	c.logger.Info(ctx, "rabbitmq connection closed")
	return nil
}

func (c *Conn) teardownLocked(ctx context.Context) {
	if c.ch != nil && !c.ch.IsClosed() {
		c.closeBounded(ctx, "channel", c.ch.Close)
	}
	if c.conn != nil && !c.conn.IsClosed() {
		c.closeBounded(ctx, "connection", c.conn.Close)
	}
	c.conn, c.ch, c.declared = nil, nil, false
}

// closeBounded 有界关闭单个资源，超时或出错吞掉并告警。
func (c *Conn) closeBounded(ctx context.Context, name string, fn func() error) {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn(ctx, "error closing resource", "resource", name, "error", err)
		}
	case <-time.After(closeTimeout):
		c.logger.Warn(ctx, "resource close timeout", "resource", name)
	}
}

// closeChannel 仅关闭消费通道，停机超时后用于强制打断投递流。
func (c *Conn) closeChannel(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch != nil && !c.ch.IsClosed() {
		c.closeBounded(ctx, "channel", c.ch.Close)
	}
	c.ch = nil
}

// consume 打开主目的地的投递流；未就绪返回 ErrNotConnected。
func (c *Conn) consume() (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.readyLocked() {
		return nil, ErrNotConnected
	}
	return c.ch.Consume(c.cfg.MainQueue, "", false, false, false, false, nil)
}

// publishChannel 为单次发布开独立通道，发布间互不影响；调用方负责关闭。
func (c *Conn) publishChannel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() || !c.declared {
		return nil, ErrNotConnected
	}
	return c.conn.Channel()
}

// checkMainQueue 被动声明主队列，确认其仍然存在。
func (c *Conn) checkMainQueue() bool {
	ch, err := c.publishChannel()
	if err != nil {
		return false
	}
	defer ch.Close()
	_, err = ch.QueueDeclarePassive(c.cfg.MainQueue, true, false, false, false, nil)
	return err == nil
}
