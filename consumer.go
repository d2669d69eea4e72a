package relayq

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// 消费循环状态机。
const (
	stateNotRunning int32 = iota
	stateRunning
	stateStopping
)

// Consumer 单循环消费主目的地，prefetch 限定在途消息数。
// 确认语义：无论处理成败总是确认——失败消息已被显式改投重试或死信，
// 不依赖 broker 原生重投（那会无退避地无限重投）；
// 仅当改投发布本身失败时 Nack 重入队兜底。

type Consumer struct {
	conn    *Conn
	cfg     Config
	policy  *RetryPolicy
	logger  Logger
	handler Handler
	state   atomic.Int32
}

// NewConsumer 创建消费者；处理器经 Handle 注册后方可 Run。
func NewConsumer(conn *Conn, cfg Config, policy *RetryPolicy, logger Logger) *Consumer {
	return &Consumer{conn: conn, cfg: cfg, policy: policy, logger: logger}
}

// Handle 注册处理器并组装中间件，首个中间件在最外层。须在 Run 之前调用。
func (c *Consumer) Handle(h Handler, mws ...Middleware) {
	final := h
	for i := len(mws) - 1; i >= 0; i-- {
		final = mws[i](final)
	}
	c.handler = final
}

// Run 阻塞运行消费循环直至 ctx 取消；取消在消息之间生效，
// 不打断正在处理的消息。投递流错误视为 broker 抖动：
// 记录、短暂停后重开；建连失败视为致命，记录后返回交上层决策。
func (c *Consumer) Run(ctx context.Context) error {
	if c.handler == nil {
		return ErrNoHandler
	}
	if !c.state.CompareAndSwap(stateNotRunning, stateRunning) {
		return ErrConsumerRunning
	}
	// 退出即复位，支持监督者停后再启
	defer c.state.Store(stateNotRunning)
	c.logger.Info(ctx, "consumer started")
	defer c.logger.Info(context.Background(), "consumer stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}
		if !c.conn.IsReady() {
			if err := c.conn.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Error(ctx, "unexpected error in consumer", "error", err)
				return err
			}
		}
		deliveries, err := c.conn.consume()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error(ctx, "unexpected error in consumer", "error", err)
			return err
		}
		if err := c.drain(ctx, deliveries); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error(ctx, "error in message iteration", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(streamRetryPause):
			}
		}
	}
}

// drain 迭代投递流；消息之间优先检查停止信号，协作式退出，
// 未确认的消息留在队列里等待下次消费。
func (c *Consumer) drain(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
		case d, ok := <-deliveries:
			if !ok {
				return errStreamClosed
			}
			if ctx.Err() != nil {
				// 已收到停止信号：不处理也不确认，消息重启后会再次投递
				continue
			}
			c.handleDelivery(ctx, d)
		}
	}
	c.state.Store(stateStopping)
	c.logger.Info(ctx, "stop signal received, stopping consumer")
	return nil
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	headers := copyHeaders(d.Headers)

	var payload map[string]interface{}
	if err := json.Unmarshal(d.Body, &payload); err != nil {
		// 解析失败重试不可能成功，短路直接死信
		c.logger.Error(ctx, "invalid payload; sending to dead letter", "error", err)
		raw := map[string]interface{}{"raw": string(d.Body)}
		c.finish(ctx, d, c.policy.DeadLetter(ctx, raw, headers, ReasonInvalidPayload))
		return
	}

	task := Task{
		ID:      headerString(headers, HeaderMessageID),
		Payload: payload,
		Headers: headers,
		Retry:   retryStateFromHeaders(headers),
	}
	if task.ID == "" {
		task.ID = d.MessageId
	}

	if err := c.handler(ctx, task); err != nil {
		c.logger.Error(ctx, "processing failed; routing to retry or dead letter",
			"message_id", task.ID, "error", err)
		c.finish(ctx, d, c.policy.RouteFailure(ctx, payload, headers, err.Error()))
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error(ctx, "ack failed", "message_id", task.ID, "error", err)
		return
	}
	c.logger.Info(ctx, "message processed", "message_id", task.ID)
}

// finish 失败路由后的确认：改投成功则 Ack；改投失败 Nack 重入队避免丢消息。
func (c *Consumer) finish(ctx context.Context, d amqp.Delivery, routeErr error) {
	if routeErr != nil {
		c.logger.Error(ctx, "failure routing failed; requeueing delivery", "error", routeErr)
		if err := d.Nack(false, true); err != nil {
			c.logger.Error(ctx, "nack failed", "error", err)
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Error(ctx, "ack failed", "error", err)
	}
}
