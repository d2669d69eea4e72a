package relayq

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher 将载荷序列化为 JSON，以持久化投递模式发布到指定目的地。
// 发布前确保连接就绪（必要时 Connect），这是设计中唯一的自愈点；
// 发布本身失败不在内部重试，整体重试由调用方决定。

type Publisher struct {
	conn   *Conn
	cfg    Config
	logger Logger
}

// NewPublisher 创建 Publisher；并发调用安全，每次发布使用独立通道。
func NewPublisher(conn *Conn, cfg Config, logger Logger) *Publisher {
	return &Publisher{conn: conn, cfg: cfg, logger: logger}
}

// PublishOption 发布选项。
type PublishOption func(*publishOpts)

type publishOpts struct {
	headers    map[string]interface{}
	expiration time.Duration
	messageID  string
}

// WithHeaders 附加 headers。
func WithHeaders(h map[string]interface{}) PublishOption {
	return func(o *publishOpts) { o.headers = h }
}

// WithExpiration 设置消息级过期时间；发到重试队列时即为延迟时长。
func WithExpiration(d time.Duration) PublishOption {
	return func(o *publishOpts) { o.expiration = d }
}

// WithMessageID 指定消息 ID，使同一逻辑消息在多次重投间身份可追踪。
func WithMessageID(id string) PublishOption {
	return func(o *publishOpts) { o.messageID = id }
}

// Publish 发布到指定目的地并返回最终 message_id。
// 未提供 ID 时生成 uuid；headers 缺省盖入 message_id 与 source。
func (p *Publisher) Publish(ctx context.Context, destination string, payload interface{}, opts ...PublishOption) (string, error) {
	o := &publishOpts{}
	for _, fn := range opts {
		fn(o)
	}
	if !p.conn.IsReady() {
		if err := p.conn.Connect(ctx); err != nil {
			return "", err
		}
	}
	ch, err := p.conn.publishChannel()
	if err != nil {
		return "", err
	}
	defer func() { _ = ch.Close() }()

	id := o.messageID
	if id == "" {
		id = uuid.NewString()
	}
	headers := copyHeaders(o.headers)
	if _, ok := headers[HeaderMessageID]; !ok {
		headers[HeaderMessageID] = id
	}
	if _, ok := headers[HeaderSource]; !ok {
		headers[HeaderSource] = p.cfg.Source
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Headers:      amqp.Table(headers),
		Body:         body,
	}
	if o.expiration > 0 {
		pub.Expiration = strconv.FormatInt(o.expiration.Milliseconds(), 10)
	}
	if err := ch.PublishWithContext(ctx, p.cfg.Exchange, destination, false, false, pub); err != nil {
		return "", fmt.Errorf("rabbitmq publish failed (destination=%s): %w", destination, err)
	}
	p.logger.Info(ctx, "message published", "message_id", id, "destination", destination)
	return id, nil
}

// PublishTask 发布任务到主目的地。
func (p *Publisher) PublishTask(ctx context.Context, payload interface{}, opts ...PublishOption) (string, error) {
	return p.Publish(ctx, p.cfg.MainQueue, payload, opts...)
}

// publishRetry 发布到重试队列，delay 作为消息级 expiration。
func (p *Publisher) publishRetry(ctx context.Context, payload interface{}, headers map[string]interface{}, delay time.Duration, messageID string) error {
	_, err := p.Publish(ctx, p.cfg.RetryQueue, payload,
		WithHeaders(headers), WithExpiration(delay), WithMessageID(messageID))
	return err
}

// publishDead 发布到死信队列。
func (p *Publisher) publishDead(ctx context.Context, payload interface{}, headers map[string]interface{}, messageID string) error {
	_, err := p.Publish(ctx, p.cfg.DeadLetterQueue, payload,
		WithHeaders(headers), WithMessageID(messageID))
	return err
}
