package relayq

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client 对外统一入口，聚合连接、发布、失败路由、消费与周期入队。
// 通过 New 构造；Start 建立初始连接并将消费循环挂为后台任务，
// Close 有界优雅停机。所有方法要求调用方传递 context 控制超时/取消。
//
// 线程安全：实现需保障并发安全。

type Client interface {
	// Handle 注册任务处理器与中间件，须在 Start 之前调用。
	Handle(h Handler, mws ...Middleware)
	// Start 建立初始连接并启动后台消费。
	Start(ctx context.Context) error
	// Close 优雅停机：停消费、关连接，遵循有界超时，从不挂起。
	Close(ctx context.Context) error

	// Publisher 暴露任务发布入口。
	Publisher() *Publisher
	// Schedule 暴露周期入队调度。
	Schedule() Schedule
	// Ping 被动确认主目的地仍然存在，供运维状态端点使用。
	Ping(ctx context.Context) bool
}

// New 创建 Client 实例。
func New(ctx context.Context, cfg Config, opts ...Option) (Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq url required")
	}
	cfg.applyDefaults()
	c := &client{cfg: cfg, logger: defaultLogger{}}
	for _, opt := range opts {
		opt(c)
	}

	c.conn = NewConn(cfg, c.logger)
	c.pub = NewPublisher(c.conn, cfg, c.logger)
	c.policy = NewRetryPolicy(cfg.Retry, c.pub, c.logger)
	c.consumer = NewConsumer(c.conn, cfg, c.policy, c.logger)
	c.sup = NewSupervisor(c.conn, c.consumer, c.logger)
	c.sched = NewSchedule(cfg.Schedule, c.pub, c.logger)

	// 幂等中间件集成（可选启用）：提供 KV 或 Redis 参数即开启
	if cfg.Idempotency.KV != nil || cfg.Idempotency.RedisAddr != "" {
		idemCfg := cfg.Idempotency
		if idemCfg.KV == nil {
			idemCfg.KV = RedisKV{R: redis.NewClient(&redis.Options{
				Addr:     idemCfg.RedisAddr,
				Username: idemCfg.RedisUsername,
				Password: idemCfg.RedisPassword,
				DB:       idemCfg.RedisDB,
			})}
		}
		c.idem = NewIdempotencyMiddleware(idemCfg)
	}
	return c, nil
}

type client struct {
	cfg    Config
	logger Logger

	conn     *Conn
	pub      *Publisher
	policy   *RetryPolicy
	consumer *Consumer
	sup      *Supervisor
	sched    Schedule
	idem     Middleware
}

func (c *client) Handle(h Handler, mws ...Middleware) {
	if c.idem != nil {
		// 默认中间件置于调用者中间件之前，避免覆盖调用者定制行为
		mws = append([]Middleware{c.idem}, mws...)
	}
	c.consumer.Handle(h, mws...)
}

func (c *client) Start(ctx context.Context) error { return c.sup.Start(ctx) }

func (c *client) Close(ctx context.Context) error {
	_ = c.sched.Stop(ctx)
	return c.sup.Stop(ctx)
}

func (c *client) Publisher() *Publisher { return c.pub }
func (c *client) Schedule() Schedule    { return c.sched }

func (c *client) Ping(ctx context.Context) bool {
	if !c.conn.IsReady() {
		if err := c.conn.Connect(ctx); err != nil {
			return false
		}
	}
	return c.conn.checkMainQueue()
}

// Option 允许注入替换默认行为（如 Logger）。
type Option func(*client)

// WithLogger 注入自定义日志实现。
func WithLogger(l Logger) Option {
	return func(c *client) {
		if l != nil {
			c.logger = l
		}
	}
}
