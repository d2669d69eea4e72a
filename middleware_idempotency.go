package relayq

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"time"
)

// KV 是幂等中间件依赖的最小键值接口，便于单元测试注入 mock。
type KV interface {
	SetNX(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, key string) error
}

// IdempotencyConfig 配置幂等中间件。
// Key 计算顺序：优先 Task.ID（即 message_id）；若为空且提供 KeyFunc 则使用 KeyFunc。
// 最终存储 key 为 Prefix + ":" + sha1(keyRaw)。
type IdempotencyConfig struct {
	KV KV // 可选：键值存储（生产用 RedisKV），为 nil 时可由 Redis* 参数自动创建
	// 可选 Redis 连接参数（KV 为空时用这些参数自动启用）
	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int

	Prefix  string        // key 前缀，如 "rq:idem"
	TTL     time.Duration // 幂等键过期时间
	KeyFunc func(ctx context.Context, t Task) (string, error) // 可选：自定义业务唯一键
}

// NewIdempotencyMiddleware 生成消费幂等中间件：同一 key 的投递只处理成功一次。
// 至少一次投递语义下，重投与重复发布由此收敛。
// 处理前以 SetNX 抢占 key 兼作并发去重；处理失败时释放 key，
// 保证改投重试队列后的重投仍会重新执行（message_id 跨重试保持不变）。
func NewIdempotencyMiddleware(cfg IdempotencyConfig) Middleware {
	if cfg.KV == nil {
		panic("IdempotencyMiddleware requires KV")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "rq:idem"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, t Task) error {
			keyRaw := t.ID
			if keyRaw == "" && cfg.KeyFunc != nil {
				if s, err := cfg.KeyFunc(ctx, t); err == nil {
					keyRaw = s
				}
			}
			if keyRaw == "" {
				return next(ctx, t)
			}
			// sha1 规整 key
			h := sha1.Sum([]byte(keyRaw))
			storeKey := fmt.Sprintf("%s:%s", prefix, hex.EncodeToString(h[:]))
			ok, err := cfg.KV.SetNX(ctx, storeKey, "1", cfg.TTL)
			if err != nil {
				return err
			}
			if !ok {
				return nil // 已处理，直接跳过
			}
			if err := next(ctx, t); err != nil {
				// 失败即释放，下一次投递（重试或重入队）可重新处理
				if derr := cfg.KV.Del(ctx, storeKey); derr != nil {
					return fmt.Errorf("handler failed: %w (release idempotency key: %v)", err, derr)
				}
				return err
			}
			return nil
		}
	}
}
