package relayq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// 拓扑：一个共享 direct exchange，三个各绑定自身同名 routing key 的队列。
// 重试队列通过 DLX 回投主队列，延迟完全由发布时的消息级 expiration 决定，
// 没有独立的定时器。声明顺序：先 exchange，后各队列。

func declareTopology(ctx context.Context, conn *amqp.Connection, cfg Config, logger Logger) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("topology channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	logger.Info(ctx, "declare exchange", "exchange", cfg.Exchange)
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}

	// 死信队列
	if ch, err = declareQueue(ctx, conn, ch, cfg.DeadLetterQueue, nil, logger); err != nil {
		return err
	}
	if err := ch.QueueBind(cfg.DeadLetterQueue, cfg.DeadLetterQueue, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.DeadLetterQueue, err)
	}

	// 重试队列：到期消息经 DLX 回到主队列
	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    cfg.Exchange,
		"x-dead-letter-routing-key": cfg.MainQueue,
	}
	if ch, err = declareQueue(ctx, conn, ch, cfg.RetryQueue, retryArgs, logger); err != nil {
		return err
	}
	if err := ch.QueueBind(cfg.RetryQueue, cfg.RetryQueue, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.RetryQueue, err)
	}

	// 主队列：满载时拒绝新发布而非挤掉存量
	mainArgs := amqp.Table{"x-overflow": "reject-publish"}
	if ch, err = declareQueue(ctx, conn, ch, cfg.MainQueue, mainArgs, logger); err != nil {
		return err
	}
	if err := ch.QueueBind(cfg.MainQueue, cfg.MainQueue, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", cfg.MainQueue, err)
	}

	logger.Info(ctx, "rabbitmq topology declared",
		"exchange", cfg.Exchange,
		"main_queue", cfg.MainQueue,
		"retry_queue", cfg.RetryQueue,
		"dead_letter_queue", cfg.DeadLetterQueue)
	return nil
}

// declareQueue 主动声明队列；broker 因已有不兼容声明拒绝时（406）
// 告警后退回被动声明，容忍外部预置拓扑的配置漂移。
// 406 会连带关闭当前通道，因此返回可供后续操作的新通道。
func declareQueue(ctx context.Context, conn *amqp.Connection, ch *amqp.Channel, name string, args amqp.Table, logger Logger) (*amqp.Channel, error) {
	if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
		if !isPreconditionFailed(err) {
			return ch, fmt.Errorf("declare queue %s: %w", name, err)
		}
		logger.Warn(ctx, "queue exists with different arguments; using passive declaration", "queue", name)
		nch, cerr := conn.Channel()
		if cerr != nil {
			return ch, fmt.Errorf("reopen channel after precondition failure: %w", cerr)
		}
		if _, perr := nch.QueueDeclarePassive(name, true, false, false, false, nil); perr != nil {
			return nch, fmt.Errorf("passive declare queue %s: %w", name, perr)
		}
		return nch, nil
	}
	return ch, nil
}
