package relayq

// Package relayq 提供可靠的任务队列客户端：发布任务、受限并发消费、
// 失败按指数退避延迟重试、超限后落入死信队列。基于 RabbitMQ 实现，
// 延时通过消息级 expiration + 死信回投实现，无独立定时器。
// 内置幂等中间件（Redis）与基于 Cron 表达式的周期入队。
