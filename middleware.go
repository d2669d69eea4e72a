package relayq

// Middleware 用于包装任务处理器，组装顺序见 Consumer.Handle。
type Middleware func(next Handler) Handler
