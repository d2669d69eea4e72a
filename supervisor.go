package relayq

import (
	"context"
	"sync"
	"time"
)

// Supervisor 在进程启动时将消费循环挂为后台任务，停机时有界等待其退出。
// 停机流程：发出停止信号 → 等待至多 shutdownGrace → 未退出则强制关闭
// 消费通道打断投递流 → 最后有界关闭连接。任何一步都不会让宿主进程
// 挂起或崩溃。

type Supervisor struct {
	conn     *Conn
	consumer *Consumer
	logger   Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor 创建生命周期监督器。
func NewSupervisor(conn *Conn, consumer *Consumer, logger Logger) *Supervisor {
	return &Supervisor{conn: conn, consumer: consumer, logger: logger}
}

// Start 建立初始连接并启动消费循环；重复调用无效果。
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	if err := s.conn.Connect(ctx); err != nil {
		return err
	}
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go func() {
		defer close(done)
		if err := s.consumer.Run(runCtx); err != nil {
			s.logger.Error(runCtx, "consumer exited with error", "error", err)
		}
	}()
	return nil
}

// Stop 有界停机：循环未在宽限期内退出时强制打断，连接关闭错误被吞掉。
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-time.After(shutdownGrace):
			s.logger.Warn(ctx, "consumer did not stop within grace period; forcing channel close")
			s.conn.closeChannel(ctx)
			select {
			case <-s.done:
			case <-time.After(closeTimeout):
				s.logger.Error(ctx, "consumer failed to stop; abandoning")
			}
		}
		s.cancel, s.done = nil, nil
	}
	return s.conn.Close(ctx)
}
