package relayq

import (
	"context"
	"sync"
	"time"

	cronv3 "github.com/robfig/cron/v3"
)

// taskPublisher 周期入队所需的最小发布能力，便于测试注入。
type taskPublisher interface {
	PublishTask(ctx context.Context, payload interface{}, opts ...PublishOption) (string, error)
}

// Schedule 提供基于 Cron 表达式的周期入队：到点将固定载荷发布到主目的地。
type Schedule interface {
	Add(spec string, name string, payload map[string]interface{}) (id string, err error)
	Remove(id string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type scheduleSvc struct {
	pub    taskPublisher
	logger Logger
	cron   *cronv3.Cron
	mu     sync.Mutex
	ids    map[string]cronv3.EntryID
}

// NewSchedule 创建调度器，按配置时区解析 Cron 表达式（支持秒级字段）。
func NewSchedule(cfg ScheduleConfig, pub *Publisher, logger Logger) Schedule {
	loc := time.Local
	if cfg.Timezone != "" {
		if l, err := time.LoadLocation(cfg.Timezone); err == nil {
			loc = l
		}
	}
	cr := cronv3.New(cronv3.WithSeconds(), cronv3.WithLocation(loc))
	return &scheduleSvc{pub: pub, logger: logger, cron: cr, ids: make(map[string]cronv3.EntryID)}
}

func (s *scheduleSvc) Add(spec string, name string, payload map[string]interface{}) (string, error) {
	id, err := s.cron.AddFunc(spec, func() {
		ctx := context.Background()
		if _, err := s.pub.PublishTask(ctx, payload); err != nil {
			s.logger.Error(ctx, "scheduled enqueue failed", "name", name, "error", err)
		}
	})
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := name
	if key == "" {
		key = spec
	}
	// 同名覆盖：先摘除旧条目，避免失去句柄的任务继续触发
	if old, ok := s.ids[key]; ok {
		s.cron.Remove(old)
	}
	s.ids[key] = id
	return key, nil
}

func (s *scheduleSvc) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if eid, ok := s.ids[id]; ok {
		s.cron.Remove(eid)
		delete(s.ids, id)
	}
	return nil
}

func (s *scheduleSvc) Start(ctx context.Context) error { s.cron.Start(); return nil }

func (s *scheduleSvc) Stop(ctx context.Context) error { s.cron.Stop(); return nil }
